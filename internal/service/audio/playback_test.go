package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedPlayer identifies units by their first sample and holds each one
// until the test releases it.
type scriptedPlayer struct {
	started chan float32

	mu       sync.Mutex
	gates    map[float32]chan struct{}
	fail     map[float32]error
	sticky   map[float32]bool
	canceled []float32
}

func newScriptedPlayer() *scriptedPlayer {
	return &scriptedPlayer{
		started: make(chan float32, 32),
		gates:   make(map[float32]chan struct{}),
		fail:    make(map[float32]error),
		sticky:  make(map[float32]bool),
	}
}

func (p *scriptedPlayer) gate(id float32) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.gates[id]
	if !ok {
		ch = make(chan struct{})
		p.gates[id] = ch
	}
	return ch
}

func (p *scriptedPlayer) release(id float32) {
	close(p.gate(id))
}

func (p *scriptedPlayer) Play(ctx context.Context, samples []float32) error {
	id := samples[0]

	p.mu.Lock()
	err := p.fail[id]
	sticky := p.sticky[id]
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.started <- id
	if sticky {
		<-p.gate(id)
		return nil
	}
	select {
	case <-p.gate(id):
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.canceled = append(p.canceled, id)
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *scriptedPlayer) canceledUnits() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.canceled...)
}

func unit(id float32) []float32 {
	return []float32{id, 0, 0, 0}
}

func expectStarted(t *testing.T, p *scriptedPlayer, want float32) {
	t.Helper()
	select {
	case got := <-p.started:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("expected unit %v to start", want)
	}
}

func expectIdle(t *testing.T, p *scriptedPlayer) {
	t.Helper()
	select {
	case got := <-p.started:
		t.Fatalf("unexpected unit %v started", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueuePlaysInFIFOOrder(t *testing.T) {
	player := newScriptedPlayer()
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	q.Enqueue(unit(1))
	q.Enqueue(unit(2))
	q.Enqueue(unit(3))

	for _, id := range []float32{1, 2, 3} {
		expectStarted(t, player, id)
		assert.True(t, q.Speaking(), "speaking while unit %v is active", id)
		player.release(id)
	}

	require.Eventually(t, func() bool { return !q.Speaking() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
}

func TestQueueSpeakingTracksOccupancy(t *testing.T) {
	player := newScriptedPlayer()
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	assert.False(t, q.Speaking())

	q.Enqueue(unit(1))
	expectStarted(t, player, 1)
	q.Enqueue(unit(2))
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Speaking())

	player.release(1)
	expectStarted(t, player, 2)
	assert.Zero(t, q.Len())
	assert.True(t, q.Speaking())

	player.release(2)
	require.Eventually(t, func() bool { return !q.Speaking() }, time.Second, 5*time.Millisecond)
}

func TestQueueFlushStopsActiveAndDrains(t *testing.T) {
	player := newScriptedPlayer()
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	q.Enqueue(unit(1))
	q.Enqueue(unit(2))
	q.Enqueue(unit(3))
	expectStarted(t, player, 1)

	q.Flush()
	assert.False(t, q.Speaking())
	assert.Zero(t, q.Len())

	require.Eventually(t, func() bool {
		return len(player.canceledUnits()) == 1
	}, time.Second, 5*time.Millisecond)
	expectIdle(t, player)
}

func TestQueueFlushIsIdempotent(t *testing.T) {
	q := NewQueue(newScriptedPlayer(), zaptest.NewLogger(t))
	defer q.Close()

	q.Flush()
	q.Flush()
	assert.False(t, q.Speaking())
	assert.Zero(t, q.Len())
}

func TestQueueSkipsUnitThatFailsToStart(t *testing.T) {
	player := newScriptedPlayer()
	player.fail[1] = errors.New("device busy")
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	q.Enqueue(unit(1))
	q.Enqueue(unit(2))

	expectStarted(t, player, 2)
	player.release(2)
	require.Eventually(t, func() bool { return !q.Speaking() }, time.Second, 5*time.Millisecond)
}

func TestQueueStaleCompletionDoesNotResumeAfterFlush(t *testing.T) {
	player := newScriptedPlayer()
	player.sticky[1] = true
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	q.Enqueue(unit(1))
	expectStarted(t, player, 1)
	q.Flush()

	q.Enqueue(unit(2))
	q.Enqueue(unit(3))
	expectStarted(t, player, 2)

	// unit 1 ignored cancellation and only now returns
	player.release(1)
	expectIdle(t, player)
	assert.Equal(t, 1, q.Len())

	player.release(2)
	expectStarted(t, player, 3)
	player.release(3)
}

func TestQueueSpeakingCallbackOrder(t *testing.T) {
	player := newScriptedPlayer()
	q := NewQueue(player, zaptest.NewLogger(t))
	defer q.Close()

	var mu sync.Mutex
	var events []bool
	q.OnSpeaking(func(speaking bool) {
		mu.Lock()
		events = append(events, speaking)
		mu.Unlock()
	})

	q.Enqueue(unit(1))
	q.Enqueue(unit(2))
	expectStarted(t, player, 1)
	q.Flush()
	q.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
}

func TestQueueCloseWaitsAndRejects(t *testing.T) {
	player := newScriptedPlayer()
	q := NewQueue(player, zaptest.NewLogger(t))

	q.Enqueue(unit(1))
	expectStarted(t, player, 1)
	q.Close()

	q.Enqueue(unit(2))
	expectIdle(t, player)
	assert.False(t, q.Speaking())
}
