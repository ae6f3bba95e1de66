package audio

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Player renders one buffer of samples. Play blocks until the buffer has been
// played or ctx is cancelled, in which case output must stop promptly.
type Player interface {
	Play(ctx context.Context, samples []float32) error
}

// Queue plays decoded assistant audio strictly in arrival order, one unit at a time.
type Queue struct {
	player Player
	logger *zap.Logger

	mu         sync.Mutex
	pending    [][]float32
	active     bool
	cancel     context.CancelFunc
	gen        uint64
	speaking   bool
	closed     bool
	onSpeaking func(bool)

	wg sync.WaitGroup
}

// NewQueue builds a queue on top of player.
func NewQueue(player Player, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{player: player, logger: logger}
}

// OnSpeaking registers a callback fired whenever the speaking flag flips.
// The callback runs with the queue lock held and must not call back into the queue.
func (q *Queue) OnSpeaking(fn func(bool)) {
	q.mu.Lock()
	q.onSpeaking = fn
	q.mu.Unlock()
}

// Enqueue appends a unit and starts playback when nothing is playing.
func (q *Queue) Enqueue(samples []float32) {
	if len(samples) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.pending = append(q.pending, samples)
	q.setSpeakingLocked(true)
	if !q.active {
		q.startNextLocked()
	}
}

// Flush stops the active unit and discards everything queued behind it.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

// Speaking reports whether a unit is active or queued.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Len returns the number of queued units, excluding the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close flushes and waits for in-flight Play calls to return.
func (q *Queue) Close() {
	q.mu.Lock()
	q.flushLocked()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) flushLocked() {
	if q.cancel != nil {
		q.cancel()
	}
	q.cancel = nil
	q.active = false
	q.pending = nil
	q.gen++
	q.setSpeakingLocked(false)
}

func (q *Queue) startNextLocked() {
	if len(q.pending) == 0 {
		q.active = false
		q.cancel = nil
		q.setSpeakingLocked(false)
		return
	}

	unit := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.active = true
	q.cancel = cancel
	gen := q.gen

	q.wg.Add(1)
	go q.play(ctx, gen, unit)
}

func (q *Queue) play(ctx context.Context, gen uint64, unit []float32) {
	defer q.wg.Done()

	if err := q.player.Play(ctx, unit); err != nil && ctx.Err() == nil {
		q.logger.Warn("playback unit failed, skipping", zap.Int("samples", len(unit)), zap.Error(err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// 已被 flush，旧的完成回调不能再拉起排队音频
	if gen != q.gen {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.startNextLocked()
}

func (q *Queue) setSpeakingLocked(speaking bool) {
	if q.speaking == speaking {
		return
	}
	q.speaking = speaking
	if q.onSpeaking != nil {
		q.onSpeaking(speaking)
	}
}
