package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
	"github.com/zhouzirui/voice-storefront/client/internal/service/identity"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
)

// eventLog records device and wire events in the order they were observed.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeAssistant struct {
	server *httptest.Server
	log    *eventLog

	mu    sync.Mutex
	paths []string
	conns []*websocket.Conn
}

func newFakeAssistant(t *testing.T, log *eventLog) *fakeAssistant {
	t.Helper()
	fa := &fakeAssistant{log: log}
	upgrader := websocket.Upgrader{}
	fa.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		fa.mu.Lock()
		fa.paths = append(fa.paths, r.URL.Path)
		fa.conns = append(fa.conns, conn)
		fa.mu.Unlock()

		_ = conn.WriteJSON(map[string]string{"type": "system", "message": "Connected to shopping assistant"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var out envelope.Outbound
			if err := json.Unmarshal(data, &out); err == nil {
				log.add("wire:" + string(out.Type))
			}
		}
	}))
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeAssistant) push(t *testing.T, v any) {
	t.Helper()
	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.NotEmpty(t, fa.conns)
	require.NoError(t, fa.conns[len(fa.conns)-1].WriteJSON(v))
}

type fakeSource struct {
	log      *eventLog
	blocks   chan []float32
	startErr error
}

func (s *fakeSource) Start(context.Context, audio.Format) (<-chan []float32, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.log.add("device:open")
	return s.blocks, nil
}

func (s *fakeSource) Close() error {
	s.log.add("device:released")
	return nil
}

// gatedPlayer holds each unit until the unit is cancelled or the test releases all.
type gatedPlayer struct {
	started  chan float32
	canceled chan float32
	release  chan struct{}
}

func newGatedPlayer() *gatedPlayer {
	return &gatedPlayer{
		started:  make(chan float32, 16),
		canceled: make(chan float32, 16),
		release:  make(chan struct{}),
	}
}

func (p *gatedPlayer) Play(ctx context.Context, samples []float32) error {
	p.started <- samples[0]
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		p.canceled <- samples[0]
		return ctx.Err()
	}
}

type cartRecorder struct {
	mu      sync.Mutex
	calls   []envelope.Kind
	session string
	items   int
}

func (c *cartRecorder) RefreshCart(_ context.Context, sessionID string, reason envelope.Kind, items []model.CartItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, reason)
	c.session = sessionID
	c.items = len(items)
	return nil
}

type productRecorder struct {
	mu     sync.Mutex
	opened []string
}

func (p *productRecorder) OpenProduct(_ context.Context, id string) error {
	p.mu.Lock()
	p.opened = append(p.opened, id)
	p.mu.Unlock()
	return nil
}

// pcmDelta builds an audio_delta whose first sample decodes to v/32768.
func pcmDelta(v int16) envelope.Inbound {
	pcm := []byte{byte(uint16(v)), byte(uint16(v) >> 8), 0, 0}
	return envelope.Inbound{Type: envelope.KindAudioDelta, Audio: envelope.Audio(pcm).Audio}
}

func sample(v int16) float32 { return float32(v) / 32768 }

func waitFor[T comparable](t *testing.T, ch <-chan T, want T) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
}

func newTestPanel(t *testing.T, fa *fakeAssistant, opts Options) *Panel {
	t.Helper()
	if opts.Sessions == nil {
		opts.Sessions = identity.NewProvider(identity.NewMemoryStore(), zaptest.NewLogger(t))
	}
	if fa != nil {
		opts.Transport.BaseURL = fa.server.URL
	}
	opts.Logger = zaptest.NewLogger(t)
	p := New(opts)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpenConnectsWithPersistedSession(t *testing.T) {
	log := &eventLog{}
	fa := newFakeAssistant(t, log)
	store := identity.NewMemoryStore()
	sessions := identity.NewProvider(store, zaptest.NewLogger(t))
	p := newTestPanel(t, fa, Options{Sessions: sessions})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool {
		snap := p.Snapshot()
		return snap.Connection == model.ConnectionConnected && len(snap.Transcript) == 1
	}, time.Second, 5*time.Millisecond)

	id, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, p.SessionID())
	assert.True(t, identity.Valid(id))

	fa.mu.Lock()
	assert.Equal(t, []string{"/ws/chat/" + id}, fa.paths)
	fa.mu.Unlock()

	// reopening while connected is a no-op
	require.NoError(t, p.Open(context.Background()))
	fa.mu.Lock()
	assert.Len(t, fa.paths, 1)
	fa.mu.Unlock()
}

func TestOpenWithServiceDownIsNotAnError(t *testing.T) {
	p := newTestPanel(t, nil, Options{Transport: transport.Config{BaseURL: "http://127.0.0.1:1"}})

	require.NoError(t, p.Open(context.Background()))
	assert.Equal(t, model.ConnectionDisconnected, p.Snapshot().Connection)
	assert.ErrorIs(t, p.SendText(context.Background(), "hello"), transport.ErrNotConnected)
}

func TestBargeInFlushesBeforeNextAudio(t *testing.T) {
	player := newGatedPlayer()
	p := newTestPanel(t, nil, Options{Player: player})

	p.HandleEnvelope(pcmDelta(100))
	p.HandleEnvelope(pcmDelta(200))
	waitFor(t, player.started, sample(100))
	assert.True(t, p.Snapshot().AssistantSpeaking)

	p.HandleEnvelope(envelope.Inbound{Type: envelope.KindUserSpeaking})

	// flushed synchronously: nothing queued, not speaking, active unit cancelled
	assert.False(t, p.Snapshot().AssistantSpeaking)
	assert.Zero(t, p.queue.Len())
	waitFor(t, player.canceled, sample(100))

	p.HandleEnvelope(pcmDelta(300))
	waitFor(t, player.started, sample(300))
	select {
	case got := <-player.started:
		t.Fatalf("interrupted unit %v must never play", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestUserMessageAlsoInterrupts(t *testing.T) {
	player := newGatedPlayer()
	p := newTestPanel(t, nil, Options{Player: player})

	p.HandleEnvelope(pcmDelta(10))
	waitFor(t, player.started, sample(10))

	p.HandleEnvelope(envelope.Inbound{Type: envelope.KindUserMessage, Content: "stop", Mode: "text"})
	assert.False(t, p.Snapshot().AssistantSpeaking)
	waitFor(t, player.canceled, sample(10))
}

// turnWatcher plays every unit instantly and counts units that still had a live
// context after the user's turn was already visible in the transcript.
type turnWatcher struct {
	panel atomic.Pointer[Panel]
	late  atomic.Int32
}

func (w *turnWatcher) Play(ctx context.Context, _ []float32) error {
	p := w.panel.Load()
	if p == nil {
		return nil
	}
	userTookTurn := false
	for _, m := range p.Snapshot().Transcript {
		if m.Role == model.RoleUser {
			userTookTurn = true
		}
	}
	if userTookTurn && ctx.Err() == nil {
		w.late.Add(1)
	}
	return nil
}

func TestNoAudioStartsAfterUserTakesTurn(t *testing.T) {
	for _, in := range []envelope.Inbound{
		{Type: envelope.KindUserSpeaking},
		{Type: envelope.KindUserMessage, Content: "wait", Mode: "voice"},
	} {
		t.Run(string(in.Type), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				w := &turnWatcher{}
				p := newTestPanel(t, nil, Options{Player: w})
				w.panel.Store(p)

				for v := int16(1); v <= 20; v++ {
					p.HandleEnvelope(pcmDelta(v))
				}
				p.HandleEnvelope(in)
				p.Shutdown()

				require.Zero(t, w.late.Load(), "unit started after the user took the turn")
				assert.False(t, p.Snapshot().AssistantSpeaking)
			}
		})
	}
}

func TestVoiceLifecycleOrdering(t *testing.T) {
	log := &eventLog{}
	fa := newFakeAssistant(t, log)
	src := &fakeSource{log: log, blocks: make(chan []float32)}
	p := newTestPanel(t, fa, Options{Source: src, SpeechThreshold: 0.05})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.StartVoice(context.Background()))
	assert.Equal(t, model.VoiceOn, p.Snapshot().Voice)

	loud := make([]float32, 64)
	for i := range loud {
		loud[i] = 0.4
	}
	src.blocks <- loud
	require.Eventually(t, func() bool { return p.Snapshot().UserSpeaking }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, e := range log.list() {
			if e == "wire:audio" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.StopVoice(context.Background()))
	snap := p.Snapshot()
	assert.Equal(t, model.VoiceOff, snap.Voice)
	assert.False(t, snap.UserSpeaking)

	require.Eventually(t, func() bool {
		events := log.list()
		return len(events) > 0 && events[len(events)-1] == "wire:voice_mode_off"
	}, time.Second, 5*time.Millisecond)

	events := log.list()
	released := indexOf(events, "device:released")
	commit := indexOf(events, "wire:audio_commit")
	off := indexOf(events, "wire:voice_mode_off")
	require.True(t, released >= 0 && commit >= 0 && off >= 0, "events: %v", events)
	assert.Less(t, indexOf(events, "wire:voice_mode_on"), indexOf(events, "wire:audio"))
	assert.Less(t, released, commit)
	assert.Less(t, commit, off)
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func TestStartVoiceDeviceFailureKeepsTextMode(t *testing.T) {
	log := &eventLog{}
	fa := newFakeAssistant(t, log)
	src := &fakeSource{log: log, startErr: errors.New("permission denied")}
	p := newTestPanel(t, fa, Options{Source: src})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)

	err := p.StartVoice(context.Background())
	require.ErrorIs(t, err, audio.ErrDeviceUnavailable)

	snap := p.Snapshot()
	assert.Equal(t, model.VoiceOff, snap.Voice)
	last := snap.Transcript[len(snap.Transcript)-1]
	assert.True(t, last.Error)
	assert.Contains(t, last.Content, "Microphone unavailable")

	require.NoError(t, p.SendText(context.Background(), "show me belts"))
	require.Eventually(t, func() bool { return indexOf(log.list(), "wire:text") >= 0 }, time.Second, 5*time.Millisecond)
	assert.Less(t, indexOf(log.list(), "wire:voice_mode_off"), indexOf(log.list(), "wire:text"))
}

func TestMicrophoneLostMidSessionFallsBackToText(t *testing.T) {
	log := &eventLog{}
	fa := newFakeAssistant(t, log)
	src := &fakeSource{log: log, blocks: make(chan []float32)}
	p := newTestPanel(t, fa, Options{Source: src})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.StartVoice(context.Background()))
	require.Equal(t, model.VoiceOn, p.Snapshot().Voice)

	close(src.blocks)
	require.Eventually(t, func() bool { return p.Snapshot().Voice == model.VoiceOff }, time.Second, 5*time.Millisecond)

	snap := p.Snapshot()
	last := snap.Transcript[len(snap.Transcript)-1]
	assert.True(t, last.Error)
	assert.Contains(t, last.Content, "Microphone stopped")
	require.Eventually(t, func() bool { return indexOf(log.list(), "wire:voice_mode_off") >= 0 }, time.Second, 5*time.Millisecond)
	assert.Less(t, indexOf(log.list(), "device:released"), indexOf(log.list(), "wire:voice_mode_off"))

	// already torn down: stopping again sends nothing and releases nothing
	require.NoError(t, p.StopVoice(context.Background()))
	assert.NotContains(t, log.list(), "wire:audio_commit")

	require.NoError(t, p.SendText(context.Background(), "show me belts"))
	require.Eventually(t, func() bool { return indexOf(log.list(), "wire:text") >= 0 }, time.Second, 5*time.Millisecond)
}

func TestStartVoiceWithoutMicrophone(t *testing.T) {
	fa := newFakeAssistant(t, &eventLog{})
	p := newTestPanel(t, fa, Options{})
	require.NoError(t, p.Open(context.Background()))

	require.ErrorIs(t, p.StartVoice(context.Background()), ErrNoMicrophone)
	assert.Equal(t, model.VoiceOff, p.Snapshot().Voice)
}

func TestCloseReleasesEverything(t *testing.T) {
	log := &eventLog{}
	fa := newFakeAssistant(t, log)
	src := &fakeSource{log: log, blocks: make(chan []float32)}
	player := newGatedPlayer()
	p := newTestPanel(t, fa, Options{Source: src, Player: player})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.StartVoice(context.Background()))

	p.HandleEnvelope(pcmDelta(7))
	waitFor(t, player.started, sample(7))

	require.NoError(t, p.Close())
	waitFor(t, player.canceled, sample(7))

	snap := p.Snapshot()
	assert.Equal(t, model.ConnectionDisconnected, snap.Connection)
	assert.Equal(t, model.VoiceOff, snap.Voice)
	assert.False(t, snap.AssistantSpeaking)
	assert.Contains(t, log.list(), "device:released")

	assert.ErrorIs(t, p.SendText(context.Background(), "anyone?"), ErrNotOpen)
	assert.ErrorIs(t, p.StartVoice(context.Background()), ErrNotOpen)
	require.NoError(t, p.Close())
}

func TestReopenAfterDropCreatesFreshChannel(t *testing.T) {
	fa := newFakeAssistant(t, &eventLog{})
	p := newTestPanel(t, fa, Options{})

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)

	fa.mu.Lock()
	_ = fa.conns[0].Close()
	fa.mu.Unlock()
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionDisconnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return p.Snapshot().Connection == model.ConnectionConnected }, time.Second, 5*time.Millisecond)

	fa.mu.Lock()
	assert.Len(t, fa.paths, 2)
	assert.Equal(t, fa.paths[0], fa.paths[1])
	fa.mu.Unlock()
}

func TestHooks(t *testing.T) {
	fa := newFakeAssistant(t, &eventLog{})
	cart := &cartRecorder{}
	products := &productRecorder{}
	p := newTestPanel(t, fa, Options{Cart: cart, Products: products})

	require.NoError(t, p.Open(context.Background()))
	// the greeting must have arrived before the test writes on the same connection
	require.Eventually(t, func() bool { return len(p.Snapshot().Transcript) == 1 }, time.Second, 5*time.Millisecond)

	fa.push(t, map[string]any{
		"type":   "tool_result",
		"tool":   "search_products",
		"result": []map[string]any{{"id": "P1", "name": "Blue Watch", "price": 149}},
	})
	fa.push(t, map[string]any{"type": "assistant_message", "content": "How about this one?", "mode": "voice"})
	fa.push(t, map[string]any{
		"type": "cart_updated",
		"cart": []map[string]any{{"product": map[string]any{"id": "P1", "name": "Blue Watch", "price": 149}, "quantity": 1}},
	})

	require.Eventually(t, func() bool {
		cart.mu.Lock()
		defer cart.mu.Unlock()
		return len(cart.calls) == 1
	}, time.Second, 5*time.Millisecond)
	cart.mu.Lock()
	assert.Equal(t, envelope.KindCartUpdated, cart.calls[0])
	assert.Equal(t, p.SessionID(), cart.session)
	assert.Equal(t, 1, cart.items)
	cart.mu.Unlock()

	require.NoError(t, p.SelectProduct(context.Background(), "P1"))
	require.ErrorIs(t, p.SelectProduct(context.Background(), "P404"), ErrUnknownProduct)
	products.mu.Lock()
	assert.Equal(t, []string{"P1"}, products.opened)
	products.mu.Unlock()

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.CartVersion)
	var withProducts int
	for _, m := range snap.Transcript {
		if len(m.Products) > 0 {
			withProducts++
			assert.Equal(t, model.RoleAssistant, m.Role)
		}
	}
	assert.Equal(t, 1, withProducts)
}

func TestSubscribeDeliversLatest(t *testing.T) {
	p := newTestPanel(t, nil, Options{})
	updates, cancel := p.Subscribe()
	defer cancel()

	first := <-updates
	assert.Empty(t, first.Transcript)

	p.HandleEnvelope(envelope.Inbound{Type: envelope.KindSystem, Message: "one"})
	p.HandleEnvelope(envelope.Inbound{Type: envelope.KindSystem, Message: "two"})

	latest := <-updates
	require.Len(t, latest.Transcript, 2)
	assert.True(t, strings.HasPrefix(latest.Transcript[1].Content, "two"))

	cancel()
	cancel()
}

func TestClearSessionRotatesIdentifier(t *testing.T) {
	fa := newFakeAssistant(t, &eventLog{})
	p := newTestPanel(t, fa, Options{})

	require.NoError(t, p.Open(context.Background()))
	first := p.SessionID()
	require.NoError(t, p.ClearSession(context.Background()))
	assert.Empty(t, p.SessionID())

	require.NoError(t, p.Open(context.Background()))
	assert.NotEqual(t, first, p.SessionID())
}
