package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/analysis/activity"
	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
	"github.com/zhouzirui/voice-storefront/client/internal/service/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
)

var (
	ErrNotOpen        = errors.New("assistant panel is not open")
	ErrEmptyMessage   = errors.New("message content is required")
	ErrUnknownProduct = errors.New("product is not shown in the conversation")
	ErrNoMicrophone   = errors.New("no microphone configured")
)

// SessionSource hands out the persisted client session identifier.
type SessionSource interface {
	SessionID(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// CartRefresher is told when the server changed the cart.
type CartRefresher interface {
	RefreshCart(ctx context.Context, sessionID string, reason envelope.Kind, items []model.CartItem) error
}

// ProductOpener shows a product the user picked from the conversation.
type ProductOpener interface {
	OpenProduct(ctx context.Context, productID string) error
}

// Options wires a Panel. Source and Player may be nil for text-only use.
type Options struct {
	Sessions  SessionSource
	Transport transport.Config

	Source          audio.Source
	Player          audio.Player
	Format          audio.Format
	SpeechThreshold float64
	SpeechHangover  int

	Cart     CartRefresher
	Products ProductOpener

	Logger *zap.Logger
}

// Panel is one assistant conversation as seen by a UI: it owns the channel,
// microphone and speaker for as long as it is open.
type Panel struct {
	opts    Options
	logger  *zap.Logger
	machine *conversation.Machine
	queue   *audio.Queue

	sessionID atomic.Value

	mu          sync.Mutex
	open        bool
	channel     *transport.Session
	capture     *audio.Capture
	hooksCancel context.CancelFunc
	hooks       sync.WaitGroup

	hooksMu  sync.Mutex
	hooksCtx context.Context

	subsMu  sync.Mutex
	subs    map[int]chan model.Snapshot
	nextSub int
}

// New builds a closed panel.
func New(opts Options) *Panel {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.DefaultFormat()
	}

	p := &Panel{
		opts:    opts,
		logger:  logger,
		machine: conversation.NewMachine(logger.Named("conversation")),
		subs:    make(map[int]chan model.Snapshot),
	}
	p.sessionID.Store("")

	player := opts.Player
	if player == nil {
		player = discardPlayer{}
	}
	p.queue = audio.NewQueue(player, logger.Named("playback"))
	p.queue.OnSpeaking(func(speaking bool) {
		p.machine.SetAssistantSpeaking(speaking)
		p.broadcast()
	})
	return p
}

// Open resolves the session identifier and connects. A connection failure is
// not returned; it shows up as a disconnected state.
func (p *Panel) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		switch p.channel.State() {
		case model.ConnectionConnecting, model.ConnectionConnected:
			return nil
		}
		p.closeLocked()
	}

	if p.opts.Sessions == nil {
		return errors.New("session source is required")
	}
	sessionID, err := p.opts.Sessions.SessionID(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	p.sessionID.Store(sessionID)

	p.machine.Reset()
	cfg := p.opts.Transport
	cfg.SessionID = sessionID
	p.channel = transport.New(cfg, p, p.logger.Named("transport"))
	hooksCtx, hooksCancel := context.WithCancel(context.Background())
	p.hooksMu.Lock()
	p.hooksCtx = hooksCtx
	p.hooksMu.Unlock()
	p.hooksCancel = hooksCancel
	p.open = true
	p.broadcast()

	if err := p.channel.Connect(ctx); err != nil {
		p.logger.Warn("assistant unavailable", zap.String("sessionID", sessionID), zap.Error(err))
	}
	return nil
}

// Close stops the microphone, drops pending playback and closes the channel.
// It returns after all three are released. Safe to call repeatedly.
func (p *Panel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

// Shutdown closes the panel and stops the playback worker. The panel cannot
// be reopened afterwards.
func (p *Panel) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.queue.Close()
}

func (p *Panel) closeLocked() {
	if !p.open {
		p.queue.Flush()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := p.stopVoiceLocked(ctx); err != nil {
		p.logger.Warn("stop voice on close", zap.Error(err))
	}
	cancel()

	p.queue.Flush()
	_ = p.channel.Close()

	p.hooksCancel()
	p.hooks.Wait()

	p.open = false
	p.machine.SetConnection(model.ConnectionDisconnected)
	p.broadcast()
	p.logger.Info("assistant panel closed", zap.String("sessionID", p.SessionID()))
}

// SendText submits a typed message. Pending assistant audio is cut off first.
func (p *Panel) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotOpen
	}

	p.queue.Flush()
	p.machine.Interrupt()
	p.broadcast()
	return p.channel.Send(ctx, envelope.Text(text))
}

// StartVoice opens the microphone and starts streaming frames.
// A device failure leaves text mode usable and adds a notice to the transcript.
func (p *Panel) StartVoice(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return ErrNotOpen
	}
	if p.capture != nil {
		return nil
	}
	if p.opts.Source == nil {
		p.machine.AppendNotice("Voice input is not available on this device.", true)
		p.broadcast()
		return ErrNoMicrophone
	}
	if err := p.channel.Send(ctx, envelope.VoiceModeOn()); err != nil {
		return err
	}

	p.machine.SetVoice(model.VoiceStarting)
	p.broadcast()

	detector := activity.NewDetector(p.opts.SpeechThreshold, p.opts.SpeechHangover)
	sink := &captureSink{panel: p, channel: p.channel}
	capture := audio.NewCapture(p.opts.Source, sink, p.opts.Format, detector, p.logger.Named("capture"))
	sink.capture = capture
	if err := capture.Start(ctx); err != nil {
		p.logger.Warn("microphone unavailable", zap.Error(err))
		if sendErr := p.channel.Send(ctx, envelope.VoiceModeOff()); sendErr != nil {
			p.logger.Debug("voice_mode_off after device failure", zap.Error(sendErr))
		}
		p.machine.SetVoice(model.VoiceOff)
		p.machine.AppendNotice("Microphone unavailable. You can keep typing.", true)
		p.broadcast()
		return err
	}

	p.capture = capture
	p.machine.SetVoice(model.VoiceOn)
	p.broadcast()
	p.logger.Info("voice mode on", zap.String("sessionID", p.SessionID()))
	return nil
}

// StopVoice releases the microphone, then commits the utterance and leaves voice mode.
func (p *Panel) StopVoice(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopVoiceLocked(ctx)
}

func (p *Panel) stopVoiceLocked(ctx context.Context) error {
	if p.capture == nil {
		return nil
	}

	p.machine.SetVoice(model.VoiceStopping)
	p.broadcast()

	stopErr := p.capture.Stop()
	p.capture = nil

	var sendErr error
	for _, out := range []envelope.Outbound{envelope.AudioCommit(), envelope.VoiceModeOff()} {
		if err := p.channel.Send(ctx, out); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			sendErr = err
			break
		}
	}

	p.machine.SetVoice(model.VoiceOff)
	p.broadcast()
	p.logger.Info("voice mode off", zap.String("sessionID", p.SessionID()))
	return errors.Join(stopErr, sendErr)
}

// SelectProduct forwards a product picked from the transcript or the live
// results to the ProductOpener.
func (p *Panel) SelectProduct(ctx context.Context, productID string) error {
	if !p.surfaced(productID) {
		return ErrUnknownProduct
	}
	if p.opts.Products == nil {
		return nil
	}
	return p.opts.Products.OpenProduct(ctx, productID)
}

func (p *Panel) surfaced(productID string) bool {
	if productID == "" {
		return false
	}
	snap := p.machine.Snapshot("")
	for _, product := range snap.SearchResults {
		if product.ID == productID {
			return true
		}
	}
	for _, msg := range snap.Transcript {
		for _, product := range msg.Products {
			if product.ID == productID {
				return true
			}
		}
	}
	return false
}

// ClearSession closes the panel and forgets the session identifier.
func (p *Panel) ClearSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()
	if p.opts.Sessions == nil {
		return nil
	}
	if err := p.opts.Sessions.Clear(ctx); err != nil {
		return err
	}
	p.sessionID.Store("")
	p.broadcast()
	return nil
}

// SessionID returns the identifier of the current (or last) conversation.
func (p *Panel) SessionID() string {
	return p.sessionID.Load().(string)
}

// Snapshot returns the current observable state.
func (p *Panel) Snapshot() model.Snapshot {
	return p.machine.Snapshot(p.SessionID())
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers skip intermediate states.
func (p *Panel) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, 1)
	ch <- p.Snapshot()

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, id)
			p.subsMu.Unlock()
		})
	}
}

func (p *Panel) broadcast() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if len(p.subs) == 0 {
		return
	}

	snap := p.Snapshot()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// HandleEnvelope applies one inbound envelope and carries out its effects
// before returning, so a barge-in flush always precedes later audio.
func (p *Panel) HandleEnvelope(in envelope.Inbound) {
	// 先停播放再改状态，否则播放完成回调可能在两者之间启动下一段音频
	if in.Type.Interrupts() {
		p.queue.Flush()
	}
	fx := p.machine.Apply(in)

	if fx.Interrupt {
		p.queue.Flush()
	}
	if fx.Audio != nil {
		p.queue.Enqueue(fx.Audio)
	}
	if fx.CartChanged {
		p.refreshCart(fx)
	}
	p.broadcast()
}

// HandleState mirrors the channel lifecycle into the conversation.
func (p *Panel) HandleState(state model.ConnectionState) {
	p.machine.SetConnection(state)
	p.broadcast()
}

func (p *Panel) refreshCart(fx conversation.Effects) {
	if p.opts.Cart == nil {
		return
	}

	// 在读循环中调用，不能持有 p.mu
	p.hooksMu.Lock()
	ctx := p.hooksCtx
	p.hooksMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := p.SessionID()

	p.hooks.Add(1)
	go func() {
		defer p.hooks.Done()
		if err := p.opts.Cart.RefreshCart(ctx, sessionID, fx.CartReason, fx.Cart); err != nil {
			p.logger.Warn("cart refresh failed", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}()
}

type captureSink struct {
	panel   *Panel
	channel *transport.Session
	capture *audio.Capture
}

func (s *captureSink) Frame(pcm []byte) error {
	return s.channel.TrySend(envelope.Audio(pcm))
}

func (s *captureSink) Activity(speaking bool) {
	s.panel.machine.SetUserSpeaking(speaking)
	s.panel.broadcast()
}

func (s *captureSink) Ended(err error) {
	s.panel.captureEnded(s.capture, err)
}

// captureEnded 麦克风中途失效时走与启动失败相同的降级路径：退出语音模式，保留文字输入
func (p *Panel) captureEnded(capture *audio.Capture, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capture != capture {
		return
	}
	p.capture = nil
	p.logger.Warn("microphone lost", zap.String("sessionID", p.SessionID()), zap.Error(err))

	if sendErr := p.channel.Send(context.Background(), envelope.VoiceModeOff()); sendErr != nil {
		p.logger.Debug("voice_mode_off after device loss", zap.Error(sendErr))
	}
	p.machine.SetVoice(model.VoiceOff)
	p.machine.AppendNotice("Microphone stopped unexpectedly. You can keep typing.", true)
	p.broadcast()
}

type discardPlayer struct{}

func (discardPlayer) Play(context.Context, []float32) error { return nil }
