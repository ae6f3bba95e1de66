package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
)

var (
	ErrNotConnected   = errors.New("assistant channel is not connected")
	ErrClosed         = errors.New("assistant channel is closed")
	ErrAlreadyStarted = errors.New("assistant channel already started")
	ErrQueueFull      = errors.New("assistant send queue is full")
)

// Handler receives everything the session observes. Calls for one session are
// never concurrent. Handlers must not call Close.
type Handler interface {
	HandleEnvelope(in envelope.Inbound)
	HandleState(state conversation.ConnectionState)
}

// Config 描述单个会话通道。SessionID 在构造时确定，不从全局读取。
type Config struct {
	BaseURL           string
	SessionID         string
	Header            http.Header
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	SendQueue         int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 8
	}
	return c
}

// Endpoint builds the websocket URL for a session: {base}/ws/chat/{sessionID}.
func Endpoint(base, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse assistant url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported assistant url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Session owns one duplex channel to the assistant service. It never reconnects
// on its own; after a drop a new Session must be created.
type Session struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu       sync.Mutex
	state    conversation.ConnectionState
	closed   bool
	conn     *websocket.Conn
	outbound chan []byte
	stop     chan struct{}
	stopped  bool
	wg       sync.WaitGroup

	notifyMu  sync.Mutex
	delivered conversation.ConnectionState
}

// New prepares a session; nothing is dialed until Connect.
func New(cfg Config, handler Handler, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("sessionID", cfg.SessionID)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:     conversation.ConnectionIdle,
		delivered: conversation.ConnectionIdle,
	}
}

// SessionID returns the identifier this channel is scoped to.
func (s *Session) SessionID() string { return s.cfg.SessionID }

// State returns the current lifecycle state.
func (s *Session) State() conversation.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the service. On failure the session ends up disconnected and
// the error is returned for logging; there is no retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != conversation.ConnectionIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = conversation.ConnectionConnecting
	s.mu.Unlock()
	s.notify()

	endpoint, err := Endpoint(s.cfg.BaseURL, s.cfg.SessionID)
	if err != nil {
		s.markDisconnected()
		return err
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.logger.Warn("assistant dial failed", zap.String("url", endpoint), zap.Error(err))
		s.markDisconnected()
		return fmt.Errorf("dial assistant: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.outbound = make(chan []byte, s.cfg.SendQueue)
	s.stop = make(chan struct{})
	s.state = conversation.ConnectionConnected
	s.wg.Add(2)
	go s.readLoop(conn)
	go s.writePump(conn, s.outbound, s.stop)
	s.mu.Unlock()

	s.logger.Info("assistant channel connected", zap.String("url", endpoint))
	s.notify()
	return nil
}

// Send queues an envelope, waiting for room in the send queue.
func (s *Session) Send(ctx context.Context, out envelope.Outbound) error {
	data, err := envelope.Encode(out)
	if err != nil {
		return err
	}
	queue, stop, err := s.sendPath()
	if err != nil {
		return err
	}
	select {
	case queue <- data:
		return nil
	case <-stop:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues an envelope only if that does not block. Used for audio frames,
// which are dropped rather than buffered.
func (s *Session) TrySend(out envelope.Outbound) error {
	data, err := envelope.Encode(out)
	if err != nil {
		return err
	}
	queue, stop, err := s.sendPath()
	if err != nil {
		return err
	}
	select {
	case <-stop:
		return ErrNotConnected
	default:
	}
	select {
	case queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) sendPath() (chan []byte, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != conversation.ConnectionConnected {
		return nil, nil, ErrNotConnected
	}
	return s.outbound, s.stop, nil
}

// Close releases the channel. Safe to call more than once and from any state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	changed := s.state != conversation.ConnectionDisconnected
	s.state = conversation.ConnectionDisconnected
	s.stopLocked()
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	s.wg.Wait()

	if changed {
		s.logger.Info("assistant channel closed")
		s.notify()
	}
	return nil
}

func (s *Session) stopLocked() {
	if s.stop != nil && !s.stopped {
		close(s.stop)
		s.stopped = true
	}
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.state = conversation.ConnectionDisconnected
	s.mu.Unlock()
	s.notify()
}

// fail tears the connection down after an I/O error on either pump.
func (s *Session) fail(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.state != conversation.ConnectionConnected {
		s.mu.Unlock()
		return
	}
	s.state = conversation.ConnectionDisconnected
	s.stopLocked()
	s.mu.Unlock()

	_ = conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("assistant channel closed by remote")
	} else {
		s.logger.Warn("assistant channel dropped", zap.Error(err))
	}
	s.notify()
}

// notify delivers the latest state, skipping repeats, so observers never see a stale value last.
func (s *Session) notify() {
	if s.handler == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	state := s.State()
	if state == s.delivered {
		return
	}
	s.delivered = state
	s.handler.HandleState(state)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			s.logger.Debug("ignoring non-text frame", zap.Int("type", msgType))
			continue
		}

		in, err := envelope.Decode(data)
		if err != nil {
			s.logger.Warn("skipping malformed envelope", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		if s.handler != nil {
			s.handler.HandleEnvelope(in)
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn, queue <-chan []byte, stop <-chan struct{}) {
	defer s.wg.Done()

	var keepalive <-chan time.Time
	if s.cfg.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.cfg.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case data := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.fail(conn, err)
				return
			}
		case <-keepalive:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.fail(conn, err)
				return
			}
		}
	}
}
