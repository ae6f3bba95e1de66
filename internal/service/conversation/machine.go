package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
)

// Effects are the side effects the caller must carry out, in field order,
// before the next envelope is applied.
type Effects struct {
	// Interrupt: flush playback now (barge-in).
	Interrupt bool
	// Audio: decoded samples to enqueue for playback.
	Audio []float32
	// CartChanged: the storefront cart changed on the server side.
	CartChanged bool
	CartReason  envelope.Kind
	Cart        []model.CartItem
}

// State is the single conversation state object. Every field is changed only
// through Machine methods.
type State struct {
	Connection        model.ConnectionState
	Voice             model.VoiceState
	UserSpeaking      bool
	AssistantSpeaking bool
	ActiveTool        string
	CartVersion       int
	Transcript        []model.Message
	SearchResults     []model.Product
}

// Machine applies inbound envelopes and local transitions to State atomically.
type Machine struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu    sync.Mutex
	state State
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for entries without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDs overrides message id generation.
func WithIDs(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// NewMachine starts idle with an empty transcript.
func NewMachine(logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		state:  State{Connection: model.ConnectionIdle, Voice: model.VoiceOff},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply consumes one inbound envelope.
func (m *Machine) Apply(in envelope.Inbound) Effects {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fx Effects
	now := m.now()

	switch in.Type {
	case envelope.KindSystem:
		m.appendLocked(model.Message{Role: model.RoleSystem, Content: in.Message, Timestamp: in.Time(now), Complete: true})

	case envelope.KindUserSpeaking:
		fx.Interrupt = true
		m.interruptLocked()
		if latestIncomplete(m.state.Transcript, model.RoleUser) < 0 {
			m.appendLocked(model.Message{Role: model.RoleUser, Mode: model.ModeVoice, Timestamp: in.Time(now)})
		}

	case envelope.KindUserMessage:
		fx.Interrupt = true
		m.interruptLocked()
		m.state.Transcript = dropIncomplete(m.state.Transcript)
		m.appendLocked(model.Message{
			Role:      model.RoleUser,
			Content:   in.Content,
			Mode:      in.MessageMode(),
			Timestamp: in.Time(now),
			Complete:  true,
		})
		// placeholder until the reply is finalized
		m.appendLocked(model.Message{Role: model.RoleAssistant, Mode: in.MessageMode(), Timestamp: now})

	case envelope.KindAssistantMessage:
		reply := model.Message{
			ID:        m.newID(),
			Content:   in.Content,
			Mode:      in.MessageMode(),
			Timestamp: in.Time(now),
		}
		m.state.Transcript = finalizeAssistant(m.state.Transcript, reply)
		m.state.ActiveTool = ""

	case envelope.KindAudioDelta:
		raw, err := in.AudioBytes()
		if err != nil {
			m.logger.Warn("skipping audio delta", zap.Error(err))
			break
		}
		samples, err := audio.DecodePCM16(raw)
		if err != nil {
			m.logger.Warn("skipping audio delta", zap.Int("bytes", len(raw)), zap.Error(err))
			break
		}
		fx.Audio = samples

	case envelope.KindToolCall:
		m.state.ActiveTool = in.Tool

	case envelope.KindToolResult:
		m.state.ActiveTool = ""
		switch {
		case envelope.IsProductSearch(in.Tool):
			products := envelope.ProductsFromResult(in.Result)
			m.state.SearchResults = products
			if len(products) == 0 {
				m.logger.Debug("product search returned no recognizable products", zap.String("tool", in.Tool))
				break
			}
			m.appendLocked(model.Message{
				Role:      model.RoleSystem,
				Timestamp: in.Time(now),
				Complete:  true,
				Products:  append([]model.Product(nil), products...),
			})
		case envelope.IsCartMutation(in.Tool):
			m.state.SearchResults = nil
		}

	case envelope.KindCartUpdated, envelope.KindCartCleared:
		fx.CartChanged = true
		fx.CartReason = in.Type
		m.state.CartVersion++
		if in.Type == envelope.KindCartCleared {
			m.state.SearchResults = nil
		}
		items, err := in.CartItems()
		if err != nil {
			m.logger.Warn("ignoring malformed cart payload", zap.Error(err))
		}
		fx.Cart = items

	case envelope.KindError:
		m.state.Transcript = dropIncomplete(m.state.Transcript)
		m.state.ActiveTool = ""
		m.appendLocked(model.Message{
			Role:      model.RoleSystem,
			Content:   in.Message,
			Timestamp: in.Time(now),
			Complete:  true,
			Error:     true,
		})

	default:
		m.logger.Debug("ignoring envelope", zap.String("type", string(in.Type)))
	}

	return fx
}

// Interrupt records a local barge-in (the user submitted text).
func (m *Machine) Interrupt() {
	m.mu.Lock()
	m.interruptLocked()
	m.mu.Unlock()
}

func (m *Machine) interruptLocked() {
	m.state.AssistantSpeaking = false
}

// SetConnection records a transport lifecycle change. Dropping the channel
// also clears in-flight entries, which can no longer be finalized.
func (m *Machine) SetConnection(state model.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Connection = state
	if state == model.ConnectionDisconnected {
		m.state.Transcript = dropIncomplete(m.state.Transcript)
		m.state.ActiveTool = ""
	}
}

func (m *Machine) SetVoice(state model.VoiceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Voice = state
	if !state.Active() {
		m.state.UserSpeaking = false
	}
}

func (m *Machine) SetUserSpeaking(speaking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UserSpeaking = speaking
}

func (m *Machine) SetAssistantSpeaking(speaking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AssistantSpeaking = speaking
}

// AppendNotice adds a client-side system entry, e.g. a microphone failure.
func (m *Machine) AppendNotice(content string, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(model.Message{
		Role:      model.RoleSystem,
		Content:   content,
		Timestamp: m.now(),
		Complete:  true,
		Error:     isError,
	})
}

// Reset clears the conversation for a freshly opened panel.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		Connection:  model.ConnectionIdle,
		Voice:       model.VoiceOff,
		CartVersion: m.state.CartVersion,
	}
}

// Voice returns the current voice state.
func (m *Machine) Voice() model.VoiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Voice
}

// Connection returns the current connection state.
func (m *Machine) Connection() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connection
}

// Snapshot returns a deep copy for presentation.
func (m *Machine) Snapshot(sessionID string) model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]model.Product, len(m.state.SearchResults))
	copy(results, m.state.SearchResults)

	return model.Snapshot{
		SessionID:         sessionID,
		Connection:        m.state.Connection,
		Voice:             m.state.Voice,
		UserSpeaking:      m.state.UserSpeaking,
		AssistantSpeaking: m.state.AssistantSpeaking,
		ActiveTool:        m.state.ActiveTool,
		CartVersion:       m.state.CartVersion,
		Transcript:        cloneTranscript(m.state.Transcript),
		SearchResults:     results,
	}
}

func (m *Machine) appendLocked(msg model.Message) {
	if msg.ID == "" {
		msg.ID = m.newID()
	}
	m.state.Transcript = append(m.state.Transcript, msg)
}
