package conversation

import "fmt"

// ConnectionState tracks the assistant channel lifecycle.
type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "idle"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// VoiceState tracks the microphone side of voice mode.
type VoiceState int

const (
	VoiceOff VoiceState = iota
	VoiceStarting
	VoiceOn
	VoiceStopping
)

func (s VoiceState) String() string {
	switch s {
	case VoiceOff:
		return "off"
	case VoiceStarting:
		return "starting"
	case VoiceOn:
		return "on"
	case VoiceStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s VoiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *VoiceState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "off", "":
		*s = VoiceOff
	case "starting":
		*s = VoiceStarting
	case "on":
		*s = VoiceOn
	case "stopping":
		*s = VoiceStopping
	default:
		return fmt.Errorf("unknown voice state %q", text)
	}
	return nil
}

// Active reports whether the microphone is (or is about to be) open.
func (s VoiceState) Active() bool {
	return s == VoiceStarting || s == VoiceOn
}

// Snapshot is a read-only copy of the conversation handed to presentation layers.
type Snapshot struct {
	SessionID         string          `json:"sessionId"`
	Connection        ConnectionState `json:"connection"`
	Voice             VoiceState      `json:"voice"`
	UserSpeaking      bool            `json:"userSpeaking"`
	AssistantSpeaking bool            `json:"assistantSpeaking"`
	ActiveTool        string          `json:"activeTool,omitempty"`
	CartVersion       int             `json:"cartVersion"`
	Transcript        []Message       `json:"transcript"`
	SearchResults     []Product       `json:"searchResults"`
}
