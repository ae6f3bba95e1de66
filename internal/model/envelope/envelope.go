package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

// Kind is the "type" discriminator carried by every envelope.
type Kind string

// Outbound kinds.
const (
	KindText         Kind = "text"
	KindAudio        Kind = "audio"
	KindAudioCommit  Kind = "audio_commit"
	KindVoiceModeOn  Kind = "voice_mode_on"
	KindVoiceModeOff Kind = "voice_mode_off"
	KindPing         Kind = "ping"
)

// Inbound kinds.
const (
	KindSystem           Kind = "system"
	KindUserSpeaking     Kind = "user_speaking"
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindAudioDelta       Kind = "audio_delta"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindCartUpdated      Kind = "cart_updated"
	KindCartCleared      Kind = "cart_cleared"
	KindError            Kind = "error"
	KindPong             Kind = "pong"
)

// 工具名称
const (
	ToolSearchProducts = "search_products"
	ToolAddToCart      = "add_to_cart"
	ToolRemoveFromCart = "remove_from_cart"
	ToolUpdateCartItem = "update_cart_item"
	ToolClearCart      = "clear_cart"
	ToolPlaceOrder     = "place_salesforce_order"
)

var (
	ErrMissingType = errors.New("envelope type is required")
	ErrEmptyAudio  = errors.New("audio payload is empty")
)

// Interrupts reports whether the envelope means the user has taken the turn,
// so any assistant audio still queued must stop.
func (k Kind) Interrupts() bool {
	return k == KindUserSpeaking || k == KindUserMessage
}

// IsProductSearch reports whether a tool result carries catalog products.
func IsProductSearch(tool string) bool {
	return tool == ToolSearchProducts
}

// IsCartMutation reports whether a tool result changed the cart.
func IsCartMutation(tool string) bool {
	switch tool {
	case ToolAddToCart, ToolRemoveFromCart, ToolUpdateCartItem, ToolClearCart, ToolPlaceOrder:
		return true
	default:
		return false
	}
}

// Outbound is a client → service envelope.
type Outbound struct {
	Type    Kind   `json:"type"`
	Content string `json:"content,omitempty"`
	Audio   string `json:"audio,omitempty"`
}

func Text(content string) Outbound { return Outbound{Type: KindText, Content: content} }

// Audio wraps one PCM16 frame.
func Audio(pcm []byte) Outbound {
	return Outbound{Type: KindAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func AudioCommit() Outbound  { return Outbound{Type: KindAudioCommit} }
func VoiceModeOn() Outbound  { return Outbound{Type: KindVoiceModeOn} }
func VoiceModeOff() Outbound { return Outbound{Type: KindVoiceModeOff} }
func Ping() Outbound         { return Outbound{Type: KindPing} }

// Encode serializes an outbound envelope.
func Encode(out Outbound) ([]byte, error) {
	if out.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(out)
}

// Inbound is a service → client envelope. Only the fields relevant to Type are populated.
type Inbound struct {
	Type      Kind            `json:"type"`
	Message   string          `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Audio     string          `json:"audio,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Cart      json.RawMessage `json:"cart,omitempty"`
}

// Decode parses one inbound frame. Unknown kinds decode fine; callers ignore them.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, ErrMissingType
	}
	return in, nil
}

// ProductsFromResult accepts either a bare product array or {"products": [...]}.
// Anything else yields an empty list.
func ProductsFromResult(raw json.RawMessage) []conversation.Product {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var products []conversation.Product
		if err := json.Unmarshal(trimmed, &products); err != nil {
			return nil
		}
		return products
	case '{':
		var wrapped struct {
			Products []conversation.Product `json:"products"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil
		}
		return wrapped.Products
	default:
		return nil
	}
}

// CartItems decodes the optional cart snapshot on cart_updated.
func (in Inbound) CartItems() ([]conversation.CartItem, error) {
	if len(bytes.TrimSpace(in.Cart)) == 0 {
		return nil, nil
	}
	var items []conversation.CartItem
	if err := json.Unmarshal(in.Cart, &items); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return items, nil
}

// AudioBytes returns the decoded PCM16 payload of an audio_delta.
func (in Inbound) AudioBytes() ([]byte, error) {
	if in.Audio == "" {
		return nil, ErrEmptyAudio
	}
	data, err := base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return data, nil
}

// MessageMode maps the wire mode onto the transcript mode.
func (in Inbound) MessageMode() conversation.Mode {
	switch strings.ToLower(in.Mode) {
	case string(conversation.ModeText):
		return conversation.ModeText
	case string(conversation.ModeVoice):
		return conversation.ModeVoice
	default:
		return ""
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Time parses the envelope timestamp, falling back to fallback when absent or malformed.
// The service emits naive ISO timestamps; those are read as local time.
func (in Inbound) Time(fallback time.Time) time.Time {
	if in.Timestamp == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, in.Timestamp, time.Local); err == nil {
			return ts
		}
	}
	return fallback
}
