package conversation

import "time"

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Mode 输入方式，服务端可能不携带
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode,omitempty"`
	Complete  bool      `json:"complete"`
	Error     bool      `json:"error,omitempty"`
	Products  []Product `json:"products,omitempty"`
}

// HasProducts reports whether the entry carries product cards.
func (m Message) HasProducts() bool {
	return len(m.Products) > 0
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Products != nil {
		m.Products = append([]Product(nil), m.Products...)
	}
	return m
}

// Product mirrors the storefront catalog record. Field names follow the storefront JSON.
type Product struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Price            float64 `json:"price"`
	Description      string  `json:"description,omitempty"`
	Color            string  `json:"color,omitempty"`
	Size             string  `json:"size,omitempty"`
	ProductCode      string  `json:"product_code,omitempty"`
	Category         string  `json:"category,omitempty"`
	ImageURL         string  `json:"image_url,omitempty"`
	PricebookEntryID string  `json:"pricebook_entry_id,omitempty"`
}

// CartItem 购物车条目，cart_updated 推送时携带
type CartItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}
