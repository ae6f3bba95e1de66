package storefront

import (
	"context"
	"sync"

	"go.uber.org/zap"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
)

// Hooks keeps the shell's view of the cart and the selected product in step
// with the conversation. It satisfies the panel's cart and product hooks.
type Hooks struct {
	client *Client
	logger *zap.Logger

	mu       sync.RWMutex
	cart     Cart
	selected *model.Product
}

// NewHooks wraps a storefront client.
func NewHooks(client *Client, logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{client: client, logger: logger}
}

// RefreshCart reloads the cart after a server-side change. When the storefront
// cannot be reached the payload carried by the envelope is used instead.
func (h *Hooks) RefreshCart(ctx context.Context, sessionID string, reason envelope.Kind, items []model.CartItem) error {
	cart, err := h.client.Cart(ctx, sessionID)
	if err != nil {
		h.logger.Warn("cart refresh failed, using envelope payload",
			zap.String("sessionID", sessionID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		cart = cartFromItems(reason, items)
	}

	h.mu.Lock()
	h.cart = cart
	h.mu.Unlock()

	h.logger.Debug("cart refreshed",
		zap.String("reason", string(reason)),
		zap.Int("lines", len(cart.Items)),
		zap.Float64("total", cart.Total),
	)
	return err
}

// OpenProduct loads the product detail for display.
func (h *Hooks) OpenProduct(ctx context.Context, productID string) error {
	product, err := h.client.Product(ctx, productID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.selected = &product
	h.mu.Unlock()
	return nil
}

// Cart returns the last known cart.
func (h *Hooks) Cart() Cart {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Cart{Items: append([]model.CartItem(nil), h.cart.Items...), Total: h.cart.Total}
}

// Selected returns the product the user last opened, if any.
func (h *Hooks) Selected() (model.Product, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.selected == nil {
		return model.Product{}, false
	}
	return *h.selected, true
}

func cartFromItems(reason envelope.Kind, items []model.CartItem) Cart {
	if reason == envelope.KindCartCleared {
		return Cart{}
	}
	cart := Cart{Items: append([]model.CartItem(nil), items...)}
	for _, item := range items {
		cart.Total += item.Product.Price * float64(item.Quantity)
	}
	return cart
}
