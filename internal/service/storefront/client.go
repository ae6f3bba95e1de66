// Package storefront is a small REST client for the shop endpoints the
// assistant panel needs after a server-side cart change or a product pick.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

// ErrNotFound is returned for a 404 from the storefront.
var ErrNotFound = errors.New("storefront: not found")

// Cart is the storefront view of a session's cart.
type Cart struct {
	Items []model.CartItem `json:"items"`
	Total float64          `json:"total"`
}

// Count returns the total quantity across all lines.
func (c Cart) Count() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

// WithTimeout sets a per-request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http = &http.Client{Timeout: timeout}
		}
	}
}

// Client talks to the storefront REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cart fetches GET /api/cart/{sessionID}.
func (c *Client) Cart(ctx context.Context, sessionID string) (Cart, error) {
	var cart Cart
	if err := c.get(ctx, "/api/cart/"+url.PathEscape(sessionID), &cart); err != nil {
		return Cart{}, err
	}
	return cart, nil
}

// Product fetches GET /api/products/{productID}.
func (c *Client) Product(ctx context.Context, productID string) (model.Product, error) {
	var product model.Product
	if err := c.get(ctx, "/api/products/"+url.PathEscape(productID), &product); err != nil {
		return model.Product{}, err
	}
	return product, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("storefront: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storefront: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("storefront: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("storefront: decode %s: %w", path, err)
	}
	return nil
}
