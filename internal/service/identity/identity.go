package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider hands out the one active session identifier for this installation.
type Provider struct {
	store  Store
	logger *zap.Logger

	mu sync.Mutex
	id string
}

// NewProvider wraps store.
func NewProvider(store Store, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{store: store, logger: logger}
}

// SessionID returns the persisted identifier, creating and saving one on first use.
func (p *Provider) SessionID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	id, err := p.store.Load(ctx)
	switch {
	case err == nil && Valid(id):
		p.id = id
		return id, nil
	case err == nil:
		p.logger.Warn("stored session id is malformed, regenerating", zap.String("stored", id))
	case errors.Is(err, ErrNotFound):
	default:
		return "", fmt.Errorf("load session id: %w", err)
	}

	id = uuid.NewString()
	if err := p.store.Save(ctx, id); err != nil {
		return "", fmt.Errorf("save session id: %w", err)
	}
	p.logger.Info("created session id", zap.String("sessionID", id))
	p.id = id
	return id, nil
}

// Clear forgets the identifier; the next SessionID call creates a new one.
func (p *Provider) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Delete(ctx); err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	p.logger.Info("session id cleared", zap.String("previous", p.id))
	p.id = ""
	return nil
}

// Valid reports whether id is a canonical UUID string.
func Valid(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
