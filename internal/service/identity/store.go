package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	zkr "github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by a Store that holds no identifier yet.
var ErrNotFound = errors.New("session id not found")

// Store persists the client session identifier.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	Delete(ctx context.Context) error
}

// MemoryStore keeps the identifier for the lifetime of the process.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return "", ErrNotFound
	}
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, id string) error {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(context.Context) error {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
	return nil
}

type fileDocument struct {
	SessionID string    `yaml:"session_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// FileStore 以 YAML 文件保存会话标识。
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore uses path, or <user config dir>/voice-storefront/session.yaml when empty.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(dir, "voice-storefront", "session.yaml")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse session file: %w", err)
	}
	if doc.SessionID == "" {
		return "", ErrNotFound
	}
	return doc.SessionID, nil
}

func (s *FileStore) Save(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(fileDocument{SessionID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

const keyringAccount = "session-id"

// KeyringStore keeps the identifier in the OS keychain.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = "voice-storefront"
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Load(context.Context) (string, error) {
	id, err := zkr.Get(s.service, keyringAccount)
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return id, nil
}

func (s *KeyringStore) Save(_ context.Context, id string) error {
	if err := zkr.Set(s.service, keyringAccount, id); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func (s *KeyringStore) Delete(context.Context) error {
	if err := zkr.Delete(s.service, keyringAccount); err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}
