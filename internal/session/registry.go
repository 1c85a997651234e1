// Package session maps conversations to conversational backend sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"mp-relay/internal/domain"
)

const (
	defaultCacheSize = 4096
	titlePrefix      = "MP user "
	titleIDChars     = 8
)

// Store persists the mapping. PutIfAbsent is write-once and returns the id
// that ends up stored.
type Store interface {
	Load(ctx context.Context, key domain.ConversationKey) (string, error)
	PutIfAbsent(ctx context.Context, key domain.ConversationKey, sessionID string) (string, error)
}

// Renamer labels a freshly created backend session.
type Renamer interface {
	RenameSession(ctx context.Context, sessionID, userID, title, topic string) error
}

// Registry fronts the Store with an LRU cache so the per-turn lookup never
// leaves the process once a session is known.
type Registry struct {
	store   Store
	renamer Renamer
	logger  *slog.Logger
	cache   *lru.Cache[string, string]
	loads   singleflight.Group
}

func NewRegistry(store Store, renamer Renamer, cacheSize int, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if renamer == nil {
		return nil, errors.New("session: renamer must not be nil")
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("session: cache init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, renamer: renamer, logger: logger, cache: cache}, nil
}

// GetOrEmpty returns the session id for key, or "" before the first turn.
func (r *Registry) GetOrEmpty(ctx context.Context, key domain.ConversationKey) (string, error) {
	k := key.String()
	if id, ok := r.cache.Get(k); ok {
		return id, nil
	}
	v, err, _ := r.loads.Do(k, func() (any, error) {
		id, err := r.store.Load(ctx, key)
		if err != nil {
			return "", err
		}
		if id != "" {
			r.cache.Add(k, id)
		}
		return id, nil
	})
	if err != nil {
		return "", fmt.Errorf("session: GetOrEmpty: %w", err)
	}
	return v.(string), nil
}

// Ensure records sessionID for key unless another worker already did, and
// returns the id now in effect. Only the worker whose id was stored labels
// the backend session; a failed rename is logged and ignored.
func (r *Registry) Ensure(ctx context.Context, key domain.ConversationKey, sessionID, topic string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("session: Ensure: backend returned no session id")
	}
	stored, err := r.store.PutIfAbsent(ctx, key, sessionID)
	if err != nil {
		return "", fmt.Errorf("session: Ensure: %w", err)
	}
	r.cache.Add(key.String(), stored)
	if stored != sessionID {
		r.logger.Warn("session already assigned by another worker",
			"key", key.String(), "kept", stored, "discarded", sessionID)
		return stored, nil
	}

	if err := r.renamer.RenameSession(ctx, sessionID, key.FromUser, Title(key.FromUser), topic); err != nil {
		r.logger.Warn("session rename failed", "key", key.String(), "session", sessionID, "err", err)
	}
	return stored, nil
}

// Title is the label given to a new backend session.
func Title(userID string) string {
	runes := []rune(userID)
	if len(runes) > titleIDChars {
		runes = runes[:titleIDChars]
	}
	return titlePrefix + string(runes)
}

// MemoryStore is a process-local Store for single-instance deployments.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context, key domain.ConversationKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[key.String()], nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key domain.ConversationKey, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.ids[key.String()]; ok {
		return existing, nil
	}
	m.ids[key.String()] = sessionID
	return sessionID, nil
}
