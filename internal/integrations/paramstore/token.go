package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for every secret.
type tokenPayload struct {
	Token string `json:"token"`
}

// DecodeToken extracts the token from a JSON {"token": "..."} value.
func DecodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}

// Secret lazily resolves one token parameter and caches it for the lifetime
// of the process. A failed fetch is not cached, so the next caller retries.
type Secret struct {
	getter Getter
	name   string

	mu     sync.RWMutex
	loaded bool
	value  string
}

// NewSecret builds a Secret for prefix + "/" + name.
func NewSecret(getter Getter, prefix, name string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return nil, errors.New("paramstore: parameter name must not be empty")
	}
	return &Secret{getter: getter, name: prefix + "/" + name}, nil
}

// Name returns the full parameter path.
func (s *Secret) Name() string {
	return s.name
}

func (s *Secret) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.loaded {
		v := s.value
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.value, nil
	}
	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch %s: %w", s.name, err)
	}
	v, err := DecodeToken(raw)
	if err != nil {
		return "", fmt.Errorf("paramstore: %s: %w", s.name, err)
	}
	s.value = v
	s.loaded = true
	return v, nil
}
