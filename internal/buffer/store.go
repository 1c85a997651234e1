// Package buffer holds the per-conversation message buffer shared by every
// webhook worker and the staleness guard that decides which worker may reply.
package buffer

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"mp-relay/internal/domain"
)

const defaultShards = 32

// Entry is one buffered envelope together with the token of the delivery
// that appended it.
type Entry struct {
	Envelope domain.Envelope `json:"envelope"`
	Token    string          `json:"token"`
}

// Receipt identifies the entry a worker appended.
type Receipt struct {
	EnvelopeID string
	Token      string
}

// Matches reports whether the entry was produced by the receipt's delivery.
// A receipt without a token only compares envelope ids.
func (r Receipt) Matches(e Entry) bool {
	if e.Envelope.ID != r.EnvelopeID {
		return false
	}
	return r.Token == "" || e.Token == r.Token
}

// Store is an ordered, append-only-until-cleared list of envelopes per key.
// Appends for one key are serialized; ReadAll returns a snapshot copy.
type Store interface {
	Append(ctx context.Context, key domain.ConversationKey, env domain.Envelope) (Receipt, error)
	ReadAll(ctx context.Context, key domain.ConversationKey) ([]Entry, error)
	Clear(ctx context.Context, key domain.ConversationKey) error
}

var newToken = func() string {
	return uuid.NewString()
}

// NewEntry wraps env with a fresh delivery token.
func NewEntry(env domain.Envelope) (Entry, Receipt) {
	token := newToken()
	return Entry{Envelope: env, Token: token}, Receipt{EnvelopeID: env.ID, Token: token}
}

type shard struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

// MemoryStore is an in-process Store partitioned into mutex-guarded shards.
// Safe for concurrent use.
type MemoryStore struct {
	shards []*shard
}

// NewMemoryStore creates a MemoryStore with n shards (a default when n <= 0).
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = defaultShards
	}
	s := &MemoryStore{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string][]Entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) Append(_ context.Context, key domain.ConversationKey, env domain.Envelope) (Receipt, error) {
	entry, receipt := NewEntry(env)
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.entries[k] = append(sh.entries[k], entry)
	sh.mu.Unlock()
	return receipt, nil
}

func (s *MemoryStore) ReadAll(_ context.Context, key domain.ConversationKey) ([]Entry, error) {
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]Entry, len(sh.entries[k]))
	copy(out, sh.entries[k])
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, key domain.ConversationKey) error {
	k := key.String()
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.entries, k)
	sh.mu.Unlock()
	return nil
}
