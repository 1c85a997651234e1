package buffer

import (
	"context"
	"errors"
	"fmt"

	"mp-relay/internal/domain"
)

// Verdict is the result of a staleness check.
type Verdict int

const (
	Pass Verdict = iota
	Abort
)

func (v Verdict) String() string {
	if v == Pass {
		return "pass"
	}
	return "abort"
}

// Guard compares a worker's receipt with the tail of the shared buffer.
// Only the worker whose envelope is still the tail may produce a reply.
type Guard struct {
	store Store
}

func NewGuard(store Store) (*Guard, error) {
	if store == nil {
		return nil, errors.New("buffer: store must not be nil")
	}
	return &Guard{store: store}, nil
}

// Check returns Pass when the buffer is empty (a finished run already
// cleared it) or when its tail was appended by the receipt's delivery.
func (g *Guard) Check(ctx context.Context, key domain.ConversationKey, r Receipt) (Verdict, error) {
	entries, err := g.store.ReadAll(ctx, key)
	if err != nil {
		return Abort, fmt.Errorf("buffer: Check: %w", err)
	}
	return Judge(entries, r), nil
}

// Judge applies the tail rule to an already-read snapshot.
func Judge(entries []Entry, r Receipt) Verdict {
	if len(entries) == 0 {
		return Pass
	}
	if r.Matches(entries[len(entries)-1]) {
		return Pass
	}
	return Abort
}
