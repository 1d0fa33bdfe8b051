package cache

import (
	"context"
	"sync"
	"time"

	"github.com/k-hirata/manabu/pkg/model"
)

// TurnBuffer is the hot-cache collaborator: a bounded, time-expiring list of
// recent turns per session. The synchronous write to this buffer is what
// guarantees the next request in a session observes the current turn.
type TurnBuffer interface {
	// Push appends turns, trims to the configured bound and refreshes the TTL
	Push(ctx context.Context, id model.SessionID, turns ...model.Turn) error

	// Recent returns the buffered turns in order, or nil on miss/expiry
	Recent(ctx context.Context, id model.SessionID) ([]model.Turn, error)

	// Seed replaces the buffer contents, used when rebuilding from the
	// durable store
	Seed(ctx context.Context, id model.SessionID, turns []model.Turn) error
}

type bufferEntry struct {
	turns     []model.Turn
	expiresAt time.Time
}

// MemoryBuffer is the in-process TurnBuffer implementation.
type MemoryBuffer struct {
	mu       sync.Mutex
	maxTurns int
	ttl      time.Duration
	sessions map[model.SessionID]*bufferEntry
}

func NewMemoryBuffer(maxTurns int, ttl time.Duration) *MemoryBuffer {
	return &MemoryBuffer{
		maxTurns: maxTurns,
		ttl:      ttl,
		sessions: make(map[model.SessionID]*bufferEntry),
	}
}

func (b *MemoryBuffer) Push(ctx context.Context, id model.SessionID, turns ...model.Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.sessions[id]
	if e == nil || time.Now().After(e.expiresAt) {
		e = &bufferEntry{}
		b.sessions[id] = e
	}

	e.turns = append(e.turns, turns...)
	if len(e.turns) > b.maxTurns {
		e.turns = append([]model.Turn(nil), e.turns[len(e.turns)-b.maxTurns:]...)
	}
	e.expiresAt = time.Now().Add(b.ttl)
	return nil
}

func (b *MemoryBuffer) Recent(ctx context.Context, id model.SessionID) ([]model.Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.sessions[id]
	if e == nil {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(b.sessions, id)
		return nil, nil
	}

	out := make([]model.Turn, len(e.turns))
	copy(out, e.turns)
	return out, nil
}

func (b *MemoryBuffer) Seed(ctx context.Context, id model.SessionID, turns []model.Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}
	e := &bufferEntry{
		turns:     append([]model.Turn(nil), turns...),
		expiresAt: time.Now().Add(b.ttl),
	}
	b.sessions[id] = e
	return nil
}
