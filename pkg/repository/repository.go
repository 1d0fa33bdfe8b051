package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/k-hirata/manabu/pkg/model"
)

var ErrSessionNotFound = goerr.New("session not found")

// Repository is the durable-store contract: per-session append-only message
// logs with a rolling summary (ColdStore) and a vector-searchable document
// index.
type Repository interface {
	// GetSession retrieves a session by ID. Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)

	// PutSession upserts a session record
	PutSession(ctx context.Context, session *model.Session) error

	// AppendTurns appends turns to the session's message log in order and
	// bumps the session's message count and last-activity time
	AppendTurns(ctx context.Context, id model.SessionID, turns []model.Turn) error

	// RecentTurns returns up to limit most recent turns in chronological order
	RecentTurns(ctx context.Context, id model.SessionID, limit int) ([]model.Turn, error)

	// BeginSummary atomically acquires the per-session summarization lock.
	// Returns false when another task holds it.
	BeginSummary(ctx context.Context, id model.SessionID) (bool, error)

	// FinishSummary stores the regenerated summary and releases the lock.
	// An empty summary releases the lock without updating.
	FinishSummary(ctx context.Context, id model.SessionID, summary string) error

	// PutDocument stores a document with its embedding and sparse terms
	PutDocument(ctx context.Context, doc *model.Document) error

	// SearchDocuments performs vector search over the document index with an
	// equality metadata filter, returning up to limit candidates with their
	// dense similarity in Document.Score.
	SearchDocuments(ctx context.Context, embedding firestore.Vector32, filter map[string]any, limit int) ([]*model.Document, error)
}
