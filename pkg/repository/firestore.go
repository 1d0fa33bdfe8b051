package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/k-hirata/manabu/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sessionCollection  = "sessions"
	messageCollection  = "messages"
	documentCollection = "documents"
)

// Firestore implements Repository
type Firestore struct {
	client *firestore.Client
}

// New creates a Firestore-backed repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client")
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) sessionDoc(id model.SessionID) *firestore.DocumentRef {
	return r.client.Collection(sessionCollection).Doc(string(id))
}

func (r *Firestore) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	snap, err := r.sessionDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrSessionNotFound, "no such session", goerr.V("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}

	var session model.Session
	if err := snap.DataTo(&session); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &session, nil
}

func (r *Firestore) PutSession(ctx context.Context, session *model.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	if _, err := r.sessionDoc(session.SessionID).Set(ctx, session); err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.V("session_id", session.SessionID))
	}
	return nil
}

// turnRecord adds a sequence number so that turns sharing a timestamp keep
// their append order.
type turnRecord struct {
	Role      model.Role `firestore:"role"`
	Text      string     `firestore:"text"`
	Timestamp time.Time  `firestore:"timestamp"`
	Seq       int        `firestore:"seq"`
}

func (r *Firestore) AppendTurns(ctx context.Context, id model.SessionID, turns []model.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	sessionRef := r.sessionDoc(id)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var session model.Session
		snap, err := tx.Get(sessionRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&session); err != nil {
				return goerr.Wrap(err, "failed to decode session")
			}
		case status.Code(err) == codes.NotFound:
			session = model.Session{SessionID: id, CreatedAt: time.Now()}
		default:
			return goerr.Wrap(err, "failed to get session")
		}

		seq := session.MessageCount
		for i, turn := range turns {
			rec := turnRecord{
				Role:      turn.Role,
				Text:      turn.Text,
				Timestamp: turn.Timestamp,
				Seq:       seq + i,
			}
			msgRef := sessionRef.Collection(messageCollection).NewDoc()
			if err := tx.Set(msgRef, rec); err != nil {
				return goerr.Wrap(err, "failed to append turn")
			}
		}

		session.MessageCount = seq + len(turns)
		session.UpdatedAt = time.Now()
		return tx.Set(sessionRef, &session)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to append turns", goerr.V("session_id", id))
	}
	return nil
}

func (r *Firestore) RecentTurns(ctx context.Context, id model.SessionID, limit int) ([]model.Turn, error) {
	iter := r.sessionDoc(id).Collection(messageCollection).
		OrderBy("seq", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var turns []model.Turn
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate turns", goerr.V("session_id", id))
		}

		var rec turnRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn")
		}
		turns = append(turns, model.Turn{Role: rec.Role, Text: rec.Text, Timestamp: rec.Timestamp})
	}

	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (r *Firestore) BeginSummary(ctx context.Context, id model.SessionID) (bool, error) {
	sessionRef := r.sessionDoc(id)
	acquired := false
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(sessionRef)
		if err != nil {
			return goerr.Wrap(err, "failed to get session")
		}
		var session model.Session
		if err := snap.DataTo(&session); err != nil {
			return goerr.Wrap(err, "failed to decode session")
		}
		if session.Summarizing {
			return nil
		}
		acquired = true
		return tx.Update(sessionRef, []firestore.Update{{Path: "summarizing", Value: true}})
	})
	if err != nil {
		return false, goerr.Wrap(err, "failed to acquire summary lock", goerr.V("session_id", id))
	}
	return acquired, nil
}

func (r *Firestore) FinishSummary(ctx context.Context, id model.SessionID, summary string) error {
	updates := []firestore.Update{{Path: "summarizing", Value: false}}
	if summary != "" {
		updates = append(updates, firestore.Update{Path: "summary", Value: summary})
	}
	if _, err := r.sessionDoc(id).Update(ctx, updates); err != nil {
		return goerr.Wrap(err, "failed to finish summary", goerr.V("session_id", id))
	}
	return nil
}

func (r *Firestore) PutDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = model.NewDocumentID()
	}
	ref := r.client.Collection(documentCollection).Doc(string(doc.ID))
	if _, err := ref.Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put document", goerr.V("doc_id", doc.ID))
	}
	return nil
}

func (r *Firestore) SearchDocuments(ctx context.Context, embedding firestore.Vector32, filter map[string]any, limit int) ([]*model.Document, error) {
	q := r.client.Collection(documentCollection).Query
	for key, value := range filter {
		q = q.Where("metadata."+key, "==", value)
	}

	vq := q.FindNearest("embedding", embedding, limit, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{
			DistanceResultField: "vector_distance",
		})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var docs []*model.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search documents")
		}

		var doc model.Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode document")
		}

		// Cosine distance in [0,2]; convert to similarity in [0,1] as 1-d,
		// clamped, since near-orthogonal chunks are irrelevant anyway.
		if dist, ok := snap.Data()["vector_distance"].(float64); ok {
			doc.Score = 1 - dist
			if doc.Score < 0 {
				doc.Score = 0
			}
		}
		docs = append(docs, &doc)
	}

	return docs, nil
}
