package model

import (
	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

type DocumentID string

// NewDocumentID generates a new unique DocumentID
func NewDocumentID() DocumentID {
	return DocumentID(uuid.New().String())
}

// Document is one retrievable chunk of ingested lecture material.
type Document struct {
	ID       DocumentID     `firestore:"id"`
	Text     string         `firestore:"text"`
	Metadata map[string]any `firestore:"metadata"`

	Embedding   firestore.Vector32 `firestore:"embedding"`
	SparseTerms map[string]float64 `firestore:"sparse_terms"`

	// Score is the fused dense/sparse relevance in [0,1]. Set on retrieval,
	// zero for stored documents.
	Score float64 `firestore:"-"`
}

// Citation references a retrieved document that supported the answer.
type Citation struct {
	ID         DocumentID `json:"id"`
	Score      float64    `json:"score"`
	Subject    string     `json:"subject,omitempty"`
	Chapter    string     `json:"chapter,omitempty"`
	LectureRef string     `json:"lecture_ref,omitempty"`
}

// CitationFrom builds a citation from a retrieved document's metadata.
func CitationFrom(doc *Document) Citation {
	c := Citation{
		ID:    doc.ID,
		Score: doc.Score,
	}
	if s, ok := doc.Metadata["subject"].(string); ok {
		c.Subject = s
	}
	if s, ok := doc.Metadata["chapter"].(string); ok {
		c.Chapter = s
	}
	if s, ok := doc.Metadata["lecture_id"].(string); ok {
		c.LectureRef = s
	}
	return c
}
