package model

import (
	"time"
)

type (
	UserID    string
	SessionID string
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single immutable conversation message.
type Turn struct {
	Role      Role      `firestore:"role" json:"role"`
	Text      string    `firestore:"text" json:"text"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
}

// Session is the durable per-conversation record. The message log lives in
// a subcollection; Summary is a rolling digest regenerated in the background.
type Session struct {
	SessionID    SessionID `firestore:"session_id"`
	UserID       UserID    `firestore:"user_id"`
	Summary      string    `firestore:"summary"`
	MessageCount int       `firestore:"message_count"`

	// Structured context extracted from conversation, nullable.
	ClassLevel string `firestore:"class_level,omitempty"`
	Subject    string `firestore:"subject,omitempty"`
	Chapter    string `firestore:"chapter,omitempty"`
	LectureRef string `firestore:"lecture_ref,omitempty"`

	// Summarizing guards against overlapping summary regeneration tasks.
	Summarizing bool `firestore:"summarizing"`

	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// ContextView is the per-request view of conversation memory: the rolling
// summary plus recent turns trimmed to a token budget. Never persisted.
type ContextView struct {
	Summary string
	Turns   []Turn
}

// EstimateTokens approximates the token count of a text as len/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}
