package model

// QueryType is the routing category of a user query.
type QueryType string

const (
	QueryTypeConversational QueryType = "conversational"
	QueryTypeKnowledge      QueryType = "knowledge_seeking"
)

// QueryClassification is the combined result of language detection,
// translation to the canonical working language, intent classification and
// context extraction. Produced once per request.
type QueryClassification struct {
	QueryType        QueryType `json:"query_type"`
	CanonicalQuery   string    `json:"canonical_query"`
	Confidence       float64   `json:"confidence"`
	DetectedLanguage string    `json:"detected_language"`
	Subjects         []string  `json:"subjects"`
	Reasoning        string    `json:"reasoning"`

	// Context fields extracted from the query and history. Current-query
	// mentions win over historical ones. These never become search filters.
	ClassLevel string `json:"class_level,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Chapter    string `json:"chapter,omitempty"`
	LectureRef string `json:"lecture_ref,omitempty"`
}

// IsKnowledgeSeeking reports whether retrieval should run for this query.
func (c *QueryClassification) IsKnowledgeSeeking() bool {
	return c.QueryType == QueryTypeKnowledge
}
