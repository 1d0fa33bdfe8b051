package model

// ValidationResult is the outcome of checking an answer against retrieved
// evidence and classified intent. At most one corrective regeneration may be
// triggered from a single result; a second failure is accepted as-is.
type ValidationResult struct {
	IsValid               bool   `json:"is_valid"`
	NeedsClarification    bool   `json:"needs_clarification"`
	Reasoning             string `json:"reasoning"`
	Feedback              string `json:"feedback,omitempty"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
}
