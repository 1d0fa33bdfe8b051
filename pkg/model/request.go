package model

// UserRole distinguishes the two supported user populations.
type UserRole string

const (
	UserRoleStudent UserRole = "student"
	UserRoleTeacher UserRole = "teacher"
)

// Mode selects between standard answering and step-by-step guidance.
type Mode string

const (
	ModeStandard    Mode = "standard"
	ModeInteractive Mode = "interactive"
)

// ChatRequest is the request boundary consumed by the pipeline.
type ChatRequest struct {
	SessionID SessionID `json:"session_id"`
	UserID    UserID    `json:"user_id"`
	Role      UserRole  `json:"role"`
	Query     string    `json:"query"`

	// Language is the user's preferred response language (ISO code).
	// Empty means canonical English.
	Language string `json:"language,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`

	// Filters restrict retrieval. Only fields passing the filter policy are
	// applied; nothing inferred from conversation is ever merged in.
	Filters map[string]any `json:"filters,omitempty"`
}

// ChatResponse is the response boundary returned to the caller.
type ChatResponse struct {
	SessionID SessionID  `json:"session_id"`
	Message   string     `json:"message"`
	QueryType QueryType  `json:"query_type"`
	Language  string     `json:"language"`
	Citations []Citation `json:"citations"`

	// LLMCalls counts model invocations made on the request path.
	LLMCalls int `json:"llm_calls"`

	// LowConfidence is set when the answer failed validation twice and was
	// accepted to guarantee termination.
	LowConfidence bool `json:"low_confidence,omitempty"`
}
