package chat

import (
	"github.com/k-hirata/manabu/pkg/model"
)

// AgentState is the per-request aggregate threading through the pipeline
// stages. It is owned exclusively by one pipeline run and never shared
// across requests.
type AgentState struct {
	Request *model.ChatRequest

	// Memory stage
	Context *model.ContextView
	Restart bool

	// Analysis stage
	Classification *model.QueryClassification
	Prefilled      []*model.Document

	// Reasoning stage
	Persona *Persona
	Answer  string

	// Validation stage
	Validation    *model.ValidationResult
	Corrected     bool
	LowConfidence bool

	// LLMCalls counts generate invocations made on the request path.
	LLMCalls int
}

// TargetLanguage resolves the language the final answer should be in: the
// caller's explicit hint wins, then the detected query language, then the
// canonical language.
func (s *AgentState) TargetLanguage() string {
	if s.Request.Language != "" {
		return s.Request.Language
	}
	if s.Classification != nil && s.Classification.DetectedLanguage != "" {
		return s.Classification.DetectedLanguage
	}
	return canonicalLanguage
}
