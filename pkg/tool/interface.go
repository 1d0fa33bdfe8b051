package tool

import (
	"context"

	"google.golang.org/genai"
)

// Tool is an external capability the reasoning loop may invoke.
type Tool interface {
	// Spec returns the tool specification for Gemini function calling
	Spec() *genai.Tool

	// Execute runs the tool with the given function call and returns the response
	Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error)

	// Prompt returns additional instructions for the system prompt.
	// Returns empty string if none are needed.
	Prompt(ctx context.Context) string
}
