package chat

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/tool"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

// runAgentLoop drives the bounded function-calling loop for one answer
// attempt. Documents retrieved eagerly are injected as an already-executed
// retrieval exchange so the model starts with observations in hand.
func (p *Pipeline) runAgentLoop(ctx context.Context, state *AgentState, registry *tool.Registry, retrieval *tool.RetrievalTool, extra string) (string, error) {
	logger := logging.From(ctx)

	toolPrompts := ""
	if registry != nil {
		toolPrompts = registry.Prompts(ctx)
	}
	systemPrompt, err := state.Persona.SystemPrompt(state, toolPrompts)
	if err != nil {
		return "", goerr.Wrap(err, "failed to render persona prompt")
	}
	if extra != "" {
		systemPrompt += "\n\n" + extra
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, ""),
		MaxOutputTokens:   state.Persona.MaxTokens,
	}
	if registry != nil && state.Persona.Tools {
		config.Tools = registry.Specs()
	}

	contents := historyContents(state.Context.Turns)
	contents = append(contents, genai.NewContentFromText(state.Request.Query, genai.RoleUser))

	if len(state.Prefilled) > 0 && state.Persona.Tools {
		contents = append(contents, prefilledExchange(state.Prefilled, retrieval)...)
	}

	var answer strings.Builder
	for i := 0; i < p.cfg.MaxIterations; i++ {
		state.LLMCalls++
		resp, err := p.gemini.GenerateContent(ctx, contents, config)
		if err != nil {
			return "", goerr.Wrap(err, "failed to generate content")
		}

		hasFunctionCall := false
		var functionResponses []*genai.Part

		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			contents = append(contents, candidate.Content)

			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					answer.WriteString(part.Text)
				}

				if part.FunctionCall != nil {
					hasFunctionCall = true
					funcResp, execErr := registry.Execute(ctx, *part.FunctionCall)
					if execErr != nil {
						logger.Warn("tool execution failed",
							"tool", part.FunctionCall.Name, "error", execErr)
						funcResp = &genai.FunctionResponse{
							Name:     part.FunctionCall.Name,
							Response: map[string]any{"error": execErr.Error()},
						}
					}
					functionResponses = append(functionResponses, &genai.Part{FunctionResponse: funcResp})
				}
			}
		}

		if len(functionResponses) > 0 {
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: functionResponses,
			})
		}

		if !hasFunctionCall {
			if text := strings.TrimSpace(answer.String()); text != "" {
				return text, nil
			}
			return "", goerr.New("model returned empty response")
		}
		answer.Reset()
	}

	// Iteration cap reached with tool calls still pending. Force a final
	// synthesis from whatever observations have accumulated.
	logger.Info("tool loop iteration cap reached, forcing synthesis",
		"iterations", p.cfg.MaxIterations)
	config.Tools = nil
	contents = append(contents, genai.NewContentFromText(
		"Provide your final answer now based on the information gathered so far. Do not request any more tools.",
		genai.RoleUser))

	state.LLMCalls++
	resp, err := p.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate final synthesis")
	}
	if text := strings.TrimSpace(textOf(resp)); text != "" {
		return text, nil
	}
	return "", goerr.New("model returned empty synthesis")
}

// prefilledExchange fabricates a retrieval round that already happened, so
// eagerly fetched documents enter the conversation through the same channel
// the model would have used itself.
func prefilledExchange(docs []*model.Document, retrieval *tool.RetrievalTool) []*genai.Content {
	retrieval.Record(docs)
	return []*genai.Content{
		{
			Role: genai.RoleModel,
			Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{
				Name: tool.RetrievalToolName,
				Args: map[string]any{"query": "initial retrieval"},
			}}},
		},
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
				Name:     tool.RetrievalToolName,
				Response: map[string]any{"result": tool.FormatDocuments(docs)},
			}}},
		},
	}
}

// historyContents converts buffered turns into chat contents.
func historyContents(turns []model.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var role genai.Role = genai.RoleUser
		if t.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}
