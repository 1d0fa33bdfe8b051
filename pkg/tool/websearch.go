package tool

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/k-hirata/manabu/pkg/adapter"
	"google.golang.org/genai"
)

// WebSearchTool answers a query using Gemini's Google Search grounding.
// Its output is internal-only background knowledge: it informs the answer
// but is never surfaced as a citation.
type WebSearchTool struct {
	gemini adapter.Gemini
}

func NewWebSearch(gemini adapter.Gemini) *WebSearchTool {
	return &WebSearchTool{gemini: gemini}
}

func (t *WebSearchTool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "web_search",
				Description: "Search the public web for current or supplementary information not covered by the lecture material.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"query": {
							Type:        genai.TypeString,
							Description: "Search query",
						},
					},
					Required: []string{"query"},
				},
			},
		},
	}
}

func (t *WebSearchTool) Prompt(ctx context.Context) string {
	return "web_search results are background knowledge only. Never cite them as sources and never include external links in the answer."
}

func (t *WebSearchTool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	query, ok := fc.Args["query"].(string)
	if !ok || query == "" {
		return nil, goerr.New("web_search requires a query argument")
	}

	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	contents := []*genai.Content{
		genai.NewContentFromText(query, genai.RoleUser),
	}

	resp, err := t.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "web search failed")
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}
	if text.Len() == 0 {
		return nil, goerr.New("web search returned no text")
	}

	return &genai.FunctionResponse{
		Name:     fc.Name,
		Response: map[string]any{"result": text.String()},
	}, nil
}
