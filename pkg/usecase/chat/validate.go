package chat

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/tool"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/validate.md
var validatePromptRaw string

var validatePromptTmpl = template.Must(template.New("validate").Parse(validatePromptRaw))

var validationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_valid":               {Type: genai.TypeBoolean},
		"needs_clarification":    {Type: genai.TypeBoolean},
		"reasoning":              {Type: genai.TypeString},
		"feedback":               {Type: genai.TypeString},
		"clarification_question": {Type: genai.TypeString},
	},
	Required: []string{"is_valid", "needs_clarification"},
}

// validateAnswer checks the draft answer against the retrieved documents for
// groundedness and scope. Validation fails open: when the check itself cannot
// run, the answer is accepted rather than discarded.
func (p *Pipeline) validateAnswer(ctx context.Context, state *AgentState, docs []*model.Document) *model.ValidationResult {
	logger := logging.From(ctx)

	if len(docs) == 0 {
		// Nothing to ground against. Scope and link checks still matter,
		// but without evidence a groundedness verdict would be noise.
		return &model.ValidationResult{IsValid: true, Reasoning: "no retrieved documents to validate against"}
	}

	var buf bytes.Buffer
	if err := validatePromptTmpl.Execute(&buf, map[string]any{
		"Query":     state.Request.Query,
		"Subjects":  strings.Join(state.Classification.Subjects, ", "),
		"Documents": tool.FormatDocuments(docs),
		"Answer":    state.Answer,
	}); err != nil {
		logger.Warn("failed to render validation prompt", "error", err)
		return &model.ValidationResult{IsValid: true, Reasoning: "validation unavailable"}
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   validationSchema,
	}

	state.LLMCalls++
	resp, err := p.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)}, config)
	if err != nil {
		logger.Warn("answer validation failed, accepting answer", "error", err)
		return &model.ValidationResult{IsValid: true, Reasoning: "validation unavailable"}
	}

	var result model.ValidationResult
	if err := json.Unmarshal([]byte(textOf(resp)), &result); err != nil {
		logger.Warn("answer validation returned malformed result, accepting answer", "error", err)
		return &model.ValidationResult{IsValid: true, Reasoning: "validation unavailable"}
	}
	return &result
}
