package chat

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/k-hirata/manabu/pkg/model"
)

//go:embed prompt/persona_conversational.md
var personaConversationalRaw string

//go:embed prompt/persona_direct.md
var personaDirectRaw string

//go:embed prompt/persona_guided.md
var personaGuidedRaw string

//go:embed prompt/persona_analytical.md
var personaAnalyticalRaw string

// Persona is a reasoning strategy: a style contract, a response budget and
// whether the answer must pass tool-grounded validation.
type Persona struct {
	Name      string
	MaxTokens int32

	// Tools controls whether the reasoning loop may invoke tools.
	Tools bool

	// Validate controls whether the answer passes the groundedness check.
	Validate bool

	tmpl *template.Template
}

var (
	personaConversational = &Persona{
		Name:      "conversational",
		MaxTokens: 300,
		tmpl:      template.Must(template.New("conversational").Parse(personaConversationalRaw)),
	}
	personaDirect = &Persona{
		Name:      "direct-synthesis",
		MaxTokens: 2000,
		Tools:     true,
		Validate:  true,
		tmpl:      template.Must(template.New("direct").Parse(personaDirectRaw)),
	}
	personaGuided = &Persona{
		Name:      "guided-questioning",
		MaxTokens: 1000,
		Tools:     true,
		Validate:  true,
		tmpl:      template.Must(template.New("guided").Parse(personaGuidedRaw)),
	}
	personaAnalytical = &Persona{
		Name:      "analytical",
		MaxTokens: 2000,
		Tools:     true,
		Validate:  true,
		tmpl:      template.Must(template.New("analytical").Parse(personaAnalyticalRaw)),
	}
)

// routePersona is the deterministic persona decision table, evaluated in
// priority order.
func routePersona(c *model.QueryClassification, role model.UserRole, mode model.Mode) *Persona {
	switch {
	case c.QueryType == model.QueryTypeConversational:
		return personaConversational
	case role == model.UserRoleTeacher:
		return personaAnalytical
	case mode == model.ModeInteractive:
		return personaGuided
	default:
		return personaDirect
	}
}

// SystemPrompt renders the persona's system instruction for one request.
func (p *Persona) SystemPrompt(state *AgentState, toolPrompts string) (string, error) {
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, map[string]any{
		"Summary":     state.Context.Summary,
		"Restart":     state.Restart,
		"ToolPrompts": toolPrompts,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to render persona prompt", goerr.V("persona", p.Name))
	}
	return buf.String(), nil
}
