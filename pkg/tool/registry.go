package tool

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

var errToolNotFound = goerr.New("tool not found")

// Registry manages the tools available to one reasoning loop.
type Registry struct {
	tools    map[string]Tool
	allTools []Tool
}

// New creates a registry with the given tools, keyed by their function
// declaration names.
func New(tools ...Tool) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		allTools: tools,
	}

	for _, t := range tools {
		spec := t.Spec()
		if spec == nil {
			continue
		}
		for _, fd := range spec.FunctionDeclarations {
			r.tools[fd.Name] = t
		}
	}

	return r
}

// Specs returns all tool specifications for Gemini function calling
func (r *Registry) Specs() []*genai.Tool {
	specs := make([]*genai.Tool, 0, len(r.allTools))
	for _, t := range r.allTools {
		if spec := t.Spec(); spec != nil {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Prompts returns all tool prompts concatenated
func (r *Registry) Prompts(ctx context.Context) string {
	var prompts []string
	for _, t := range r.allTools {
		if prompt := t.Prompt(ctx); prompt != "" {
			prompts = append(prompts, prompt)
		}
	}
	return strings.Join(prompts, "\n\n")
}

// Execute runs the tool with the given function call
func (r *Registry) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	t, ok := r.tools[fc.Name]
	if !ok {
		return nil, goerr.Wrap(errToolNotFound, "unknown function", goerr.V("name", fc.Name))
	}

	return t.Execute(ctx, fc)
}
