package policy

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
)

// builtinAllowed are the metadata fields known to the document index. Used
// when no Rego policy directory is configured.
var builtinAllowed = map[string]bool{
	"class_id":      true,
	"class_name":    true,
	"subject":       true,
	"subject_id":    true,
	"chapter":       true,
	"topics":        true,
	"lecture_id":    true,
	"teacher_id":    true,
	"teacher_name":  true,
	"transcript_id": true,
}

// FilterPolicy validates caller-supplied retrieval filters. Fields the
// policy rejects are reported back and discarded, never silently applied.
type FilterPolicy struct {
	allow *rego.PreparedEvalQuery
}

// New loads all .rego files from policyDir and prepares the
// data.filters.allow query. An empty policyDir yields the built-in
// whitelist behavior.
func New(ctx context.Context, policyDir string) (*FilterPolicy, error) {
	if policyDir == "" {
		return &FilterPolicy{}, nil
	}

	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files")
	}
	if len(files) == 0 {
		return &FilterPolicy{}, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query("data.filters.allow"))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare filter policy")
	}

	return &FilterPolicy{allow: &prepared}, nil
}

// Apply splits filters into the applied set and the rejected field names.
func (p *FilterPolicy) Apply(ctx context.Context, filters map[string]any) (map[string]any, []string, error) {
	if len(filters) == 0 {
		return nil, nil, nil
	}

	applied := make(map[string]any, len(filters))
	var rejected []string

	for key, value := range filters {
		ok, err := p.allowed(ctx, key, value)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			applied[key] = value
		} else {
			rejected = append(rejected, key)
		}
	}

	sort.Strings(rejected)
	return applied, rejected, nil
}

func (p *FilterPolicy) allowed(ctx context.Context, key string, value any) (bool, error) {
	if p.allow == nil {
		return builtinAllowed[key], nil
	}

	results, err := p.allow.Eval(ctx, rego.EvalInput(map[string]any{
		"field": key,
		"value": value,
	}))
	if err != nil {
		return false, goerr.Wrap(err, "failed to evaluate filter policy", goerr.V("field", key))
	}
	return results.Allowed(), nil
}
