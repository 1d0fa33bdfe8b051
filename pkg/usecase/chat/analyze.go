package chat

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/analyze.md
var analyzePromptRaw string

var analyzePromptTmpl = template.Must(template.New("analyze").Parse(analyzePromptRaw))

const (
	// minConfidence below which a classification falls back to the safe
	// knowledge-seeking default.
	minConfidence = 0.5

	analysisCacheTTL = time.Hour
)

// greetingWords short-circuit classification for trivial conversational
// queries without an LLM round trip.
var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "greetings": true,
	"thanks": true, "thank you": true, "thx": true,
	"ok": true, "okay": true, "alright": true, "sure": true, "fine": true,
	"got it": true, "cool": true, "nice": true, "great": true, "awesome": true,
	"yes": true, "yep": true, "no": true,
	"bye": true, "goodbye": true, "see ya": true,
}

var helpPhrases = []string{
	"i need help", "can you help", "i need some help", "what can you do", "help me",
}

var classificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"query_type":        {Type: genai.TypeString, Enum: []string{"conversational", "knowledge_seeking"}},
		"canonical_query":   {Type: genai.TypeString},
		"confidence":        {Type: genai.TypeNumber},
		"detected_language": {Type: genai.TypeString},
		"subjects":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"reasoning":         {Type: genai.TypeString},
		"class_level":       {Type: genai.TypeString},
		"subject":           {Type: genai.TypeString},
		"chapter":           {Type: genai.TypeString},
		"lecture_ref":       {Type: genai.TypeString},
	},
	Required: []string{"query_type", "canonical_query", "confidence"},
}

// analyzeQuery performs the combined classification step: language
// detection, translation to canonical English, intent classification and
// context extraction, in one LLM call. Failures and low confidence default
// to knowledge-seeking so a real question is never silently dropped.
func (p *Pipeline) analyzeQuery(ctx context.Context, state *AgentState) *model.QueryClassification {
	logger := logging.From(ctx)
	query := strings.TrimSpace(state.Request.Query)

	if c := classifyHeuristic(query); c != nil {
		logger.Debug("heuristic classification", "reasoning", c.Reasoning)
		return c
	}

	// Very long queries are condensed into a standalone search query first,
	// so the classification prompt and retrieval stay within bounds.
	if len(query) > p.cfg.CondenseThreshold {
		if condensed := p.condenseQuery(ctx, state, query); condensed != "" {
			query = condensed
		}
	}

	cacheKey := cache.Key("analysis", query, formatHistory(state.Context.Turns, 2))
	if c, ok := p.analysisCache.Get(cacheKey); ok {
		return c
	}

	var buf bytes.Buffer
	if err := analyzePromptTmpl.Execute(&buf, map[string]any{
		"History": formatHistory(state.Context.Turns, p.cfg.HistoryWindow),
		"Query":   query,
	}); err != nil {
		logger.Warn("failed to render analysis prompt", "error", err)
		return fallbackClassification(query)
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   classificationSchema,
	}
	contents := []*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)}

	state.LLMCalls++
	resp, err := p.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		logger.Warn("query analysis failed, defaulting to knowledge-seeking", "error", err)
		return fallbackClassification(query)
	}

	var c model.QueryClassification
	if err := json.Unmarshal([]byte(textOf(resp)), &c); err != nil {
		logger.Warn("query analysis returned malformed result, defaulting to knowledge-seeking", "error", err)
		return fallbackClassification(query)
	}

	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	if c.Confidence < minConfidence && c.QueryType != model.QueryTypeKnowledge {
		logger.Info("low-confidence classification, defaulting to knowledge-seeking",
			"confidence", c.Confidence, "original", c.QueryType)
		c.QueryType = model.QueryTypeKnowledge
	}
	if c.CanonicalQuery == "" {
		c.CanonicalQuery = query
	}
	if c.DetectedLanguage == "" {
		c.DetectedLanguage = canonicalLanguage
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"General"}
	}

	p.analysisCache.Set(cacheKey, &c, analysisCacheTTL)
	return &c
}

// condenseQuery summarizes an oversized query into a standalone search
// query, preserving technical constraints. Best-effort.
func (p *Pipeline) condenseQuery(ctx context.Context, state *AgentState, query string) string {
	prompt := "Condense the following request into a single standalone search query, " +
		"preserving all technical constraints and educational context. " +
		"Respond with only the query.\n\n" + query

	state.LLMCalls++
	resp, err := p.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
	if err != nil {
		logging.From(ctx).Warn("query condensation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(textOf(resp))
}

func classifyHeuristic(query string) *model.QueryClassification {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(query), "!?. "))
	if normalized == "" {
		return nil
	}

	if greetingWords[normalized] {
		return &model.QueryClassification{
			QueryType:        model.QueryTypeConversational,
			CanonicalQuery:   query,
			Confidence:       1.0,
			DetectedLanguage: canonicalLanguage,
			Subjects:         []string{"General"},
			Reasoning:        "matched conversational keyword",
		}
	}

	if len(strings.Fields(normalized)) < 10 {
		for _, phrase := range helpPhrases {
			if strings.Contains(normalized, phrase) {
				return &model.QueryClassification{
					QueryType:        model.QueryTypeConversational,
					CanonicalQuery:   query,
					Confidence:       0.9,
					DetectedLanguage: canonicalLanguage,
					Subjects:         []string{"General"},
					Reasoning:        "matched help-request phrase",
				}
			}
		}
	}

	return nil
}

func fallbackClassification(query string) *model.QueryClassification {
	return &model.QueryClassification{
		QueryType:        model.QueryTypeKnowledge,
		CanonicalQuery:   query,
		Confidence:       0,
		DetectedLanguage: canonicalLanguage,
		Subjects:         []string{"General"},
		Reasoning:        "analysis unavailable, fail-safe default",
	}
}

// formatHistory renders the last limit turns as "role: text" lines.
func formatHistory(turns []model.Turn, limit int) string {
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Text))
	}
	return strings.Join(lines, "\n")
}
