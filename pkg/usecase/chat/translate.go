package chat

import (
	"context"
	"strings"

	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

// translateAnswer renders the final answer in the caller's language. The
// pipeline reasons in English throughout, so English targets are a no-op.
// Translation failure falls back to the untranslated answer.
func (p *Pipeline) translateAnswer(ctx context.Context, state *AgentState, text string) string {
	lang := strings.ToLower(state.TargetLanguage())
	if lang == "" || lang == canonicalLanguage {
		return text
	}

	cacheKey := cache.Key("translate", lang, text)
	if translated, ok := p.translateCache.Get(cacheKey); ok {
		return translated
	}

	prompt := "Translate the following response into " + lang + ". " +
		"Preserve markdown formatting, code blocks, numbers and proper nouns. " +
		"Respond with only the translation.\n\n" + text

	state.LLMCalls++
	resp, err := p.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
	if err != nil {
		logging.From(ctx).Warn("translation failed, returning untranslated answer",
			"language", lang, "error", err)
		return text
	}

	translated := strings.TrimSpace(textOf(resp))
	if translated == "" {
		return text
	}

	p.translateCache.Set(cacheKey, translated, p.cfg.TranslationTTL.Std())
	return translated
}
