package retriever

import (
	"math"
	"strings"
	"unicode"
)

// stopwords excluded from sparse vectors. Keyword weighting over the
// remaining terms approximates the original index's sparse representation.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "of": true, "in": true, "on": true, "to": true,
	"for": true, "and": true, "or": true, "it": true, "its": true, "this": true,
	"that": true, "with": true, "as": true, "at": true, "by": true, "from": true,
	"what": true, "which": true, "who": true, "how": true, "when": true,
	"where": true, "why": true, "do": true, "does": true, "did": true,
	"can": true, "could": true, "will": true, "would": true, "about": true,
	"me": true, "my": true, "you": true, "your": true, "i": true, "we": true,
	"please": true, "explain": true, "tell": true,
}

// SparseVector maps normalized terms to log-scaled, L2-normalized weights.
type SparseVector map[string]float64

// EncodeSparse builds the keyword-weighted sparse vector for a text.
// Deterministic for identical input.
func EncodeSparse(text string) SparseVector {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	if len(counts) == 0 {
		return nil
	}

	vec := make(SparseVector, len(counts))
	var norm float64
	for term, n := range counts {
		w := 1 + math.Log(float64(n))
		vec[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for term := range vec {
		vec[term] /= norm
	}
	return vec
}

// Cosine computes the cosine similarity against another sparse vector.
// Both sides are already L2-normalized, so this is a plain dot product.
func (v SparseVector) Cosine(other SparseVector) float64 {
	if len(v) == 0 || len(other) == 0 {
		return 0
	}
	if len(other) < len(v) {
		v, other = other, v
	}

	var dot float64
	for term, w := range v {
		dot += w * other[term]
	}
	return dot
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
