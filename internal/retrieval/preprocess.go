// Package retrieval implements the tiered search pipeline: query
// preprocessing, rule-based intent classification, strategy templates, and
// keyword/semantic/hybrid scoring over the chunk index.
package retrieval

import (
	"strings"
	"unicode"
)

// PreprocessResult carries the query through normalization.
type PreprocessResult struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Rewritten  string   `json:"rewritten"`
	Tokens     []string `json:"tokens"`
	Changed    bool     `json:"changed"`
}

// PreprocessQuery collapses whitespace, lowercases, and strips trailing
// punctuation. URI tokens (domain://path) and non-ASCII tokens pass through
// verbatim so addresses and non-English queries stay searchable.
func PreprocessQuery(query string) PreprocessResult {
	original := query
	fields := strings.Fields(query)

	normalized := make([]string, 0, len(fields))
	for _, field := range fields {
		if strings.Contains(field, "://") || !isASCII(field) {
			normalized = append(normalized, field)
			continue
		}
		normalized = append(normalized, strings.ToLower(field))
	}

	rewritten := strings.TrimRightFunc(strings.Join(normalized, " "), func(r rune) bool {
		return unicode.IsPunct(r) && r != '/' && r != '>'
	})

	return PreprocessResult{
		Original:   original,
		Normalized: strings.Join(normalized, " "),
		Rewritten:  rewritten,
		Tokens:     strings.Fields(rewritten),
		Changed:    rewritten != original,
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// Tokenize splits text into lowercase alphanumeric terms for overlap
// scoring.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
