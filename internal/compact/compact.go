// Package compact produces memory gists through a degrading chain of
// methods: LLM summary, extractive bullets, leading sentences, and finally
// plain truncation. It never fails; weaker methods carry lower quality.
package compact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/llm"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/retrieval"
)

// Degrade reason literals for the gist chain.
const (
	DegradeGistLLMEmpty         = "compact_gist_llm_empty"
	DegradeGistLLMExceptionBase = "compact_gist_llm_exception"
)

// Method qualities, in fallback order.
const (
	qualityLLM        = 0.9
	qualityExtractive = 0.7
	qualitySentence   = 0.55
	qualityTruncate   = 0.4
)

const (
	maxGistChars   = 400
	maxBulletCount = 3
)

// Gist is one generated summary.
type Gist struct {
	Text         string
	Method       string
	QualityScore float64
}

// Generator runs the gist fallback chain.
type Generator struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewGenerator wires the gist LLM from configuration; when disabled the
// chain starts at extractive bullets.
func NewGenerator(logger *zap.Logger) *Generator {
	g := &Generator{logger: logger}
	if config.GetBool("gist.llm-enabled") {
		g.provider = llm.NewProviderFromConfig(
			config.GetString("gist.llm-api-base"),
			config.GetString("gist.llm-model"))
	}
	return g
}

// Generate summarizes content. Degrade reasons explain each method that was
// tried and abandoned; the returned gist is always non-empty for non-empty
// input.
func (g *Generator) Generate(ctx context.Context, content string) (Gist, []string) {
	var degradeReasons []string
	content = strings.TrimSpace(content)
	if content == "" {
		return Gist{Method: memory.GistMethodTruncate, QualityScore: qualityTruncate}, degradeReasons
	}

	if g.provider != nil {
		text, err := g.provider.Complete(ctx, llm.Request{
			System: "You summarize stored notes. Answer with a 1-3 sentence gist of the note, nothing else.",
			Prompt: content,
		})
		switch {
		case err != nil:
			degradeReasons = append(degradeReasons,
				fmt.Sprintf("%s:%s", DegradeGistLLMExceptionBase, causeLabel(err)))
			g.logger.Debug("gist llm call failed", zap.Error(err))
		case strings.TrimSpace(text) == "":
			degradeReasons = append(degradeReasons, DegradeGistLLMEmpty)
		default:
			return Gist{
				Text:         clip(strings.TrimSpace(text), maxGistChars),
				Method:       memory.GistMethodLLM,
				QualityScore: qualityLLM,
			}, degradeReasons
		}
	}

	if bullets := extractiveBullets(content); bullets != "" {
		return Gist{Text: bullets, Method: memory.GistMethodExtractive, QualityScore: qualityExtractive}, degradeReasons
	}
	if sentences := leadingSentences(content, 2); sentences != "" {
		return Gist{Text: sentences, Method: memory.GistMethodSentence, QualityScore: qualitySentence}, degradeReasons
	}
	return Gist{
		Text:         clip(memory.Snippet(content, maxGistChars), maxGistChars),
		Method:       memory.GistMethodTruncate,
		QualityScore: qualityTruncate,
	}, degradeReasons
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// extractiveBullets picks the highest-information sentences by term
// frequency and renders them as bullets in original order.
func extractiveBullets(content string) string {
	sentences := splitSentences(content)
	if len(sentences) < 2 {
		return ""
	}

	frequency := make(map[string]int)
	for _, sentence := range sentences {
		for _, token := range retrieval.Tokenize(sentence) {
			if len(token) > 2 {
				frequency[token]++
			}
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		tokens := retrieval.Tokenize(sentence)
		if len(tokens) == 0 {
			continue
		}
		total := 0
		for _, token := range tokens {
			total += frequency[token]
		}
		ranked = append(ranked, scored{index: i, score: float64(total) / float64(len(tokens))})
	}
	if len(ranked) < 2 {
		return ""
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	keep := maxBulletCount
	if keep > len(ranked) {
		keep = len(ranked)
	}
	picked := ranked[:keep]
	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	var builder strings.Builder
	for _, item := range picked {
		builder.WriteString("- ")
		builder.WriteString(clip(strings.TrimSpace(sentences[item.index]), 120))
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}

func leadingSentences(content string, count int) string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}
	if count > len(sentences) {
		count = len(sentences)
	}
	return clip(strings.TrimSpace(strings.Join(sentences[:count], " ")), maxGistChars)
}

func splitSentences(content string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range strings.Join(strings.Fields(content), " ") {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); len(s) > 1 {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); len(s) > 1 {
		sentences = append(sentences, s)
	}
	return sentences
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
