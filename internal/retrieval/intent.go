package retrieval

import (
	"strings"
	"unicode"
)

// Intents recognized by the rule-based classifier.
const (
	IntentFactual     = "factual"
	IntentExploratory = "exploratory"
	IntentTemporal    = "temporal"
	IntentCausal      = "causal"
	IntentUnknown     = "unknown"
)

// Strategy templates. Each intent maps to one; unknown maps to default.
const (
	TemplateDefault     = "default"
	TemplateFactual     = "factual_high_precision"
	TemplateExploratory = "exploratory_high_recall"
	TemplateTemporal    = "temporal_time_filtered"
	TemplateCausal      = "causal_wide_pool"
)

var intentKeywordFamilies = map[string][]string{
	IntentFactual: {
		"what", "which", "who", "where", "define", "definition", "is", "are",
		"does", "value", "name", "exact", "specific",
		"什么", "哪个", "是什么", "定义",
	},
	IntentExploratory: {
		"how", "overview", "explain", "explore", "about", "tell", "describe",
		"summarize", "related", "everything", "anything", "ideas",
		"如何", "怎么", "介绍", "相关",
	},
	IntentTemporal: {
		"when", "recent", "recently", "latest", "last", "yesterday", "today",
		"week", "month", "ago", "history", "timeline", "before", "after",
		"昨天", "最近", "今天", "上周", "什么时候",
	},
	IntentCausal: {
		"why", "because", "cause", "caused", "reason", "due", "effect",
		"impact", "led", "result", "consequence",
		"为什么", "导致", "原因", "因为",
	},
}

// ClassifyIntent scores the query tokens against keyword families. No hit
// classifies as factual with the high-precision template; a tie between the
// top two families resolves to unknown.
func ClassifyIntent(query string) (intent, template string) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return IntentUnknown, TemplateDefault
	}

	tokenSet := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = true
	}
	lowered := strings.ToLower(query)

	// CJK keywords match by substring since those runs tokenize as one term.
	scores := make(map[string]int, len(intentKeywordFamilies))
	for family, keywords := range intentKeywordFamilies {
		for _, keyword := range keywords {
			if isASCIIKeyword(keyword) {
				if tokenSet[keyword] {
					scores[family]++
				}
			} else if strings.Contains(lowered, keyword) {
				scores[family]++
			}
		}
	}

	best, bestScore, secondScore := IntentUnknown, 0, 0
	for _, family := range []string{IntentFactual, IntentExploratory, IntentTemporal, IntentCausal} {
		score := scores[family]
		if score > bestScore {
			best, secondScore, bestScore = family, bestScore, score
		} else if score > secondScore {
			secondScore = score
		}
	}
	if bestScore == 0 {
		return IntentFactual, TemplateFactual
	}
	if bestScore == secondScore {
		return IntentUnknown, TemplateDefault
	}
	return best, templateForIntent(best)
}

func isASCIIKeyword(keyword string) bool {
	for _, r := range keyword {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func templateForIntent(intent string) string {
	switch intent {
	case IntentFactual:
		return TemplateFactual
	case IntentExploratory:
		return TemplateExploratory
	case IntentTemporal:
		return TemplateTemporal
	case IntentCausal:
		return TemplateCausal
	}
	return TemplateDefault
}

// ApplyIntentMultiplier adjusts the candidate multiplier per strategy:
// precision intents shrink the pool, recall intents widen it.
func ApplyIntentMultiplier(intent string, multiplier int) int {
	switch intent {
	case IntentFactual:
		if multiplier > 2 {
			return 2
		}
	case IntentExploratory:
		if multiplier < 6 {
			return 6
		}
	case IntentTemporal:
		if multiplier < 5 {
			return 5
		}
	case IntentCausal:
		if multiplier < 8 {
			return 8
		}
	}
	return multiplier
}
