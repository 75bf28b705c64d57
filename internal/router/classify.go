package router

import "strings"

// Keyword vocabularies for intent detection. Matching is whole-word over the
// lowercased query. Order in intentPriority breaks count ties.
var intentVocabularies = map[Intent][]string{
	IntentSecurity: {
		"security", "vulnerability", "exploit", "cve", "auth", "authentication",
		"authorization", "encrypt", "encryption", "tls", "certificate", "pentest",
		"injection", "xss", "csrf", "firewall", "audit",
	},
	IntentDatabase: {
		"database", "sql", "query", "schema", "index", "migration", "postgres",
		"sqlite", "mysql", "transaction", "join", "table", "orm",
	},
	IntentDevelopment: {
		"code", "function", "bug", "debug", "compile", "implement", "test",
		"api", "library", "deploy", "build", "refactor", "class", "method",
		"error", "fix",
	},
	IntentPlanning: {
		"plan", "roadmap", "design", "architecture", "strategy", "milestone",
		"estimate", "scope", "requirements", "tradeoff", "proposal",
	},
}

// highComplexityVocabulary marks terms that signal multi-step or structural
// work regardless of intent.
var highComplexityVocabulary = []string{
	"migrate", "refactor", "architecture", "redesign", "end-to-end",
	"distributed", "concurrency", "optimize", "rewrite", "orchestrate",
}

// intentPriority breaks ties between vocabularies with equal match counts.
var intentPriority = []Intent{
	IntentSecurity, IntentDatabase, IntentDevelopment, IntentPlanning,
}

const highComplexityWeight = 0.25

// Classify deterministically analyzes a query. It never fails: an empty query
// classifies as {low, general} with zero confidence.
func Classify(query string) Classification {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return Classification{Complexity: ComplexityLow, Intent: IntentGeneral}
	}

	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,;:!?()\"'")] = struct{}{}
	}

	// Walk vocabularies in priority order so MatchedKeywords comes out the
	// same for every call on the same query.
	var matched []string
	counts := make(map[Intent]int)
	total := 0
	for _, intent := range intentPriority {
		for _, kw := range intentVocabularies[intent] {
			if _, ok := wordSet[kw]; ok {
				counts[intent]++
				total++
				matched = append(matched, kw)
			}
		}
	}

	highMatches := 0
	for _, kw := range highComplexityVocabulary {
		if _, ok := wordSet[kw]; ok {
			highMatches++
			matched = append(matched, kw)
		}
	}

	score := clamp01(float64(highMatches)*highComplexityWeight + float64(len(words))/20.0)
	complexity := bucketComplexity(score)

	intent := IntentGeneral
	best := 0
	for _, cand := range intentPriority {
		if counts[cand] > best {
			best = counts[cand]
			intent = cand
		}
	}

	confidence := 0.0
	if best > 0 {
		confidence = clamp01(float64(best) / float64(total+1))
	}

	return Classification{
		Complexity:      complexity,
		Intent:          intent,
		MatchedKeywords: matched,
		Confidence:      confidence,
	}
}

func bucketComplexity(score float64) Complexity {
	switch {
	case score < 0.30:
		return ComplexityLow
	case score >= 0.70:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
