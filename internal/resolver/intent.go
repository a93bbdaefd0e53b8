package resolver

import (
	"regexp"
	"strings"

	"scoperoute/internal/taxonomy"
)

// DefaultVisualizationKeywords flag a request for a chart, table or statistic
// rather than a narrative answer. Matching is by substring on the lower-cased
// question, so "graph" also covers "graphs" and "graphique".
var DefaultVisualizationKeywords = []string{
	"diagram", "diagramme",
	"graph", "chart", "histogram",
	"distribution", "répartition",
	"trend", "tendance",
	"comparison", "comparaison",
	"statistic", "statistique",
	"table", "tableau",
}

// explicitScopePattern captures the token after "scope" or "scopé".
var explicitScopePattern = regexp.MustCompile(`(?i)\bscop[eé]\s+([\p{L}\p{N}_-]+)`)

func detectVisualization(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// explicitScopeRefs returns the normalized scope references in order of appearance.
func explicitScopeRefs(question string) []string {
	matches := explicitScopePattern.FindAllStringSubmatch(question, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if ref := taxonomy.NormalizeID(m[1]); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// keywordWinner scores each scope by how many of its keywords occur in the
// question and returns the best one. Ties keep the scope defined first.
func keywordWinner(t *taxonomy.Table, lower string) (taxonomy.Scope, int, bool) {
	var best taxonomy.Scope
	bestScore := 0

	t.Each(func(s taxonomy.Scope) {
		score := 0
		for _, kw := range s.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	})

	if bestScore == 0 {
		return taxonomy.Scope{}, 0, false
	}
	return best, bestScore, true
}
