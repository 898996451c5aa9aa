package rag

import (
	"regexp"
	"strconv"
	"strings"
)

var citationPattern = regexp.MustCompile(`\[Source (\d+)\]`)

// extractCitations finds every [Source N] marker with 1 <= N <= sourceCount
// and returns how often each valid N is cited, together with the text after
// stripping markers whose N points at no source.
func extractCitations(text string, sourceCount int) (map[int]int, string, []string) {
	counts := make(map[int]int)
	var invalid []string

	cleaned := citationPattern.ReplaceAllStringFunc(text, func(marker string) string {
		n, err := strconv.Atoi(citationPattern.FindStringSubmatch(marker)[1])
		if err != nil || n < 1 || n > sourceCount {
			invalid = append(invalid, marker)
			return ""
		}
		counts[n]++
		return marker
	})

	if len(invalid) > 0 {
		// Stripping can leave doubled spaces behind.
		cleaned = strings.Join(strings.FieldsFunc(cleaned, func(r rune) bool { return r == ' ' }), " ")
	}
	return counts, cleaned, invalid
}

// confidenceFrom computes the answer confidence. Cited sources contribute
// their scores weighted by citation frequency; an uncited non-empty answer
// falls back to half the mean retrieved score.
func confidenceFrom(counts map[int]int, scores []float64, answerText string) float64 {
	if len(counts) > 0 {
		var weighted, weight float64
		for n, count := range counts {
			weighted += scores[n-1] * float64(count)
			weight += float64(count)
		}
		return clip01(weighted / weight)
	}
	if strings.TrimSpace(answerText) == "" || len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return clip01(0.5 * sum / float64(len(scores)))
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
