package resolver

import (
	"strings"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Scorer assigns a similarity score in [0, 1] to a pair of surface names.
// The resolver's control flow is independent of the matching strategy: swap
// the Scorer to tune or replace fuzzy matching without touching resolution.
type Scorer interface {
	Score(a, b string) float64
}

// LevenshteinScorer scores by normalized edit distance: 1 minus the
// Levenshtein distance divided by the longer string's length, computed over
// NormalizeName-folded inputs.
type LevenshteinScorer struct{}

// Score implements Scorer.
func (LevenshteinScorer) Score(a, b string) float64 {
	a = types.NormalizeName(a)
	b = types.NormalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra := []rune(a)
	rb := []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(maxLen)
}

// levenshtein computes edit distance with a two-row dynamic program.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// TokenOverlapScorer scores by Jaccard overlap of whitespace-separated
// tokens. It catches reorderings and partial names ("payment service" vs
// "the payment service") that edit distance punishes.
type TokenOverlapScorer struct{}

// Score implements Scorer.
func (TokenOverlapScorer) Score(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(types.NormalizeName(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// compositeScorer takes the best score across strategies.
type compositeScorer struct {
	scorers []Scorer
}

func (c compositeScorer) Score(a, b string) float64 {
	best := 0.0
	for _, s := range c.scorers {
		if v := s.Score(a, b); v > best {
			best = v
		}
	}
	return best
}

// NewDefaultScorer combines edit distance and token overlap, taking the
// higher of the two.
func NewDefaultScorer() Scorer {
	return compositeScorer{scorers: []Scorer{LevenshteinScorer{}, TokenOverlapScorer{}}}
}
