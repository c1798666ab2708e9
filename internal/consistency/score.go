package consistency

import (
	"strings"
	"unicode"
)

// =============================================================================
// AGREEMENT SCORING
// =============================================================================

// pairScore measures agreement between two variants in [0,1]: half
// lexical token overlap (Jaccard), half key-point overlap (Dice).
// When neither variant produced key points the lexical score stands
// alone rather than being dragged down by an empty component.
func pairScore(a, b Variant) float64 {
	lexical := jaccard(tokenSet(a.Text), tokenSet(b.Text))

	pa := normalizedPointSet(a.KeyPoints)
	pb := normalizedPointSet(b.KeyPoints)
	if len(pa) == 0 && len(pb) == 0 {
		return lexical
	}
	return 0.5*lexical + 0.5*dice(pa, pb)
}

// meanPairwiseScore averages pairScore over all variant pairs.
// Fewer than two variants carry no agreement evidence.
func meanPairwiseScore(variants []Variant) float64 {
	if len(variants) < 2 {
		return 0
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(variants); i++ {
		for j := i + 1; j < len(variants); j++ {
			sum += pairScore(variants[i], variants[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// selectCentroid picks the variant with the highest mean agreement to
// the others. Ties go to the variant with more key points, then to
// the earlier generation index, so synthesis is deterministic.
func selectCentroid(variants []Variant) Variant {
	if len(variants) == 1 {
		return variants[0]
	}

	best := 0
	bestMean := -1.0
	for i := range variants {
		var sum float64
		for j := range variants {
			if i != j {
				sum += pairScore(variants[i], variants[j])
			}
		}
		mean := sum / float64(len(variants)-1)
		switch {
		case mean > bestMean:
			best, bestMean = i, mean
		case mean == bestMean:
			if len(variants[i].KeyPoints) > len(variants[best].KeyPoints) {
				best = i
			} else if len(variants[i].KeyPoints) == len(variants[best].KeyPoints) &&
				variants[i].Index < variants[best].Index {
				best = i
			}
		}
	}
	return variants[best]
}

// majorityKeyPoints returns the points asserted by a strict majority
// of variants, in the order they were first seen. When no point
// reaches a majority the chosen variant's own points stand.
func majorityKeyPoints(variants []Variant, chosen Variant) []string {
	if len(variants) < 2 {
		return chosen.KeyPoints
	}

	type tally struct {
		original string
		count    int
		order    int
	}
	counts := make(map[string]*tally)
	order := 0
	for _, v := range variants {
		seen := make(map[string]bool)
		for _, p := range v.KeyPoints {
			norm := normalizeText(p)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			if t, ok := counts[norm]; ok {
				t.count++
			} else {
				counts[norm] = &tally{original: p, count: 1, order: order}
				order++
			}
		}
	}

	need := len(variants)/2 + 1
	var ordered []*tally
	for _, t := range counts {
		if t.count >= need {
			ordered = append(ordered, t)
		}
	}
	if len(ordered) == 0 {
		return chosen.KeyPoints
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].order < ordered[j-1].order; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	points := make([]string, len(ordered))
	for i, t := range ordered {
		points[i] = t.original
	}
	return points
}

// =============================================================================
// TEXT NORMALIZATION
// =============================================================================

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "with": true,
	"your": true, "you": true, "will": true,
}

// tokenSet lowercases, splits on non-alphanumerics, and drops
// stopwords and single characters.
func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range splitTokens(s) {
		if len(tok) > 1 && !stopwords[tok] {
			set[tok] = true
		}
	}
	return set
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalizeText canonicalizes a key point for cross-variant matching.
func normalizeText(s string) string {
	return strings.Join(splitTokens(s), " ")
}

func normalizedPointSet(points []string) map[string]bool {
	set := make(map[string]bool)
	for _, p := range points {
		if norm := normalizeText(p); norm != "" {
			set[norm] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func dice(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(a)+len(b))
}
