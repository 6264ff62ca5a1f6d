package core

// mapping.go implements the column-mapping recommendation engine.
//
// Matching runs in two passes over the schema's declaration order:
//
//  1. Exact: a target's key or any of its alternatives appears verbatim
//     (case-sensitive) among the source columns. Confidence 1.0. A source
//     column is claimed by at most one target in this pass.
//  2. Approximate: remaining targets are scored against every source column
//     with a case-folded, substring-weighted edit distance. The lowest
//     dissimilarity across a target's candidate names wins; anything above
//     the discard threshold is not a candidate.
//
// Output is deterministic: identical inputs produce identical output,
// relying only on schema declaration order and the caller's source order.

import (
	"strings"

	"github.com/rowforge/importer/internal/schema"
)

// maxDissimilarity is the discard threshold for approximate matches.
const maxDissimilarity = 0.7

// containmentScale flattens the dissimilarity of containment matches: a
// source column that contains (or is contained in) a candidate name is a
// near-certain match, with only the length difference as doubt.
const containmentScale = 1000.0

// RecommendMappings proposes one source column per target column. Targets
// with no exact and no plausible approximate match are emitted with an
// empty SourceColumn and confidence 0.
func RecommendMappings(sourceColumns []string, sch schema.Schema) []Recommendation {
	sources := dedupe(sourceColumns)
	recs := make([]Recommendation, len(sch.Columns))
	matched := make([]bool, len(sch.Columns))

	// Exact pass. Each source column may be claimed once here.
	claimed := make(map[string]bool, len(sources))
	for i, col := range sch.Columns {
		for _, name := range candidateNames(col) {
			if claimed[name] {
				continue
			}
			if containsString(sources, name) {
				recs[i] = Recommendation{TargetColumn: col.Key, SourceColumn: name, Confidence: 1.0}
				matched[i] = true
				claimed[name] = true
				break
			}
		}
	}

	// Approximate pass. Already-claimed sources stay in consideration; a
	// resulting tie is the operator's to resolve at confirmation time.
	for i, col := range sch.Columns {
		if matched[i] {
			continue
		}

		bestSource := ""
		bestScore := 1.0
		found := false
		for _, name := range candidateNames(col) {
			for _, src := range sources {
				score := dissimilarity(src, name)
				if score > maxDissimilarity {
					continue
				}
				if !found || score < bestScore {
					bestSource = src
					bestScore = score
					found = true
				}
			}
		}

		if found {
			recs[i] = Recommendation{TargetColumn: col.Key, SourceColumn: bestSource, Confidence: 1 - bestScore}
		} else {
			recs[i] = Recommendation{TargetColumn: col.Key, SourceColumn: "", Confidence: 0}
		}
	}

	return recs
}

// candidateNames returns the names a target column may appear under in a
// source file: its key followed by its alternatives, in preference order.
func candidateNames(col schema.Column) []string {
	names := make([]string, 0, 1+len(col.KeyAlternatives))
	names = append(names, col.Key)
	names = append(names, col.KeyAlternatives...)
	return names
}

// dissimilarity scores how unlike a source column name and a candidate name
// are, in [0, 1] where 0 is identical. Comparison is case-folded. When one
// name contains the other, only the length difference counts against the
// match; otherwise the edit distance is normalized by the shorter length.
func dissimilarity(source, candidate string) float64 {
	a := strings.ToLower(source)
	b := strings.ToLower(candidate)

	if a == b {
		return 0
	}

	if strings.Contains(a, b) || strings.Contains(b, a) {
		diff := abs(len([]rune(a)) - len([]rune(b)))
		return float64(diff) / (float64(diff) + containmentScale)
	}

	shorter := min(len([]rune(a)), len([]rune(b)))
	if shorter == 0 {
		return 1
	}
	score := float64(levenshtein(a, b)) / float64(shorter)
	if score > 1 {
		score = 1
	}
	return score
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming form.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// dedupe removes duplicate column names, preserving first-seen order.
func dedupe(columns []string) []string {
	seen := make(map[string]bool, len(columns))
	result := make([]string, 0, len(columns))
	for _, c := range columns {
		if !seen[c] {
			seen[c] = true
			result = append(result, c)
		}
	}
	return result
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
