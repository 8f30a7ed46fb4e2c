package store

import (
	"sort"
	"strings"

	"mnemo/internal/types"
)

func sortFactsBySimilarity(facts []types.ExtractedFact) {
	sort.Slice(facts, func(i, j int) bool { return facts[i].Similarity > facts[j].Similarity })
}

func sortFactsByImportance(facts []types.ExtractedFact) {
	sort.Slice(facts, func(i, j int) bool { return facts[i].Importance > facts[j].Importance })
}

// isUniqueViolation recognizes a primary-key conflict from the embedded
// driver. The Postgres driver inspects pgconn error codes instead.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
