package engine

import (
	"sort"
	"strings"
)

// termMappings translates everyday phrasing into the vocabulary ordinances
// actually use, so the embedded query lands closer to the relevant sections.
var termMappings = map[string][]string{
	"shed":          {"accessory structure", "accessory building", "outbuilding"},
	"barn":          {"agricultural structure", "farm building", "accessory structure"},
	"garage":        {"accessory structure", "vehicle storage", "carport"},
	"pool":          {"swimming pool", "recreational facility"},
	"fence":         {"fencing", "enclosure", "barrier"},
	"chickens":      {"poultry", "fowl", "domestic fowl"},
	"horses":        {"equine", "livestock", "large animals"},
	"cows":          {"cattle", "bovine", "livestock"},
	"pigs":          {"swine", "hogs", "livestock"},
	"bees":          {"beekeeping", "apiary"},
	"setback":       {"yard requirement", "minimum distance"},
	"property line": {"lot line", "boundary"},
	"how far":       {"setback", "minimum distance", "required distance"},
	"permit":        {"approval", "authorization", "certificate"},
	"allowed":       {"permitted", "permissible"},
	"can i":         {"permitted", "allowed"},
	"do i need":     {"required", "shall"},
	"build":         {"construct", "erect", "establish"},
	"acre":          {"acreage", "lot size", "parcel size"},
}

// ExpandQuery appends ordinance-vocabulary synonyms for any recognized terms
// in the question. The original question always comes first so its wording
// dominates the embedding.
func ExpandQuery(question string) string {
	lower := strings.ToLower(question)

	var extra []string
	seen := make(map[string]bool)
	for term, synonyms := range termMappings {
		if !strings.Contains(lower, term) {
			continue
		}
		for _, syn := range synonyms {
			if !seen[syn] && !strings.Contains(lower, syn) {
				seen[syn] = true
				extra = append(extra, syn)
			}
		}
	}
	if len(extra) == 0 {
		return question
	}
	// Map iteration order is random; keep the expansion deterministic.
	sort.Strings(extra)
	return question + " (" + strings.Join(extra, ", ") + ")"
}
