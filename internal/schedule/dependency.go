package schedule

import "strings"

// Part assignment values. Anything else (null, missing, empty) means the job
// has a single part and its stages chain sequentially.
const (
	PartCover = "cover"
	PartText  = "text"
	PartBoth  = "both"
)

// NormalizePart lowercases and trims a part assignment; nil and empty both
// collapse to "" (unassigned).
func NormalizePart(p *string) string {
	if p == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*p))
}

// SharesDependencyGroup reports whether both stages carry the same explicit
// synchronization label. Labels are opaque and compared exactly; empty means
// no label.
func SharesDependencyGroup(a, b *StageInstance) bool {
	ga := normalizeGroup(a.DependencyGroup)
	return ga != "" && ga == normalizeGroup(b.DependencyGroup)
}

// IsBarrier reports whether pred must finish before cand may start. Callers
// guarantee that both stages belong to the same job and that pred's stage
// order is strictly lower than cand's.
//
// Cover and text lineages run in parallel: a cover-only step never waits for
// a text-only step and vice versa, unless a shared dependency group forces
// the barrier anyway.
func IsBarrier(pred, cand *StageInstance) bool {
	if SharesDependencyGroup(pred, cand) {
		return true
	}

	pp := NormalizePart(pred.PartAssignment)
	cp := NormalizePart(cand.PartAssignment)

	switch {
	case pp == PartBoth:
		// Whole-job step feeding every downstream path
		return true
	case cp == PartBoth:
		// Merge point: waits for every upstream path
		return true
	case pp == "" || cp == "":
		// Single-part lineage chains sequentially
		return true
	default:
		return pp == cp
	}
}

// EffectiveOrder returns the sort key for a stage within its job.
func EffectiveOrder(s *StageInstance) int {
	if s.StageOrder == nil {
		return MissingStageOrder
	}
	return *s.StageOrder
}

func normalizeGroup(g *string) string {
	if g == nil {
		return ""
	}
	return strings.TrimSpace(*g)
}
