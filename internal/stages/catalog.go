package stages

import (
	"strings"
)

// Catalog holds the canonical pipeline stage ordering and the designated
// non-tracked pseudo-stage. Stage labels are matched case-insensitively after
// trimming, since the CRM platform is not consistent about either.
type Catalog struct {
	ranks       map[string]int
	order       []string
	pseudoStage string
	sentinel    int
}

// NewCatalog builds a catalog from the canonical ordering, first entry being
// the earliest stage (rank 0). Unknown stages resolve to a sentinel rank
// greater than every known rank.
func NewCatalog(order []string, pseudoStage string) *Catalog {
	ranks := make(map[string]int, len(order))
	normalized := make([]string, 0, len(order))
	for i, stage := range order {
		key := normalize(stage)
		if key == "" {
			continue
		}
		ranks[key] = i
		normalized = append(normalized, key)
	}
	return &Catalog{
		ranks:       ranks,
		order:       normalized,
		pseudoStage: normalize(pseudoStage),
		sentinel:    len(order),
	}
}

func normalize(stage string) string {
	return strings.ToLower(strings.TrimSpace(stage))
}

// Rank returns the ordinal position of a stage in the canonical sequence and
// whether the stage is known. Unknown stages get the sentinel rank.
func (c *Catalog) Rank(stage string) (int, bool) {
	rank, ok := c.ranks[normalize(stage)]
	if !ok {
		return c.sentinel, false
	}
	return rank, true
}

// SentinelRank is the rank assigned to stages outside the canonical sequence.
// It is greater than all known ranks.
func (c *Catalog) SentinelRank() int {
	return c.sentinel
}

// IsPseudoStage reports whether the stage is the designated non-tracked
// pseudo-stage; transitions into it never produce a ledger row.
func (c *Catalog) IsPseudoStage(stage string) bool {
	return c.pseudoStage != "" && normalize(stage) == c.pseudoStage
}

// IsForward classifies a transition as forward progression. A transition
// touching an unknown (sentinel-ranked) stage on either side is never forward:
// the sentinel is numerically greater than every known rank, so without this
// rule a move into an unrecognized stage would masquerade as progress.
func (c *Catalog) IsForward(stageFrom, stageTo string) bool {
	rankFrom, fromKnown := c.Rank(stageFrom)
	rankTo, toKnown := c.Rank(stageTo)
	if !fromKnown || !toKnown {
		return false
	}
	return rankTo > rankFrom
}
