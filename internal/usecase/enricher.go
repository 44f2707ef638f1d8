package usecase

import (
	"time"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/stages"
)

// Enricher computes the derived fields of a transition candidate: dwell time
// in the prior stage and forward/backward classification against the stage
// catalog. It is pure computation over the locked ledger history, so the
// recorder can run it inside the append transaction.
type Enricher struct {
	catalog *stages.Catalog
}

// NewEnricher creates an Enricher over the given stage catalog.
func NewEnricher(catalog *stages.Catalog) *Enricher {
	return &Enricher{catalog: catalog}
}

// Enrich fills the dwell and progression fields of the candidate in place.
// history is the lead's recorded transitions, oldest first, and StageFrom is
// already set by the recorder. It satisfies storage.EnrichFunc.
func (e *Enricher) Enrich(history []model.StageChangeRecord, candidate *model.StageChangeRecord) {
	rankTo, _ := e.catalog.Rank(candidate.StageTo)
	candidate.StageRankTo = rankTo

	if candidate.StageFrom == nil {
		// First observed stage: no prior stage, no dwell, nothing to compare.
		candidate.IsForwardProgression = false
		return
	}

	rankFrom, _ := e.catalog.Rank(*candidate.StageFrom)
	candidate.StageRankFrom = &rankFrom
	candidate.IsForwardProgression = e.catalog.IsForward(*candidate.StageFrom, candidate.StageTo)

	enteredAt, ok := stageEnteredAt(history, *candidate.StageFrom)
	if !ok {
		return
	}
	dwell := candidate.OccurredAt.Sub(enteredAt)
	if dwell < 0 {
		// Out-of-order timestamps from the CRM; report zero rather than a
		// negative dwell.
		dwell = 0
	}

	days := dwell.Hours() / 24
	hours := int(dwell.Hours())
	minutes := int(dwell.Minutes()) % 60
	candidate.TimeInPrevStageDays = &days
	candidate.TimeInPrevStageHours = &hours
	candidate.TimeInPrevStageMinutes = &minutes
}

// stageEnteredAt finds when the lead most recently entered the given stage,
// scanning the history newest first so re-entered stages count from the
// latest entry.
func stageEnteredAt(history []model.StageChangeRecord, stage string) (time.Time, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].StageTo == stage {
			return history[i].OccurredAt, true
		}
	}
	return time.Time{}, false
}
