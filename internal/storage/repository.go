package storage

import (
	"context"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
)

// EnrichFunc computes derived fields on a candidate transition from the
// lead's recorded history. The history is ordered oldest first and is read
// under the same lock the append commits under, so the enrichment the row
// lands with is consistent with the ledger at commit time.
type EnrichFunc func(history []model.StageChangeRecord, candidate *model.StageChangeRecord)

// LedgerRepo defines stage-change ledger storage operations
type LedgerRepo interface {
	// RecordTransition appends the candidate transition unless the lead's
	// current stage already equals candidate.StageTo. It returns the row the
	// ledger holds after the call and whether this call inserted it.
	RecordTransition(ctx context.Context, candidate model.StageChangeRecord, enrich EnrichFunc) (*model.StageChangeRecord, bool, error)

	FindLatestByLeadID(ctx context.Context, leadID string) (*model.StageChangeRecord, error)
	FindHistoryByLeadID(ctx context.Context, leadID string) ([]model.StageChangeRecord, error)

	Close(ctx context.Context) error
}

// LedgerRepoAdapter adapts the PostgresRepo to the LedgerRepo interface
type LedgerRepoAdapter struct {
	postgres *PostgresRepo
}

// NewLedgerRepoAdapter creates a new ledger repository adapter
func NewLedgerRepoAdapter(postgres *PostgresRepo) LedgerRepo {
	return &LedgerRepoAdapter{postgres: postgres}
}

func (a *LedgerRepoAdapter) RecordTransition(ctx context.Context, candidate model.StageChangeRecord, enrich EnrichFunc) (*model.StageChangeRecord, bool, error) {
	return a.postgres.RecordTransition(ctx, candidate, enrich)
}

func (a *LedgerRepoAdapter) FindLatestByLeadID(ctx context.Context, leadID string) (*model.StageChangeRecord, error) {
	return a.postgres.FindLatestByLeadID(ctx, leadID)
}

func (a *LedgerRepoAdapter) FindHistoryByLeadID(ctx context.Context, leadID string) ([]model.StageChangeRecord, error) {
	return a.postgres.FindHistoryByLeadID(ctx, leadID)
}

func (a *LedgerRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}
