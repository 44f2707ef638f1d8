package mock

import (
	"context"

	"github.com/stretchr/testify/mock"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/storage"
)

// --- LedgerRepo Mock ---

// LedgerRepoMock mocks the LedgerRepo interface
type LedgerRepoMock struct {
	mock.Mock
}

// RecordTransition mocks the RecordTransition method
func (m *LedgerRepoMock) RecordTransition(ctx context.Context, candidate model.StageChangeRecord, enrich storage.EnrichFunc) (*model.StageChangeRecord, bool, error) {
	args := m.Called(ctx, candidate, enrich)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.StageChangeRecord), args.Bool(1), args.Error(2)
}

// FindLatestByLeadID mocks the FindLatestByLeadID method
func (m *LedgerRepoMock) FindLatestByLeadID(ctx context.Context, leadID string) (*model.StageChangeRecord, error) {
	args := m.Called(ctx, leadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StageChangeRecord), args.Error(1)
}

// FindHistoryByLeadID mocks the FindHistoryByLeadID method
func (m *LedgerRepoMock) FindHistoryByLeadID(ctx context.Context, leadID string) ([]model.StageChangeRecord, error) {
	args := m.Called(ctx, leadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.StageChangeRecord), args.Error(1)
}

// Close mocks the Close method
func (m *LedgerRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
