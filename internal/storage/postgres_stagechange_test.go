package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
)

const (
	testLeadID = "lead-42"

	lockSQL         = `SELECT pg_advisory_xact_lock(hashtext($1))`
	selectLatestSQL = `SELECT * FROM "stage_changes" WHERE lead_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2 FOR UPDATE`
	selectHistSQL   = `SELECT * FROM "stage_changes" WHERE lead_id = $1 ORDER BY occurred_at ASC, id ASC`
	insertSQL       = `INSERT INTO "stage_changes" ("lead_id","stage_from","stage_to","occurred_at","recorded_at","origin","idempotency_key","campaign_id","channel","region","owner_name","time_in_prev_stage_days","time_in_prev_stage_hours","time_in_prev_stage_minutes","stage_rank_from","stage_rank_to","is_forward_progression","raw_snapshot") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) ON CONFLICT ("idempotency_key") DO NOTHING RETURNING "id"`
)

func ledgerColumns() []string {
	return []string{"id", "lead_id", "stage_from", "stage_to", "occurred_at", "recorded_at", "origin", "idempotency_key", "stage_rank_to"}
}

func TestPostgresRepo_RecordTransition_Insert(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	now := time.Now()
	prevAt := now.Add(-3 * time.Hour)
	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        "qualified",
		OccurredAt:     now,
		Origin:         "v1.leads.stage_changed",
		IdempotencyKey: "lead-42:qualified:abc",
		CampaignID:     "camp-1",
		Channel:        "paid_social",
		RawSnapshot:    datatypes.JSON([]byte(`{"id":"42","status":"qualified"}`)),
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	latestRows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(7), testLeadID, nil, "contacted", prevAt, prevAt, "v1.leads.stage_changed", "lead-42:contacted:prev", 1)
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnRows(latestRows)
	histRows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(7), testLeadID, nil, "contacted", prevAt, prevAt, "v1.leads.stage_changed", "lead-42:contacted:prev", 1)
	mock.ExpectQuery(selectHistSQL).WithArgs(testLeadID).WillReturnRows(histRows)
	mock.ExpectQuery(insertSQL).
		WithArgs(
			testLeadID, "contacted", "qualified", AnyTime{}, AnyTime{}, "v1.leads.stage_changed",
			"lead-42:qualified:abc", "camp-1", "paid_social", "", "",
			0.125, 3, 0, 1, 2, true, AnyJSON{},
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectCommit()

	var enrichedFrom *string
	enrich := func(history []model.StageChangeRecord, c *model.StageChangeRecord) {
		require.Len(t, history, 1)
		assert.Equal(t, "contacted", history[0].StageTo)
		enrichedFrom = c.StageFrom

		days := 0.125
		hours := 3
		minutes := 0
		rankFrom := 1
		c.TimeInPrevStageDays = &days
		c.TimeInPrevStageHours = &hours
		c.TimeInPrevStageMinutes = &minutes
		c.StageRankFrom = &rankFrom
		c.StageRankTo = 2
		c.IsForwardProgression = true
	}

	record, inserted, err := repo.RecordTransition(ctx, candidate, enrich)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NotNil(t, record)
	require.NotNil(t, enrichedFrom)
	assert.Equal(t, "contacted", *enrichedFrom)
	assert.Equal(t, "qualified", record.StageTo)
	assert.True(t, record.IsForwardProgression)
}

func TestPostgresRepo_RecordTransition_NoopWhenStageUnchanged(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	now := time.Now()
	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        "qualified",
		OccurredAt:     now,
		IdempotencyKey: "lead-42:qualified:redelivery",
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	latestRows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(9), testLeadID, "contacted", "qualified", now.Add(-time.Minute), now.Add(-time.Minute), "v1.leads.stage_changed", "lead-42:qualified:abc", 2)
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnRows(latestRows)
	mock.ExpectCommit()

	enrichCalled := false
	record, inserted, err := repo.RecordTransition(ctx, candidate, func(history []model.StageChangeRecord, c *model.StageChangeRecord) {
		enrichCalled = true
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.False(t, enrichCalled)
	require.NotNil(t, record)
	assert.Equal(t, int64(9), record.ID)
	assert.Equal(t, "qualified", record.StageTo)
}

func TestPostgresRepo_RecordTransition_NoopWhenStageCaseFlips(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	// The CRM is not consistent about label casing; "Qualified" and
	// "qualified" are the same stage and must not produce a new row.
	now := time.Now()
	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        "qualified",
		OccurredAt:     now,
		IdempotencyKey: "lead-42:qualified:caseflip",
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	latestRows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(11), testLeadID, "contacted", "Qualified", now.Add(-time.Hour), now.Add(-time.Hour), "v1.leads.stage_changed", "lead-42:Qualified:abc", 2)
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnRows(latestRows)
	mock.ExpectCommit()

	record, inserted, err := repo.RecordTransition(ctx, candidate, nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NotNil(t, record)
	assert.Equal(t, "Qualified", record.StageTo)
}

func TestPostgresRepo_RecordTransition_FirstObservedStage(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        "new",
		OccurredAt:     time.Now(),
		Origin:         "v1.leads.created",
		IdempotencyKey: "lead-42:new:first",
		StageRankTo:    0,
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(insertSQL).
		WithArgs(
			testLeadID, nil, "new", AnyTime{}, AnyTime{}, "v1.leads.created",
			"lead-42:new:first", "", "", "", "",
			nil, nil, nil, nil, 0, false, AnyJSON{},
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	record, inserted, err := repo.RecordTransition(ctx, candidate, func(history []model.StageChangeRecord, c *model.StageChangeRecord) {
		// First observed stage has no history and no prior stage.
		assert.Empty(t, history)
		assert.Nil(t, c.StageFrom)
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NotNil(t, record)
	assert.Nil(t, record.StageFrom)
}

func TestPostgresRepo_RecordTransition_GenerousFieldWidths(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	// Upstream gives no length contract on stage labels or origin tags; the
	// columns absorb them whole, no application-side truncation.
	longStage := strings.Repeat("s", 150)
	longOrigin := strings.Repeat("o", 80)
	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        longStage,
		OccurredAt:     time.Now(),
		Origin:         longOrigin,
		IdempotencyKey: "lead-42:long:wide",
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectQuery(insertSQL).
		WithArgs(
			testLeadID, nil, longStage, AnyTime{}, AnyTime{}, longOrigin,
			"lead-42:long:wide", "", "", "", "",
			nil, nil, nil, nil, 0, false, AnyJSON{},
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	record, inserted, err := repo.RecordTransition(ctx, candidate, nil)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, longStage, record.StageTo)
	assert.Equal(t, longOrigin, record.Origin)
}

func TestPostgresRepo_RecordTransition_IdempotencyKeyConflict(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	candidate := model.StageChangeRecord{
		LeadID:         testLeadID,
		StageTo:        "proposal",
		OccurredAt:     time.Now(),
		IdempotencyKey: "lead-42:proposal:dup",
	}

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs(testLeadID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnError(gorm.ErrRecordNotFound)
	// DO NOTHING hit: the insert returns no rows.
	mock.ExpectQuery(insertSQL).
		WithArgs(
			testLeadID, nil, "proposal", AnyTime{}, AnyTime{}, "",
			"lead-42:proposal:dup", "", "", "", "",
			nil, nil, nil, nil, 0, false, AnyJSON{},
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	record, inserted, err := repo.RecordTransition(ctx, candidate, nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Nil(t, record)
}

func TestPostgresRepo_RecordTransition_Validation(t *testing.T) {
	repo, _, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	_, _, err := repo.RecordTransition(ctx, model.StageChangeRecord{StageTo: "new", IdempotencyKey: "k"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, _, err = repo.RecordTransition(ctx, model.StageChangeRecord{LeadID: testLeadID, StageTo: "new"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPostgresRepo_FindLatestByLeadID(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(3), testLeadID, "new", "contacted", now, now, "v1.leads.stage_changed", "lead-42:contacted:xyz", 1)
	mock.ExpectQuery(selectLatestSQL).WithArgs(testLeadID, 1).WillReturnRows(rows)

	record, err := repo.FindLatestByLeadID(ctx, testLeadID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", record.StageTo)
	require.NotNil(t, record.StageFrom)
	assert.Equal(t, "new", *record.StageFrom)
}

func TestPostgresRepo_FindLatestByLeadID_NotFound(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	mock.ExpectQuery(selectLatestSQL).WithArgs("lead-unknown", 1).WillReturnError(gorm.ErrRecordNotFound)

	record, err := repo.FindLatestByLeadID(ctx, "lead-unknown")
	assert.Nil(t, record)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgresRepo_FindHistoryByLeadID(t *testing.T) {
	repo, mock, teardown := newMockRepo(t)
	defer teardown()
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows(ledgerColumns()).
		AddRow(int64(1), testLeadID, nil, "new", now.Add(-2*time.Hour), now.Add(-2*time.Hour), "v1.leads.created", "k1", 0).
		AddRow(int64(2), testLeadID, "new", "contacted", now, now, "v1.leads.stage_changed", "k2", 1)
	mock.ExpectQuery(selectHistSQL).WithArgs(testLeadID).WillReturnRows(rows)

	history, err := repo.FindHistoryByLeadID(ctx, testLeadID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "new", history[0].StageTo)
	assert.Equal(t, "contacted", history[1].StageTo)
}
