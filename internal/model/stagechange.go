package model

import (
	"time"

	"gorm.io/datatypes"
)

// StageChangeRecord is one row of the append-only stage-transition ledger.
// Rows are created exactly once by the transition recorder, enriched before
// commit, and never updated afterwards.
//
// Column widths for upstream-sourced text are deliberately generous: the CRM
// platform gives no contractual bound on stage labels or origin tags, and an
// oversized value must widen here rather than fail or get truncated in
// application code.
type StageChangeRecord struct {
	// ID is the internal database primary key.
	ID int64 `json:"-" gorm:"primaryKey;autoIncrement"`
	// LeadID identifies the tracked CRM lead, stable across its lifetime.
	LeadID string `json:"lead_id" gorm:"column:lead_id;index;type:varchar(64)" validate:"required"`
	// StageFrom is the prior stage label; nil on the first recorded stage.
	StageFrom *string `json:"stage_from,omitempty" gorm:"column:stage_from;type:varchar(255)"`
	// StageTo is the new stage label.
	StageTo string `json:"stage_to" gorm:"column:stage_to;type:varchar(255)" validate:"required"`
	// OccurredAt is when the real-world change happened, from the CRM snapshot
	// when available, otherwise processing time.
	OccurredAt time.Time `json:"occurred_at" gorm:"column:occurred_at;index"`
	// RecordedAt is when the engine persisted the row.
	RecordedAt time.Time `json:"recorded_at" gorm:"column:recorded_at;autoCreateTime"`
	// Origin tags which notification type or batch process produced the row.
	Origin string `json:"origin" gorm:"column:origin;type:varchar(255)"`
	// IdempotencyKey makes the insert safe under redelivery; unique per
	// (lead, transition, attempt).
	IdempotencyKey string `json:"idempotency_key" gorm:"column:idempotency_key;uniqueIndex;type:varchar(128)" validate:"required"`

	// Attribution fields, copied from canonical lead state at transition time.
	CampaignID string `json:"campaign_id,omitempty" gorm:"column:campaign_id;type:varchar(255)"`
	Channel    string `json:"channel,omitempty" gorm:"column:channel;type:varchar(255)"`
	Region     string `json:"region,omitempty" gorm:"column:region;type:varchar(255)"`
	OwnerName  string `json:"owner_name,omitempty" gorm:"column:owner_name;type:varchar(255)"`

	// Dwell metrics for the prior stage; all nil when StageFrom is nil.
	TimeInPrevStageDays    *float64 `json:"time_in_prev_stage_days,omitempty" gorm:"column:time_in_prev_stage_days"`
	TimeInPrevStageHours   *int     `json:"time_in_prev_stage_hours,omitempty" gorm:"column:time_in_prev_stage_hours"`
	TimeInPrevStageMinutes *int     `json:"time_in_prev_stage_minutes,omitempty" gorm:"column:time_in_prev_stage_minutes"`

	// Progression classification against the canonical stage ordering.
	StageRankFrom        *int `json:"stage_rank_from,omitempty" gorm:"column:stage_rank_from"`
	StageRankTo          int  `json:"stage_rank_to" gorm:"column:stage_rank_to"`
	IsForwardProgression bool `json:"is_forward_progression" gorm:"column:is_forward_progression"`

	// RawSnapshot is the full canonical lead payload at transition time, kept
	// for audit only.
	RawSnapshot datatypes.JSON `json:"raw_snapshot,omitempty" gorm:"type:jsonb;column:raw_snapshot"`
}

// TableName specifies the table name for the StageChangeRecord model.
func (StageChangeRecord) TableName() string {
	return "stage_changes"
}
