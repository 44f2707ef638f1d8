package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/utils"
)

// Test data factories. Production code never calls these; they live outside
// _test.go files so tests across packages can share them.

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

var factoryStages = []string{"new", "contacted", "qualified", "demo_scheduled", "proposal", "negotiation", "closed_won"}

// NewFakeWebhookPayload creates a WebhookPayload with default fake data.
func NewFakeWebhookPayload(overrideDefaults ...*WebhookPayload) *WebhookPayload {
	base := &WebhookPayload{
		Event:      "v1.leads.stage_changed",
		LeadID:     gofakeit.UUID(),
		DeliveryID: gofakeit.UUID(),
		AccountID:  "acc_" + gofakeit.LetterN(8),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.Event != "" {
			base.Event = ovr.Event
		}
		if ovr.LeadID != "" {
			base.LeadID = ovr.LeadID
		}
		if ovr.DeliveryID != "" {
			base.DeliveryID = ovr.DeliveryID
		}
		if ovr.AccountID != "" {
			base.AccountID = ovr.AccountID
		}
	}
	return base
}

// NewFakeLead creates a Lead snapshot with default fake data, including a
// consistent Raw body.
func NewFakeLead(overrideDefaults ...*Lead) *Lead {
	base := &Lead{
		ID:         gofakeit.UUID(),
		Stage:      gofakeit.RandomString(factoryStages),
		Name:       gofakeit.Name(),
		Tags:       []string{gofakeit.Word(), gofakeit.Word()},
		CampaignID: "camp_" + gofakeit.LetterN(6),
		Channel:    gofakeit.RandomString([]string{"paid_social", "organic", "referral", "email"}),
		Region:     gofakeit.Country(),
		OwnerName:  gofakeit.Username(),
		UpdatedAt:  utils.Now().Add(-time.Duration(gofakeit.Number(1, 72)) * time.Hour),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Stage != "" {
			base.Stage = ovr.Stage
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.CampaignID != "" {
			base.CampaignID = ovr.CampaignID
		}
		if ovr.Channel != "" {
			base.Channel = ovr.Channel
		}
		if ovr.Region != "" {
			base.Region = ovr.Region
		}
		if ovr.OwnerName != "" {
			base.OwnerName = ovr.OwnerName
		}
		if !ovr.UpdatedAt.IsZero() {
			base.UpdatedAt = ovr.UpdatedAt
		}
		if len(ovr.Tags) > 0 {
			base.Tags = ovr.Tags
		}
	}

	base.Raw = utils.MustMarshalJSON(map[string]interface{}{
		"id":          base.ID,
		"status":      base.Stage,
		"name":        base.Name,
		"tags":        base.Tags,
		"campaign_id": base.CampaignID,
		"channel":     base.Channel,
		"region":      base.Region,
		"owner_name":  base.OwnerName,
		"updated_at":  base.UpdatedAt.Unix(),
	})
	return base
}

// NewFakeStageChangeRecord creates a ledger row with default fake data.
func NewFakeStageChangeRecord(overrideDefaults ...*StageChangeRecord) *StageChangeRecord {
	stageIdx := gofakeit.Number(1, len(factoryStages)-1)
	from := factoryStages[stageIdx-1]
	occurredAt := utils.Now().Add(-time.Duration(gofakeit.Number(1, 200)) * time.Hour)

	base := &StageChangeRecord{
		LeadID:         gofakeit.UUID(),
		StageFrom:      &from,
		StageTo:        factoryStages[stageIdx],
		OccurredAt:     occurredAt,
		RecordedAt:     occurredAt.Add(time.Duration(gofakeit.Number(1, 30)) * time.Second),
		Origin:         string(V1LeadStageChanged),
		IdempotencyKey: gofakeit.UUID(),
		CampaignID:     "camp_" + gofakeit.LetterN(6),
		Channel:        gofakeit.RandomString([]string{"paid_social", "organic", "referral"}),
		Region:         gofakeit.Country(),
		OwnerName:      gofakeit.Username(),
		StageRankTo:    stageIdx,
	}
	rankFrom := stageIdx - 1
	base.StageRankFrom = &rankFrom
	base.IsForwardProgression = true
	base.RawSnapshot = datatypes.JSON([]byte(`{"status":"` + base.StageTo + `"}`))

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.LeadID != "" {
			base.LeadID = ovr.LeadID
		}
		if ovr.StageFrom != nil {
			base.StageFrom = ovr.StageFrom
		}
		if ovr.StageTo != "" {
			base.StageTo = ovr.StageTo
		}
		if !ovr.OccurredAt.IsZero() {
			base.OccurredAt = ovr.OccurredAt
		}
		if ovr.IdempotencyKey != "" {
			base.IdempotencyKey = ovr.IdempotencyKey
		}
	}
	return base
}
