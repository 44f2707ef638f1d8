package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/config"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/crm"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/dedup"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/reqctx"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/stages"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

// TransitionAnnouncer publishes recorded transitions for downstream
// consumers. A nil announcer disables publishing.
type TransitionAnnouncer interface {
	AnnounceRecorded(ctx context.Context, record *model.StageChangeRecord) error
}

// StageService processes stage-change notifications end to end: dedup check,
// canonical state refresh from the CRM, candidate construction, transactional
// recording, and announcement of recorded transitions.
type StageService struct {
	repo      storage.LedgerRepo
	fetcher   crm.LeadFetcher
	tracker   dedup.RecentDeliveryTracker
	catalog   *stages.Catalog
	enricher  *Enricher
	announcer TransitionAnnouncer
	cfg       *config.Config
}

// NewStageService creates the notification processing service.
func NewStageService(
	repo storage.LedgerRepo,
	fetcher crm.LeadFetcher,
	tracker dedup.RecentDeliveryTracker,
	catalog *stages.Catalog,
	announcer TransitionAnnouncer,
	cfg *config.Config,
) *StageService {
	return &StageService{
		repo:      repo,
		fetcher:   fetcher,
		tracker:   tracker,
		catalog:   catalog,
		enricher:  NewEnricher(catalog),
		announcer: announcer,
		cfg:       cfg,
	}
}

// ProcessNotification handles one webhook notification. The webhook layer has
// already authenticated the request and filtered out irrelevant event types;
// this method owns everything after that. It is safe to call concurrently for
// the same lead: the dedup tracker suppresses rapid duplicates up front and
// the recorder's locking collapses whatever still races through. Suppressed
// deliveries return apperrors.ErrSuppressed so callers can tell them apart
// from processing failures.
func (s *StageService) ProcessNotification(ctx context.Context, payload model.WebhookPayload) error {
	start := time.Now()
	ctx = reqctx.WithLeadID(ctx, payload.LeadID)
	log := logger.FromContext(ctx).With(
		zap.String("lead_id", payload.LeadID),
		zap.String("event", payload.Event),
	)

	eventType, ok := model.MapToBaseEventType(payload.Event)
	if !ok || !eventType.IsStageRelevant() {
		log.Debug("Ignoring notification with non stage-relevant event type")
		observer.IncWebhookFiltered(payload.Event)
		return nil
	}

	suppressed, err := s.tracker.Record(ctx, payload.LeadID, time.Now())
	if err != nil {
		// Dedup is best effort: a broken tracker must not stop processing,
		// the transactional recorder still guarantees correctness.
		log.Warn("Dedup tracker failed, continuing without suppression", zap.Error(err))
	} else if suppressed {
		log.Debug("Suppressing rapid duplicate delivery")
		observer.IncWebhookSuppressed()
		return apperrors.ErrSuppressed
	}

	lead, err := s.fetcher.GetLead(ctx, payload.LeadID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The lead was deleted between the notification and our fetch.
			log.Warn("Lead no longer exists in CRM, nothing to record")
			observer.IncTransitionNoOp()
			return nil
		}
		observer.IncProcessingError()
		return fmt.Errorf("failed to fetch canonical lead state: %w", err)
	}

	if s.catalog.IsPseudoStage(lead.Stage) {
		log.Debug("Ignoring lead in pseudo-stage", zap.String("stage", lead.Stage))
		observer.IncWebhookFiltered(payload.Event)
		return nil
	}
	if lead.Stage == "" {
		log.Warn("Lead has no stage set, nothing to record")
		observer.IncTransitionNoOp()
		return nil
	}

	occurredAt := s.resolveOccurredAt(lead)
	candidate := model.StageChangeRecord{
		LeadID:         payload.LeadID,
		StageTo:        lead.Stage,
		OccurredAt:     occurredAt,
		Origin:         string(eventType),
		IdempotencyKey: buildIdempotencyKey(payload, lead.Stage, occurredAt),
		CampaignID:     lead.CampaignID,
		Channel:        lead.Channel,
		Region:         lead.Region,
		OwnerName:      lead.OwnerName,
	}
	if len(lead.Raw) > 0 {
		candidate.RawSnapshot = datatypes.JSON(lead.Raw)
	}

	record, inserted, err := s.repo.RecordTransition(ctx, candidate, s.enricher.Enrich)
	if err != nil {
		observer.IncProcessingError()
		return fmt.Errorf("failed to record transition for lead %s: %w", payload.LeadID, err)
	}

	if !inserted {
		log.Debug("Stage unchanged or already recorded, no row appended")
		observer.IncTransitionNoOp()
		observer.ObserveProcessingDuration(time.Since(start))
		return nil
	}

	log.Info("Recorded stage transition",
		zap.Stringp("stage_from", record.StageFrom),
		zap.String("stage_to", record.StageTo),
		zap.Bool("forward", record.IsForwardProgression),
	)
	observer.IncTransitionRecorded()

	if s.announcer != nil {
		if pubErr := s.announcer.AnnounceRecorded(ctx, record); pubErr != nil {
			// The row is committed; a failed announcement is degraded
			// observability, not a failed transition.
			log.Warn("Failed to announce recorded transition", zap.Error(pubErr))
		}
	}

	observer.ObserveProcessingDuration(time.Since(start))
	return nil
}

// resolveOccurredAt prefers the CRM snapshot's updated_at as the transition
// time when configured, falling back to processing time when the snapshot
// carries no timestamp or one from the future.
func (s *StageService) resolveOccurredAt(lead *model.Lead) time.Time {
	now := time.Now()
	if !s.cfg.Recorder.PreferSnapshotTime {
		return now
	}
	if lead.UpdatedAt.IsZero() || lead.UpdatedAt.After(now) {
		return now
	}
	return lead.UpdatedAt
}

// buildIdempotencyKey derives a stable key for this transition attempt.
// Redeliveries of the same platform delivery produce the same key, so the
// unique index collapses them even if every other guard misses.
func buildIdempotencyKey(payload model.WebhookPayload, stage string, occurredAt time.Time) string {
	if payload.DeliveryID != "" {
		return fmt.Sprintf("%s:%s:%s", payload.LeadID, stage, payload.DeliveryID)
	}
	return fmt.Sprintf("%s:%s:%d", payload.LeadID, stage, occurredAt.Unix())
}
