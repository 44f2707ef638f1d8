// Package webhook implements the HTTP intake for CRM stage-change
// notifications: signature verification, payload validation, event-type
// filtering, and hand-off to the worker pool. The processing outcome is
// deliberately decoupled from the HTTP response; the platform gets a 202 the
// moment a task is queued.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/config"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/reqctx"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/usecase"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/validator"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/utils"
)

// ackResponse is the body returned for every handled webhook request.
type ackResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler accepts CRM webhook posts and queues stage tasks.
type Handler struct {
	worker       usecase.IStageWorker
	secret       string
	maxBodyBytes int64
	baseLogger   *zap.Logger
}

// NewHandler creates the webhook intake handler.
func NewHandler(cfg *config.Config, worker usecase.IStageWorker, baseLogger *zap.Logger) *Handler {
	return &Handler{
		worker:       worker,
		secret:       cfg.Webhook.Secret,
		maxBodyBytes: cfg.Webhook.MaxBodyBytes,
		baseLogger:   baseLogger.Named("webhook"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		utils.WriteJSONResponse(w, http.StatusMethodNotAllowed, ackResponse{Status: "error", Detail: "method not allowed"})
		return
	}

	requestID := uuid.New().String()
	log := h.baseLogger.With(zap.String("request_id", requestID))

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		log.Warn("Failed to read webhook body", zap.Error(err))
		utils.WriteJSONResponse(w, http.StatusBadRequest, ackResponse{Status: "error", Detail: "unreadable body"})
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		log.Warn("Webhook body exceeds limit", zap.String("limit", utils.ByteCountSI(int(h.maxBodyBytes))))
		observer.IncWebhookRejected()
		utils.WriteJSONResponse(w, http.StatusRequestEntityTooLarge, ackResponse{Status: "error", Detail: "payload too large"})
		return
	}

	// Authenticate before parsing anything out of the body.
	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		log.Warn("Rejected webhook with bad signature", zap.String("remote_addr", r.RemoteAddr))
		observer.IncWebhookRejected()
		utils.WriteJSONResponse(w, http.StatusUnauthorized, ackResponse{Status: "error", Detail: "invalid signature"})
		return
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("Failed to decode webhook payload", zap.Error(err))
		utils.WriteJSONResponse(w, http.StatusBadRequest, ackResponse{Status: "error", Detail: "malformed payload"})
		return
	}
	if err := validator.Validate(payload); err != nil {
		err = fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		log.Warn("Webhook payload failed validation", zap.Error(err))
		utils.WriteJSONResponse(w, http.StatusBadRequest, ackResponse{Status: "error", Detail: err.Error()})
		return
	}

	log = log.With(
		zap.String("event", payload.Event),
		zap.String("lead_id", payload.LeadID),
		zap.String("delivery_id", payload.DeliveryID),
	)
	observer.IncWebhookReceived(payload.Event)

	// Filter on the event type tag alone; no lead data is fetched for
	// notifications the engine does not track.
	eventType, ok := model.MapToBaseEventType(payload.Event)
	if !ok || !eventType.IsStageRelevant() {
		log.Debug("Ignoring non stage-relevant event type")
		observer.IncWebhookFiltered(payload.Event)
		utils.WriteJSONResponse(w, http.StatusOK, ackResponse{Status: "ignored"})
		return
	}

	// The task outlives this request, so it gets its own context carrying the
	// request identity for log correlation.
	taskCtx := reqctx.WithRequestID(context.Background(), requestID)
	taskCtx = reqctx.WithDeliveryID(taskCtx, payload.DeliveryID)
	taskCtx = logger.WithLogger(taskCtx, log)

	if err := h.worker.SubmitTask(usecase.StageTaskData{Ctx: taskCtx, Payload: payload}); err != nil {
		log.Error("Failed to queue stage task", zap.Error(err))
		observer.IncProcessingError()
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, ackResponse{Status: "error", Detail: "queue full"})
		return
	}

	utils.WriteJSONResponse(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
