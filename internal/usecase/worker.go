package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/config"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

// StageTaskData holds the necessary data for one notification processing task.
type StageTaskData struct {
	Ctx     context.Context // Context derived for the task, NOT the original request context
	Payload model.WebhookPayload
}

// IStageWorker defines the interface for the stage-processing worker pool.
type IStageWorker interface {
	SubmitTask(taskData StageTaskData) error
	Stop()
}

// StageWorker manages the worker pool that processes accepted webhook
// notifications off the request path. The webhook handler acknowledges with
// 202 once a task is queued; everything after that happens here.
type StageWorker struct {
	pool       *ants.PoolWithFunc
	service    *StageService
	cfg        config.StageWorkerPoolConfig
	baseLogger *zap.Logger
}

// Ensure StageWorker implements IStageWorker
var _ IStageWorker = (*StageWorker)(nil)

// NewStageWorker creates and initializes the stage-processing worker pool.
func NewStageWorker(cfg config.StageWorkerPoolConfig, service *StageService, baseLogger *zap.Logger) (*StageWorker, error) {
	worker := &StageWorker{
		service:    service,
		cfg:        cfg,
		baseLogger: baseLogger.Named("stage_worker"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		taskData, ok := i.(StageTaskData)
		if !ok {
			worker.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		worker.processStageTask(taskData)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			worker.baseLogger.Error("Panic recovered in stage worker", zap.Any("panic_error", err), zap.Stack("stack"))
			observer.IncProcessingError()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage worker pool: %w", err)
	}
	worker.pool = pool
	worker.baseLogger.Info("Stage worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
		zap.Duration("max_block_time", cfg.MaxBlock),
	)
	return worker, nil
}

// SubmitTask submits a notification processing task to the worker pool.
func (w *StageWorker) SubmitTask(taskData StageTaskData) error {
	start := time.Now()
	observer.SetWorkerQueueLength(w.pool.Waiting())

	err := w.pool.Invoke(taskData)
	duration := time.Since(start)

	if err != nil {
		w.baseLogger.Warn("Failed to submit stage task to pool",
			zap.String("lead_id", taskData.Payload.LeadID),
			zap.String("event", taskData.Payload.Event),
			zap.Duration("submit_duration", duration),
			zap.Error(err),
		)
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("stage worker pool overload: %w", err)
		}
		return fmt.Errorf("failed to invoke stage task: %w", err)
	}

	w.baseLogger.Debug("Submitted stage task",
		zap.String("lead_id", taskData.Payload.LeadID),
		zap.Duration("submit_duration", duration),
	)
	return nil
}

// processStageTask is the logic executed by a worker goroutine.
func (w *StageWorker) processStageTask(taskData StageTaskData) {
	log := logger.FromContextOr(taskData.Ctx, w.baseLogger).With(
		zap.String("task_lead_id", taskData.Payload.LeadID),
	)
	log.Debug("Processing stage task")

	if err := w.service.ProcessNotification(taskData.Ctx, taskData.Payload); err != nil {
		if apperrors.IsSuppressedError(err) {
			// Expected outcome for duplicate deliveries, not a failure.
			log.Debug("Duplicate delivery suppressed")
			return
		}
		// Errors here already incremented the processing-error counters; the
		// platform got its 202 long ago, so all that is left is the log.
		log.Error("Stage task processing failed", zap.Error(err))
	}
}

// Stop gracefully shuts down the worker pool.
func (w *StageWorker) Stop() {
	w.baseLogger.Info("Stopping stage worker pool...")
	w.pool.Release()
	w.baseLogger.Info("Stage worker pool stopped")
}
