// Package announcer publishes recorded stage transitions to NATS JetStream so
// downstream consumers (reporting, automation) can react without polling the
// ledger. Publishing is fire-and-forget from the recorder's point of view: a
// committed row whose announcement fails is logged, never rolled back.
package announcer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/utils"
)

// Config holds the announcer's stream settings.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Announcer wraps a NATS JetStream connection for publishing recorded
// transitions.
type Announcer struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
}

// New connects to NATS and ensures the transition stream exists.
func New(ctx context.Context, cfg Config) (*Announcer, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a := &Announcer{
		nc:            nc,
		js:            js,
		subjectPrefix: cfg.SubjectPrefix,
	}

	streamConfig := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
	}
	if err := a.setupStream(ctx, streamConfig); err != nil {
		nc.Close()
		return nil, err
	}

	return a, nil
}

// setupStream ensures the stream exists with the given configuration.
func (a *Announcer) setupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx)

	stream, err := a.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	if stream == nil {
		if _, err := a.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Created stream",
			zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects),
		)
		return nil
	}

	if !utils.StreamConfigEqual(stream.Config, *streamConfig) {
		if _, err := a.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Updated stream",
			zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects),
		)
	} else {
		log.Debug("Stream config unchanged", zap.String("name", streamConfig.Name))
	}
	return nil
}

// AnnounceRecorded publishes a recorded transition to the per-lead subject.
func (a *Announcer) AnnounceRecorded(ctx context.Context, record *model.StageChangeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal transition record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", a.subjectPrefix, record.LeadID)
	if _, err := a.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: failed to publish to subject '%s': %w", apperrors.ErrNATS, subject, err)
	}

	logger.FromContext(ctx).Debug("Announced recorded transition",
		zap.String("subject", subject),
		zap.String("stage_to", record.StageTo),
	)
	return nil
}

// Close drains the connection, flushing pending publishes.
func (a *Announcer) Close() {
	if a.nc != nil && !a.nc.IsClosed() {
		if err := a.nc.Drain(); err != nil {
			logger.Log.Warn("Failed to drain NATS connection", zap.Error(err))
			a.nc.Close()
		}
	}
}
