package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

// --- Retry Logic Configuration ---
const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second  // More aggressive for reads
	commitRetryMaxElapsedTime   = 15 * time.Second // More tolerant for commits
)

// PostgresRepo implements the stage-change ledger repository
type PostgresRepo struct {
	db *gorm.DB
}

// createStageChangesSQL is the explicit DDL for the ledger table. Column
// widths for upstream-sourced text are sized with headroom on purpose: the CRM
// platform gives no contractual bound on stage labels or origin tags, and the
// original failure mode this service replaces was runtime truncation.
const createStageChangesSQL = `
CREATE TABLE IF NOT EXISTS stage_changes (
	id BIGSERIAL PRIMARY KEY,
	lead_id VARCHAR(64) NOT NULL,
	stage_from VARCHAR(255),
	stage_to VARCHAR(255) NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	origin VARCHAR(255),
	idempotency_key VARCHAR(128) NOT NULL,
	campaign_id VARCHAR(255),
	channel VARCHAR(255),
	region VARCHAR(255),
	owner_name VARCHAR(255),
	time_in_prev_stage_days DOUBLE PRECISION,
	time_in_prev_stage_hours INTEGER,
	time_in_prev_stage_minutes INTEGER,
	stage_rank_from INTEGER,
	stage_rank_to INTEGER NOT NULL DEFAULT 0,
	is_forward_progression BOOLEAN NOT NULL DEFAULT FALSE,
	raw_snapshot JSONB
);`

// NewPostgresRepo creates a new Postgres repository and initializes the schema
func NewPostgresRepo(dsn string, autoMigrate bool) (*PostgresRepo, error) {
	// Retry connecting to postgres
	operationConnect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to postgres (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}

	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	db, err := backoff.RetryNotifyWithData(operationConnect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	// Ensure the ledger table exists with its explicit, generously-sized DDL
	if err := ensureTableExists(db, "stage_changes", createStageChangesSQL); err != nil {
		closeDB(db)
		return nil, err
	}

	// Add indexes separately after ensuring the table exists. AutoMigrate might
	// handle these later, but adding manually ensures they exist even if
	// AutoMigrate is off.
	indexes := map[string]string{
		"idx_stage_changes_lead_id":     `CREATE INDEX IF NOT EXISTS idx_stage_changes_lead_id ON stage_changes (lead_id)`,
		"idx_stage_changes_occurred_at": `CREATE INDEX IF NOT EXISTS idx_stage_changes_occurred_at ON stage_changes (occurred_at)`,
		// The idempotency backstop: a redelivered notification inserting the
		// same key again must collapse to a no-op, never a second row.
		"uq_stage_changes_idempotency_key": `CREATE UNIQUE INDEX IF NOT EXISTS uq_stage_changes_idempotency_key ON stage_changes (idempotency_key)`,
	}
	for indexName, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			logger.Log.Warn("Failed to create index", zap.String("indexName", indexName), zap.Error(err))
		}
	}

	if autoMigrate {
		logger.Log.Info("Running auto-migration for ledger schema")
		if err := db.AutoMigrate(&model.StageChangeRecord{}); err != nil {
			// Log migration errors but don't necessarily fail startup
			logger.Log.Error("Auto-migration failed or produced errors", zap.Error(err))
		}
	} else {
		logger.Log.Info("Auto-migration disabled")
	}

	// Verify the crucial table after setup
	var exists bool
	checkSQL := `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'stage_changes')`
	if err := db.Raw(checkSQL).Scan(&exists).Error; err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to check for 'stage_changes' table existence: %w", err)
	}
	if !exists {
		closeDB(db)
		return nil, fmt.Errorf("'stage_changes' table still does not exist after setup")
	}

	logger.Log.Info("Postgres ledger repository initialized")
	return &PostgresRepo{db: db}, nil
}

// ensureTableExists checks if a table exists and creates it using the provided SQL DDL if it doesn't.
func ensureTableExists(db *gorm.DB, tableName string, createTableSQL string) error {
	var exists bool
	checkSQL := `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = ?)`
	if err := db.Raw(checkSQL, tableName).Scan(&exists).Error; err != nil {
		return fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
	}

	if !exists {
		logger.Log.Info("Table does not exist, creating table", zap.String("tableName", tableName))
		if err := db.Exec(createTableSQL).Error; err != nil {
			return fmt.Errorf("failed to create table %s: %w", tableName, err)
		}
		logger.Log.Info("Successfully created table", zap.String("tableName", tableName))
	} else {
		logger.Log.Debug("Table already exists", zap.String("tableName", tableName))
	}
	return nil
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Log.Warn("Failed to get underlying SQL DB handle for closing", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Log.Warn("Failed to close DB connection", zap.Error(err))
	}
}

// Close closes the database connection.
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// newRetryPolicy creates a new exponential backoff policy with context awareness.
func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset() // Important: Reset before first use
	return backoff.WithContext(b, ctx)
}

// retryableOperation wraps a database operation with retry logic.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	err := backoff.RetryNotify(func() error {
		err := operation()
		if err != nil {
			// Check for non-retryable errors first
			if errors.Is(err, gorm.ErrRecordNotFound) ||
				errors.Is(err, gorm.ErrInvalidTransaction) ||
				errors.Is(err, gorm.ErrDuplicatedKey) ||
				errors.Is(err, gorm.ErrForeignKeyViolated) {
				return backoff.Permanent(err)
			}
			// Check for potentially transient errors
			if isTransientError(err) {
				return err // Retry transient errors
			}
			// Treat other errors as permanent by default
			return backoff.Permanent(err)
		}
		return nil // Success
	}, policy, notify)

	return err
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Check for context deadline exceeded, often indicates a timeout
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL error classes that indicate transient issues:
		// Class 08 — Connection Exception
		// Class 53 — Insufficient Resources
		// 40001 / 40P01 — serialization failure and deadlock, safe to retry as
		// a fresh transaction
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
	}

	// Fallback to string matching for common network-related errors
	errStr := strings.ToLower(err.Error())
	transientIndicators := []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset by peer",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
		"connection reset",
	}
	for _, indicator := range transientIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// Class 23 — Integrity Constraint Violation
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "23514": // check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)

		// Class 22 — Data Exception
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)

		// Class 40 — Transaction Rollback
		case "40001": // serialization_failure
			fallthrough
		case "40P01": // deadlock_detected
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)

		default:
			if strings.HasPrefix(pgErr.Code, "53") { // Class 53 — Insufficient Resources
				return fmt.Errorf("%w: insufficient resources (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			if strings.HasPrefix(pgErr.Code, "08") { // Class 08 — Connection Exception
				return fmt.Errorf("%w: connection error (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}
