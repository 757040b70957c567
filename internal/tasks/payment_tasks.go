package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
	"tokoku_shop_echo/internal/services"
)

// ResultApplier is the slice of PaymentService the sweep needs: apply one
// terminal gateway result with the usual first-writer-wins semantics.
type ResultApplier interface {
	ApplyGatewayResult(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (services.WriteOutcome, error)
}

// ReconcileStalePaymentsTaskDef sweeps payment records that have sat pending
// past the interactive window: the checkout UI gave up long ago, but the
// gateway may have resolved the money since. Each stale record gets one
// direct verification; terminal answers are written back through the
// conditional update, so a webhook that arrives mid-sweep still wins
// cleanly.
type ReconcileStalePaymentsTaskDef struct {
	Store    services.RecordStore
	Gateway  services.Gateway
	Payments ResultApplier
	Logger   *zap.Logger

	// OlderThan and BatchSize bound one sweep run.
	OlderThan time.Duration
	BatchSize int
}

// TaskID returns the unique identifier for this task
func (t *ReconcileStalePaymentsTaskDef) TaskID() string {
	return "reconcile_stale_payments"
}

// HandleExecution verifies and self-heals one batch of stale records.
func (t *ReconcileStalePaymentsTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	olderThan := t.OlderThan
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	records, err := t.Store.FindStalePending(ctx, olderThan, batchSize)
	if err != nil {
		return nil, err
	}

	applied := 0
	raced := 0
	inconclusive := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := t.Gateway.Verify(ctx, record.Reference)
		if err != nil {
			if !errors.Is(err, services.ErrNetworkFailure) {
				logger.Warn("stale sweep verify failed",
					zap.String("reference", record.Reference),
					zap.Error(err),
				)
			}
			inconclusive++
			continue
		}
		if !result.Status.Terminal() {
			inconclusive++
			continue
		}

		outcome, err := t.Payments.ApplyGatewayResult(ctx, record.Reference, result.Status, result.TransactionID, result.Raw)
		if err != nil {
			logger.Error("stale sweep write failed",
				zap.String("reference", record.Reference),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case services.WriteApplied:
			applied++
		case services.WriteAlreadyResolved:
			raced++
		}
	}

	logger.Info("stale payment sweep finished",
		zap.Int("checked", len(records)),
		zap.Int("applied", applied),
		zap.Int("already_resolved", raced),
		zap.Int("inconclusive", inconclusive),
	)

	return map[string]interface{}{
		"status":           "success",
		"checked":          len(records),
		"applied":          applied,
		"already_resolved": raced,
		"inconclusive":     inconclusive,
	}, nil
}
