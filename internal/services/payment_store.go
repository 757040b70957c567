package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
)

// WriteOutcome is the result of a conditional terminal write.
type WriteOutcome int

const (
	// WriteApplied: this writer's terminal value won and is now stored.
	WriteApplied WriteOutcome = iota
	// WriteAlreadyResolved: another writer got there first. Not an error,
	// it is the expected outcome of losing the webhook-vs-verify race.
	WriteAlreadyResolved
	// WriteNotFound: no record exists for the reference.
	WriteNotFound
)

func (o WriteOutcome) String() string {
	switch o {
	case WriteApplied:
		return "applied"
	case WriteAlreadyResolved:
		return "already_resolved"
	case WriteNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// RecordStore is the durable table of payment records the reconciliation
// engine reads and writes. WriteIfPending is the sole synchronization point
// between the webhook ingestor and the reconciliation loop's self-heal.
type RecordStore interface {
	Create(ctx context.Context, reference, orderCode string, amount int64, raw json.RawMessage) (*models.PaymentRecord, error)
	FindByReference(ctx context.Context, reference string) (*models.PaymentRecord, error)
	WriteIfPending(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (WriteOutcome, error)
	FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentRecord, error)
}

// PaymentStore is the gorm-backed RecordStore.
type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// Create inserts the pending record for a freshly initialized payment.
// Called exactly once per reference, right after gateway initialization.
func (s *PaymentStore) Create(ctx context.Context, reference, orderCode string, amount int64, raw json.RawMessage) (*models.PaymentRecord, error) {
	record := models.PaymentRecord{
		Reference:  reference,
		OrderCode:  orderCode,
		Status:     models.PaymentStatusPending,
		Amount:     amount,
		RawPayload: raw,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("create payment record %s: %w", reference, err)
	}
	return &record, nil
}

// FindByReference returns the record or gorm.ErrRecordNotFound.
func (s *PaymentStore) FindByReference(ctx context.Context, reference string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// WriteIfPending applies a terminal status only if the stored record is still
// pending. The guard lives in the UPDATE's WHERE clause, so two racing
// writers resolve at the database: exactly one sees WriteApplied, the other
// WriteAlreadyResolved. Terminal values are never downgraded or overwritten.
func (s *PaymentStore) WriteIfPending(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (WriteOutcome, error) {
	if !status.Terminal() {
		return WriteNotFound, errWriteNonTerminal(reference, status)
	}

	res := s.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("reference = ? AND status = ?", reference, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":                 status,
			"gateway_transaction_id": transactionID,
			"raw_payload":            raw,
		})
	if res.Error != nil {
		return WriteNotFound, fmt.Errorf("write if pending %s: %w", reference, res.Error)
	}
	if res.RowsAffected > 0 {
		return WriteApplied, nil
	}

	// Nothing updated: either resolved by someone else or missing entirely.
	if _, err := s.FindByReference(ctx, reference); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return WriteNotFound, nil
		}
		return WriteNotFound, err
	}
	return WriteAlreadyResolved, nil
}

// FindStalePending lists pending records that have not been touched for a
// while, oldest first. The worker sweep feeds on this.
func (s *PaymentStore) FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentRecord, error) {
	cutoff := time.Now().Add(-olderThan)
	var records []models.PaymentRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.PaymentStatusPending, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func errWriteNonTerminal(reference string, status models.PaymentStatus) error {
	return fmt.Errorf("write if pending %s: refusing non-terminal status %q", reference, status)
}

// RecordCallback appends a received gateway notification to the audit log.
func (s *PaymentStore) RecordCallback(ctx context.Context, gateway models.PaymentGateway, reference, transactionStatus string, payload json.RawMessage) error {
	history := models.PaymentCallbackHistory{
		PaymentGateway:    gateway,
		Reference:         reference,
		TransactionStatus: transactionStatus,
		Metadata:          payload,
	}
	return s.db.WithContext(ctx).Create(&history).Error
}
