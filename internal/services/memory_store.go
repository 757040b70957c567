package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
)

// MemoryPaymentStore is a RecordStore kept entirely in memory, with the same
// conditional-write semantics as the gorm store. Used by tests and by local
// runs without a database.
type MemoryPaymentStore struct {
	mu      sync.RWMutex
	records map[string]*models.PaymentRecord
	nextID  uint
}

func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{
		records: make(map[string]*models.PaymentRecord),
	}
}

func (s *MemoryPaymentStore) Create(ctx context.Context, reference, orderCode string, amount int64, raw json.RawMessage) (*models.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[reference]; exists {
		return nil, gorm.ErrDuplicatedKey
	}

	s.nextID++
	now := time.Now()
	record := &models.PaymentRecord{
		ID:         s.nextID,
		Reference:  reference,
		OrderCode:  orderCode,
		Status:     models.PaymentStatusPending,
		Amount:     amount,
		RawPayload: raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[reference] = record

	clone := *record
	return &clone, nil
}

func (s *MemoryPaymentStore) FindByReference(ctx context.Context, reference string) (*models.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[reference]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// WriteIfPending mirrors the gorm store: the check and the write happen under
// one lock, so the first terminal writer wins and nothing ever downgrades.
func (s *MemoryPaymentStore) WriteIfPending(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (WriteOutcome, error) {
	if !status.Terminal() {
		return WriteNotFound, errWriteNonTerminal(reference, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[reference]
	if !ok {
		return WriteNotFound, nil
	}
	if record.Status != models.PaymentStatusPending {
		return WriteAlreadyResolved, nil
	}

	record.Status = status
	record.GatewayTransactionID = transactionID
	record.RawPayload = raw
	record.UpdatedAt = time.Now()
	return WriteApplied, nil
}

func (s *MemoryPaymentStore) FindStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentRecord, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentRecord
	for _, record := range s.records {
		if record.Status == models.PaymentStatusPending && record.UpdatedAt.Before(cutoff) {
			out = append(out, *record)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
