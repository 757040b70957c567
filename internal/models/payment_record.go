package models

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the reconciled status of one checkout attempt.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

// PaymentRecord is the single source of truth for one checkout attempt,
// keyed by reference. It is created as pending when the gateway transaction
// is initialized and moved to a terminal status exactly once, either by the
// gateway notification or by the reconciliation loop's direct verification.
// Records are never deleted; they are the permanent audit trail.
type PaymentRecord struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	Reference            string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"reference"`
	OrderCode            string          `gorm:"type:varchar(100);index" json:"order_code"`
	Status               PaymentStatus   `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	GatewayTransactionID string          `gorm:"type:varchar(100)" json:"gateway_transaction_id"`
	Amount               int64           `json:"amount"`
	RawPayload           json.RawMessage `gorm:"type:jsonb" json:"raw_payload"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
