package models

import (
	"time"

	"gorm.io/gorm"
)

// OrderPayment records a settled payment against an order, one row per
// finalized reference. This is the ledger the rest of the shop reads.
type OrderPayment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	OrderID              uint           `gorm:"index" json:"order_id"`
	OrderCode            string         `gorm:"type:varchar(100);index" json:"order_code"`
	Reference            string         `gorm:"type:varchar(100);uniqueIndex" json:"reference"`
	GatewayTransactionID string         `gorm:"type:varchar(100)" json:"gateway_transaction_id"`
	Amount               int64          `json:"amount"`
	PaymentGateway       PaymentGateway `gorm:"type:varchar(50)" json:"payment_gateway"`
	PaidAt               time.Time      `json:"paid_at"`

	// Relationships
	Order Order `gorm:"foreignKey:OrderID" json:"order,omitempty"`
}
