package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type PaymentGateway string

const (
	PaymentGatewayMidtrans PaymentGateway = "midtrans"
	PaymentGatewayManual   PaymentGateway = "manual"
)

// PaymentCallbackHistory is an append-only log of every gateway notification
// we receive, kept regardless of whether the notification ended up changing
// the payment record. Support uses it to answer "what did the gateway
// actually send us".
type PaymentCallbackHistory struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	PaymentGateway    PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	Reference         string          `gorm:"type:varchar(100);index" json:"reference"`
	TransactionStatus string          `gorm:"type:varchar(50)" json:"transaction_status"`
	Metadata          json.RawMessage `gorm:"type:jsonb" json:"metadata"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"deleted_at,omitempty"`
}
