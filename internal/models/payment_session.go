package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// PaymentSession stores the raw gateway request/response for one initiated
// checkout so a still-pending hosted-payment page can be reused instead of
// creating a new gateway transaction on every click.
type PaymentSession struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	OrderID          uint            `gorm:"index" json:"order_id"`
	Reference        string          `gorm:"type:varchar(100);index" json:"reference"`
	PaymentGateway   PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	IsActive         bool            `gorm:"default:true" json:"is_active"`
	RequestMetadata  json.RawMessage `gorm:"type:jsonb" json:"request_metadata"`
	ResponseMetadata json.RawMessage `gorm:"type:jsonb" json:"response_metadata"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        gorm.DeletedAt  `gorm:"index" json:"deleted_at,omitempty"`
}
