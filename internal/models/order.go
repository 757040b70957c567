package models

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus tracks whether an order has been paid for.
type OrderStatus string

const (
	OrderStatusUnpaid OrderStatus = "unpaid"
	OrderStatusPaid   OrderStatus = "paid"
)

// Order is the thing being paid for. Order management itself lives outside
// this service; we keep just enough here to initiate a checkout and to mark
// the order paid on a successful reconciliation.
type Order struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UUID          string         `gorm:"type:varchar(64);uniqueIndex" json:"uuid"`
	Code          string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"`
	ItemName      string         `gorm:"type:varchar(255)" json:"item_name"`
	Amount        int64          `json:"amount"`
	PayerName     string         `gorm:"type:varchar(255)" json:"payer_name"`
	PayerEmail    string         `gorm:"type:varchar(255)" json:"payer_email"`
	Status        OrderStatus    `gorm:"type:varchar(20);not null;default:'unpaid';index" json:"status"`
	PaidAt        *time.Time     `json:"paid_at"`
	PaidReference string         `gorm:"type:varchar(100)" json:"paid_reference"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
