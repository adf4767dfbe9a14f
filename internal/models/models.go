package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a recorded customer order. One order exists per
// successful charge; PaymentReference is the idempotency key and carries
// a unique constraint in storage.
type Order struct {
	ID               string          `db:"id" json:"id"`
	PaymentReference string          `db:"payment_reference" json:"payment_reference"`
	Email            string          `db:"email" json:"email"`
	Subtotal         decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingCost     decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           string          `db:"status" json:"status"`
	BillingAddress   *AddressJSON    `db:"billing_address" json:"billing_address,omitempty"`
	ShippingAddress  *AddressJSON    `db:"shipping_address" json:"shipping_address,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is a line-item snapshot. Name and unit price are copied at
// reconciliation time so a later product deletion cannot break the order.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID string          `db:"product_id" json:"product_id"`
	Name      string          `db:"name" json:"name"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity  int             `db:"quantity" json:"quantity"`
}

// Inventory represents per-product stock. Available never goes negative;
// decrements clamp at zero.
type Inventory struct {
	ProductID string    `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Status    string    `db:"status" json:"status"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Address is a point-in-time snapshot stored on the order.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Order statuses
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusFailed   = "failed"
	OrderStatusCanceled = "canceled"
)

// Stock status labels shown on the catalog
const (
	StockStatusInStock    = "In Stock"
	StockStatusLowStock   = "Low Stock"
	StockStatusOutOfStock = "Out of Stock"
)

// StockStatusFor derives the catalog label for an available count.
// lowThreshold is inclusive: available == lowThreshold reads Low Stock.
func StockStatusFor(available, lowThreshold int) string {
	switch {
	case available <= 0:
		return StockStatusOutOfStock
	case available <= lowThreshold:
		return StockStatusLowStock
	default:
		return StockStatusInStock
	}
}

// PaymentConfirmation is what the payment gateway reports for an intent.
type PaymentConfirmation struct {
	PaymentReference string          `json:"payment_reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
}

// PaymentStatusSucceeded is the gateway status that triggers reconciliation.
const PaymentStatusSucceeded = "succeeded"
