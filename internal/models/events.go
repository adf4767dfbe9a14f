package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderRecorded  = "ORDER_RECORDED"
	EventTypeStockDepleted  = "STOCK_DEPLETED"
	EventTypeInventoryDrift = "INVENTORY_DRIFT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRecordedEvent is published once per reconciled payment, after the
// order row is committed.
type OrderRecordedEvent struct {
	BaseEvent
	OrderID          string          `json:"order_id"`
	PaymentReference string          `json:"payment_reference"`
	Email            string          `json:"email"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	Items            []OrderItemData `json:"items"`
}

// StockDepletedEvent is published when a decrement drives a product to zero.
type StockDepletedEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id"`
}

// InventoryDriftEvent reports line items whose stock decrement failed after
// the order was recorded. Drift is reconciled out-of-band; this event is the
// structured trail operators work from.
type InventoryDriftEvent struct {
	BaseEvent
	OrderID          string   `json:"order_id"`
	PaymentReference string   `json:"payment_reference"`
	FailedProducts   []string `json:"failed_products"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}
