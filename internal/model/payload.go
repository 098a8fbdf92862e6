package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity payloads carried through the sync queue. Amounts and quantities use
// decimal values; float arithmetic is never applied to money.

// CustomerPayload is the wire shape for customer sync operations.
type CustomerPayload struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Version    int64  `json:"version"`
}

// ProductPayload is the wire shape for product sync operations.
type ProductPayload struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Version   int64           `json:"version"`
}

// OrderLine is one line item of an order payload.
type OrderLine struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// OrderPayload is the wire shape for order sync operations. CustomerID and
// the line ProductIDs are the outgoing references the orchestrator resolves
// before the order itself is pushed.
type OrderPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  string          `json:"customer_id"`
	Lines       []OrderLine     `json:"lines"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	PlacedAt    time.Time       `json:"placed_at"`
	Version     int64           `json:"version"`
}

// InvoicePayload is the wire shape for invoice sync operations.
type InvoicePayload struct {
	InvoiceID  string          `json:"invoice_id"`
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	Lines      []OrderLine     `json:"lines"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	DueAt      *time.Time      `json:"due_at,omitempty"`
	Version    int64           `json:"version"`
}

// PaymentPayload is the wire shape for payment sync operations.
type PaymentPayload struct {
	PaymentID  string          `json:"payment_id"`
	InvoiceID  string          `json:"invoice_id,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Method     string          `json:"method"`
	Reference  string          `json:"reference,omitempty"`
	Version    int64           `json:"version"`
}
