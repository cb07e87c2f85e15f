package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// OrderStatus represents the lifecycle state of a change order.
type OrderStatus string

const (
	OrderDraft            OrderStatus = "draft"
	OrderSentToClient     OrderStatus = "sent_to_client"
	OrderSigned           OrderStatus = "signed"
	OrderRejectedByClient OrderStatus = "rejected_by_client"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderDraft:            {OrderSentToClient},
	OrderSentToClient:     {OrderSigned, OrderRejectedByClient},
	OrderSigned:           {},
	OrderRejectedByClient: {},
}

// Terminal reports whether s is mutation-locked.
func (s OrderStatus) Terminal() bool {
	return s == OrderSigned || s == OrderRejectedByClient
}

// Mutable reports whether items and descriptive fields may change in s.
func (s OrderStatus) Mutable() bool {
	return s == OrderDraft || s == OrderSentToClient
}

// CanTransitionTo reports whether the edge s -> to is legal.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemCategory classifies a cost line.
type ItemCategory string

const (
	CategoryLabor       ItemCategory = "labor"
	CategoryMaterial    ItemCategory = "material"
	CategoryEquipment   ItemCategory = "equipment"
	CategorySubcontract ItemCategory = "subcontract"
	CategoryOther       ItemCategory = "other"
)

// ConsentRecord captures the client's signature context. Written once,
// immutable thereafter.
type ConsentRecord struct {
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
	SignedAt  time.Time `json:"signed_at"`
}

// ChangeOrder is a priced, client-facing aggregation of confirmed changes
// for one project. Money columns are always derived from items, never
// hand-edited.
type ChangeOrder struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	OrderSeq      int             `json:"order_seq"`
	OrderNumber   string          `json:"order_number"`
	Description   string          `json:"description"`
	Status        OrderStatus     `json:"status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	MarkupPercent decimal.Decimal `json:"markup_percent"`
	MarkupAmount  decimal.Decimal `json:"markup_amount"`
	TaxPercent    decimal.Decimal `json:"tax_percent"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	DocumentRef   string          `json:"document_ref,omitempty"`
	Consent       *ConsentRecord  `json:"consent,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	SignedAt      *time.Time      `json:"signed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ChangeOrderItem is one costed line on a change order, optionally
// traceable to the candidate that justified it.
type ChangeOrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	CandidateID string          `json:"candidate_id,omitempty"`
	Description string          `json:"description"`
	Category    ItemCategory    `json:"category"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	SortOrder   int             `json:"sort_order"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Totals holds the derived money columns of an order.
type Totals struct {
	Subtotal     decimal.Decimal
	MarkupAmount decimal.Decimal
	TaxAmount    decimal.Decimal
	Total        decimal.Decimal
}

// MinorUnitScale returns the number of decimal places for an ISO 4217
// currency code, e.g. 2 for USD, 0 for JPY. Unknown codes default to 2.
func MinorUnitScale(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// roundHalfUp rounds d half-up (half away from zero; amounts here are
// non-negative) to the given scale.
func roundHalfUp(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// LineTotal computes quantity x unit cost rounded to the currency scale.
func LineTotal(quantity, unitCost decimal.Decimal, scale int32) decimal.Decimal {
	return roundHalfUp(quantity.Mul(unitCost), scale)
}

// ComputeTotals derives an order's money columns from its items.
// Markup and tax both apply to the subtotal.
func ComputeTotals(items []ChangeOrderItem, markupPercent, taxPercent decimal.Decimal, scale int32) Totals {
	hundred := decimal.NewFromInt(100)

	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalCost)
	}

	markup := roundHalfUp(subtotal.Mul(markupPercent).Div(hundred), scale)
	tax := roundHalfUp(subtotal.Mul(taxPercent).Div(hundred), scale)

	return Totals{
		Subtotal:     subtotal,
		MarkupAmount: markup,
		TaxAmount:    tax,
		Total:        subtotal.Add(markup).Add(tax),
	}
}

// FormatOrderNumber renders the per-project order number, e.g. CO-2026-003.
func FormatOrderNumber(year, seq int) string {
	return fmt.Sprintf("CO-%d-%03d", year, seq)
}
