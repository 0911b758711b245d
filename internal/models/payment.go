package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentBreakdown struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	CreditCardFee decimal.Decimal `json:"credit_card_fee"`
	Total         decimal.Decimal `json:"total"`
}

type Payment struct {
	ID               int64            `json:"id"`
	BookingID        int64            `json:"booking_id"`
	UserID           int64            `json:"user_id"`
	GatewayOrderID   string           `json:"gateway_order_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Method           string           `json:"method"`
	Status           string           `json:"status"`
	Breakdown        PaymentBreakdown `json:"breakdown"`
	GatewayPaymentID string           `json:"gateway_payment_id,omitempty"`
	GatewaySignature string           `json:"-"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	FailedAt         *time.Time       `json:"failed_at,omitempty"`
}

// Quote is the priced breakdown for a prospective booking.
type Quote struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	CreditCardFee    decimal.Decimal `json:"credit_card_fee"`
	Total            decimal.Decimal `json:"total"`
	AmountPerSession decimal.Decimal `json:"amount_per_session"`
}

func (q Quote) Breakdown() PaymentBreakdown {
	return PaymentBreakdown{
		Subtotal:      q.Subtotal,
		Tax:           q.Tax,
		CreditCardFee: q.CreditCardFee,
		Total:         q.Total,
	}
}

// GatewayOrder is the handle the client uses to open the gateway checkout.
type GatewayOrder struct {
	OrderID     string `json:"order_id"`
	CheckoutKey string `json:"key"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// LedgerRow joins a payment with its booking for the operator export.
type LedgerRow struct {
	Payment Payment
	Booking Booking
}
