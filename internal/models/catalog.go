package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Service struct {
	ID                 int64           `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	PricePerSession    decimal.Decimal `json:"price_per_session" yaml:"price_per_session"`
	DiscountedPrice    decimal.Decimal `json:"discounted_price" yaml:"discounted_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage"`
	MaxSessions        int             `json:"max_sessions" yaml:"max_sessions"`
	Status             string          `json:"status" yaml:"status"`
	UpdatedAt          time.Time       `json:"updated_at" yaml:"-"`
}

// EffectivePrice is what one session costs before tax and fees.
func (s *Service) EffectivePrice() decimal.Decimal {
	if s.DiscountedPrice.IsPositive() && s.DiscountedPrice.LessThan(s.PricePerSession) {
		return s.DiscountedPrice
	}
	return s.PricePerSession
}

type Clinic struct {
	ID      int64  `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Phone   string `json:"phone" yaml:"phone"`
	Email   string `json:"email" yaml:"email"`
	Address string `json:"address" yaml:"address"`
	// OpensAt and ClosesAt bound bookable session times, "15:04". Empty means unrestricted.
	OpensAt  string `json:"opens_at" yaml:"opens_at"`
	ClosesAt string `json:"closes_at" yaml:"closes_at"`
	// BookingFrom and BookingUntil bound bookable dates, "2006-01-02". Empty means open-ended.
	BookingFrom  string `json:"booking_from,omitempty" yaml:"booking_from"`
	BookingUntil string `json:"booking_until,omitempty" yaml:"booking_until"`
	// SlotCapacity overrides the configured per-slot capacity when positive.
	SlotCapacity int       `json:"slot_capacity,omitempty" yaml:"slot_capacity"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// FeeSettings is the tax and fee configuration in force for new bookings.
type FeeSettings struct {
	ID                   int64           `json:"id" yaml:"-"`
	TaxPercentage        decimal.Decimal `json:"tax_percentage" yaml:"tax_percentage"`
	CreditCardPercentage decimal.Decimal `json:"credit_card_fee_percentage" yaml:"credit_card_fee_percentage"`
	IsActive             bool            `json:"is_active" yaml:"-"`
	CreatedAt            time.Time       `json:"created_at" yaml:"-"`
}
