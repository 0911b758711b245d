// Package pricing computes the deterministic price breakdown of a booking.
package pricing

import (
	"fmt"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote prices sessionCount sessions at pricePerSession under fees. The same inputs always
// give the same result, and Total always equals Subtotal + Tax + CreditCardFee.
func Quote(pricePerSession decimal.Decimal, sessionCount int, method string, fees models.FeeSettings) (models.Quote, error) {
	if sessionCount < 1 {
		return models.Quote{}, &domain.PricingError{Detail: fmt.Sprintf("session count %d", sessionCount)}
	}
	if pricePerSession.IsNegative() {
		return models.Quote{}, &domain.PricingError{Detail: "negative session price"}
	}
	if fees.TaxPercentage.IsNegative() || fees.CreditCardPercentage.IsNegative() {
		return models.Quote{}, &domain.PricingError{Detail: "negative fee percentage"}
	}

	subtotal := pricePerSession.Mul(decimal.NewFromInt(int64(sessionCount))).Round(2)
	tax := subtotal.Mul(fees.TaxPercentage).Div(hundred).Round(2)

	fee := decimal.Zero
	if method == models.MethodCard {
		fee = subtotal.Mul(fees.CreditCardPercentage).Div(hundred).Round(2)
	}

	total := subtotal.Add(tax).Add(fee)

	return models.Quote{
		Subtotal:         subtotal,
		Tax:              tax,
		CreditCardFee:    fee,
		Total:            total,
		AmountPerSession: total.Div(decimal.NewFromInt(int64(sessionCount))).Round(2),
	}, nil
}

// MinorUnits converts an amount to the currency's smallest unit (paise for INR).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
