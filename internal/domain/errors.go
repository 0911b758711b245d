package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Machine-readable reasons carried to API clients.
const (
	ReasonValidation        = "validation_error"
	ReasonNotFound          = "not_found"
	ReasonBookingClosed     = "booking_closed"
	ReasonSlotFull          = "slot_full"
	ReasonConfiguration     = "configuration_error"
	ReasonPricing           = "pricing_calculation_error"
	ReasonGateway           = "gateway_error"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonInvalidTransition = "invalid_state_transition"
)

// ReasonedError is implemented by every error in the booking taxonomy.
type ReasonedError interface {
	error
	Reason() string
	Retriable() bool
}

// ErrConcurrentModification is returned when a guarded status update matched no row.
var ErrConcurrentModification = errors.New("record was modified concurrently")

type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}
func (e *ValidationError) Reason() string  { return ReasonValidation }
func (e *ValidationError) Retriable() bool { return false }

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}
func (e *NotFoundError) Reason() string  { return ReasonNotFound }
func (e *NotFoundError) Retriable() bool { return false }

type BookingClosedError struct {
	ServiceID int64
	Detail    string
}

func (e *BookingClosedError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("booking is closed for service %d", e.ServiceID)
}
func (e *BookingClosedError) Reason() string  { return ReasonBookingClosed }
func (e *BookingClosedError) Retriable() bool { return false }

// SlotFullError carries the slot that could not be reserved.
type SlotFullError struct {
	Date string
	Time string
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("slot %s %s is full, choose another time", e.Date, e.Time)
}
func (e *SlotFullError) Reason() string  { return ReasonSlotFull }
func (e *SlotFullError) Retriable() bool { return true }

type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string   { return "configuration error: " + e.Detail }
func (e *ConfigurationError) Reason() string  { return ReasonConfiguration }
func (e *ConfigurationError) Retriable() bool { return false }

type PricingError struct {
	Detail string
}

func (e *PricingError) Error() string   { return "pricing calculation failed: " + e.Detail }
func (e *PricingError) Reason() string  { return ReasonPricing }
func (e *PricingError) Retriable() bool { return false }

// GatewayError wraps failures and timeouts of the external payment gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}
func (e *GatewayError) Unwrap() error   { return e.Err }
func (e *GatewayError) Reason() string  { return ReasonGateway }
func (e *GatewayError) Retriable() bool { return true }

// InvalidSignatureError never says which part of the callback failed to match.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string   { return "payment verification failed" }
func (e *InvalidSignatureError) Reason() string  { return ReasonInvalidSignature }
func (e *InvalidSignatureError) Retriable() bool { return false }

type InvalidStateTransitionError struct {
	BookingID int64
	From      string
	To        string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("booking %d cannot move from %s to %s", e.BookingID, e.From, e.To)
}
func (e *InvalidStateTransitionError) Reason() string  { return ReasonInvalidTransition }
func (e *InvalidStateTransitionError) Retriable() bool { return false }

// ReasonOf returns the taxonomy reason of err, or "" for untyped errors.
func ReasonOf(err error) string {
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason()
	}
	return ""
}
