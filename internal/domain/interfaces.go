package domain

import (
	"context"
	"time"

	"clinicbooking/internal/models"
)

type CatalogReader interface {
	GetService(ctx context.Context, id int64) (*models.Service, error)
	GetClinic(ctx context.Context, id int64) (*models.Clinic, error)
	GetActiveFeeSettings(ctx context.Context) (*models.FeeSettings, error)
}

// SlotReader is what availability needs; both the store and an open transaction satisfy it.
// A zero ServiceID in the slot counts bookings of every service at the clinic.
type SlotReader interface {
	GetClinic(ctx context.Context, id int64) (*models.Clinic, error)
	CountSlotBookings(ctx context.Context, slot models.Slot) (int, error)
}

// Tx is a unit of work against the primary store. Nothing written through it is visible to
// other readers until the enclosing WithTx returns nil.
type Tx interface {
	CatalogReader
	CountSlotBookings(ctx context.Context, slot models.Slot) (int, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	CreateBooking(ctx context.Context, booking *models.Booking) error
	LinkPayment(ctx context.Context, paymentID, bookingID int64) error

	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)

	CompletePayment(ctx context.Context, paymentID int64, gatewayPaymentID, signature string, at time.Time) error
	FailPayment(ctx context.Context, paymentID int64, reason string, at time.Time) error
	ConfirmBooking(ctx context.Context, bookingID int64, at time.Time) error
	CancelBooking(ctx context.Context, bookingID int64, cancellation models.Cancellation) error

	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
}

type Store interface {
	CatalogReader
	CountSlotBookings(ctx context.Context, slot models.Slot) (int, error)

	// WithTx runs fn in a transaction, committing when fn returns nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	ListStalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Booking, error)
	ListLedger(ctx context.Context, from, to time.Time) ([]models.LedgerRow, error)
	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
	Ping(ctx context.Context) error
}

// AvailabilityCache stores serialized availability answers. Implementations report backend
// failures as errors; callers treat any error as a miss.
type AvailabilityCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) error
}

type OrderRequest struct {
	// Amount is in the currency's smallest unit.
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type PaymentGateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*models.GatewayOrder, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
