package models

// Service (treatment) lifecycle as managed by the admin side.
const (
	ServiceDraft         = "Draft"
	ServicePublished     = "Published"
	ServiceBookingOpen   = "BookingOpen"
	ServiceBookingClosed = "BookingClosed"
)

// Booking session_status values.
const (
	SessionPaymentNotCompleted = "PaymentNotCompleted"
	SessionConfirmed           = "Confirmed"
	SessionCancelled           = "Cancelled"
)

// Per-session entry status.
const (
	SessionDateScheduled   = "scheduled"
	SessionDateUnscheduled = "unscheduled"
	SessionDateCancelled   = "cancelled"
)

// Payment status values.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

const (
	MethodCard       = "card"
	MethodUPI        = "upi"
	MethodNetBanking = "netbanking"
	MethodWallet     = "wallet"
)

const (
	// CancelledBySystem marks cancellations issued by the stale booking reaper.
	CancelledBySystem = "system"

	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Outbox row status values.
const (
	OutboxPending   = "pending"
	OutboxRetry     = "retry"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)
