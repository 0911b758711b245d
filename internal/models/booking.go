package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatientDetails is copied into the booking so later profile edits do not rewrite history.
type PatientDetails struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type SessionDate struct {
	SessionNumber int    `json:"session_number"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	Status        string `json:"status"`
}

type Cancellation struct {
	CancelledAt    time.Time `json:"cancelled_at"`
	CancelledBy    string    `json:"cancelled_by"`
	Reason         string    `json:"reason"`
	RefundEligible bool      `json:"refund_eligible"`
}

type Booking struct {
	ID               int64           `json:"id"`
	BookingNumber    string          `json:"booking_number"`
	UserID           int64           `json:"user_id"`
	ServiceID        int64           `json:"service_id"`
	ServiceName      string          `json:"service_name"`
	ClinicID         int64           `json:"clinic_id"`
	ClinicName       string          `json:"clinic_name"`
	Patient          PatientDetails  `json:"patient"`
	Sessions         int             `json:"sessions"`
	SessionDates     []SessionDate   `json:"session_dates"`
	SessionStatus    string          `json:"session_status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AmountPerSession decimal.Decimal `json:"amount_per_session"`
	PaymentID        int64           `json:"payment_id"`
	Cancellation     *Cancellation   `json:"cancellation,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the booking left PaymentNotCompleted.
func (b *Booking) IsTerminal() bool {
	return b.SessionStatus == SessionConfirmed || b.SessionStatus == SessionCancelled
}

// Slot identifies a bookable (clinic, service, date, time) tuple.
type Slot struct {
	ClinicID  int64  `json:"clinic_id"`
	ServiceID int64  `json:"service_id"`
	Date      string `json:"date"`
	Time      string `json:"time"`
}

type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Booked    int    `json:"booked"`
	Capacity  int    `json:"capacity"`
}
