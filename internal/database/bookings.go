package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"
)

// ErrConcurrentModification is re-exported for callers that only import the store.
var ErrConcurrentModification = domain.ErrConcurrentModification

const bookingColumns = `b.id, b.booking_number, b.user_id, b.service_id, b.service_name,
	b.clinic_id, b.clinic_name, b.patient_name, b.patient_phone, b.patient_email,
	b.sessions, b.session_status, b.total_amount, b.amount_per_session, b.payment_id,
	b.cancelled_at, b.cancelled_by, b.cancellation_reason, b.refund_eligible,
	b.created_at, b.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	var cancelledAt sql.NullTime
	var cancelledBy, reason string
	var refundEligible bool
	err := row.Scan(
		&b.ID, &b.BookingNumber, &b.UserID, &b.ServiceID, &b.ServiceName,
		&b.ClinicID, &b.ClinicName, &b.Patient.Name, &b.Patient.Phone, &b.Patient.Email,
		&b.Sessions, &b.SessionStatus, &b.TotalAmount, &b.AmountPerSession, &b.PaymentID,
		&cancelledAt, &cancelledBy, &reason, &refundEligible,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		b.Cancellation = &models.Cancellation{
			CancelledAt:    cancelledAt.Time.UTC(),
			CancelledBy:    cancelledBy,
			Reason:         reason,
			RefundEligible: refundEligible,
		}
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// CountSlotBookings counts scheduled sessions of live bookings in the slot. A zero ServiceID
// counts across every service at the clinic.
func (r queries) CountSlotBookings(ctx context.Context, slot models.Slot) (int, error) {
	query := `SELECT COUNT(*)
              FROM booking_sessions s
              JOIN bookings b ON b.id = s.booking_id
              WHERE b.clinic_id = ?
                AND (? = 0 OR b.service_id = ?)
                AND s.session_date = ?
                AND s.session_time = ?
                AND s.status = ?
                AND b.session_status IN (?, ?)`
	var count int
	err := r.q.QueryRowContext(ctx, query,
		slot.ClinicID, slot.ServiceID, slot.ServiceID, slot.Date, slot.Time,
		models.SessionDateScheduled, models.SessionPaymentNotCompleted, models.SessionConfirmed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count slot bookings: %w", err)
	}
	return count, nil
}

// CreateBooking inserts the booking with its session rows. PaymentID must already exist.
func (r queries) CreateBooking(ctx context.Context, booking *models.Booking) error {
	query := `INSERT INTO bookings (
                booking_number, user_id, service_id, service_name, clinic_id, clinic_name,
                patient_name, patient_phone, patient_email, sessions, session_status,
                total_amount, amount_per_session, payment_id, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := r.q.ExecContext(ctx, query,
		booking.BookingNumber,
		booking.UserID,
		booking.ServiceID,
		booking.ServiceName,
		booking.ClinicID,
		booking.ClinicName,
		booking.Patient.Name,
		booking.Patient.Phone,
		booking.Patient.Email,
		booking.Sessions,
		booking.SessionStatus,
		booking.TotalAmount,
		booking.AmountPerSession,
		booking.PaymentID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	for _, sd := range booking.SessionDates {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO booking_sessions (booking_id, session_number, session_date, session_time, status)
             VALUES (?, ?, ?, ?, ?)`,
			id, sd.SessionNumber, nullString(sd.Date), nullString(sd.Time), sd.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to create session %d: %w", sd.SessionNumber, err)
		}
	}

	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	return nil
}

func (r queries) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings b WHERE b.id = ?`
	booking, err := scanBooking(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	if booking.SessionDates, err = r.sessionDates(ctx, id); err != nil {
		return nil, err
	}
	return booking, nil
}

func (r queries) sessionDates(ctx context.Context, bookingID int64) ([]models.SessionDate, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT session_number, session_date, session_time, status
         FROM booking_sessions WHERE booking_id = ? ORDER BY session_number`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session dates: %w", err)
	}
	defer rows.Close()

	var dates []models.SessionDate
	for rows.Next() {
		var sd models.SessionDate
		var date, tm sql.NullString
		if err := rows.Scan(&sd.SessionNumber, &date, &tm, &sd.Status); err != nil {
			return nil, fmt.Errorf("failed to scan session date: %w", err)
		}
		sd.Date = date.String
		sd.Time = tm.String
		dates = append(dates, sd)
	}
	return dates, rows.Err()
}

// ConfirmBooking moves a PaymentNotCompleted booking to Confirmed.
func (r queries) ConfirmBooking(ctx context.Context, bookingID int64, at time.Time) error {
	return r.transitionBooking(ctx,
		`UPDATE bookings SET session_status = ?, updated_at = ? WHERE id = ? AND session_status = ?`,
		models.SessionConfirmed, at.UTC(), bookingID, models.SessionPaymentNotCompleted,
	)
}

// CancelBooking moves a PaymentNotCompleted booking to Cancelled and releases its sessions.
func (r queries) CancelBooking(ctx context.Context, bookingID int64, c models.Cancellation) error {
	at := c.CancelledAt.UTC()
	err := r.transitionBooking(ctx,
		`UPDATE bookings
         SET session_status = ?, cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?,
             refund_eligible = ?, updated_at = ?
         WHERE id = ? AND session_status = ?`,
		models.SessionCancelled, at, c.CancelledBy, c.Reason, c.RefundEligible, at,
		bookingID, models.SessionPaymentNotCompleted,
	)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx,
		`UPDATE booking_sessions SET status = ? WHERE booking_id = ?`,
		models.SessionDateCancelled, bookingID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel session dates: %w", err)
	}
	return nil
}

func (r queries) transitionBooking(ctx context.Context, query string, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ListStalePendingBookings returns the oldest PaymentNotCompleted bookings created before the cutoff.
func (r queries) ListStalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + `
              FROM bookings b
              WHERE b.session_status = ? AND b.created_at < ?
              ORDER BY b.created_at ASC
              LIMIT ?`
	rows, err := r.q.QueryContext(ctx, query, models.SessionPaymentNotCompleted, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// CountBookings reports how many bookings exist per session status.
func (r queries) CountBookings(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT session_status, COUNT(*) FROM bookings GROUP BY session_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bookings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
