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

const paymentColumns = `p.id, p.booking_id, p.user_id, p.gateway_order_id, p.amount, p.currency,
	p.method, p.status, p.subtotal, p.tax, p.credit_card_fee, p.total,
	p.gateway_payment_id, p.gateway_signature, p.failure_reason,
	p.created_at, p.updated_at, p.completed_at, p.failed_at`

func paymentDest(p *models.Payment, bookingID *sql.NullInt64, completedAt, failedAt *sql.NullTime) []any {
	return []any{
		&p.ID, bookingID, &p.UserID, &p.GatewayOrderID, &p.Amount, &p.Currency,
		&p.Method, &p.Status, &p.Breakdown.Subtotal, &p.Breakdown.Tax, &p.Breakdown.CreditCardFee, &p.Breakdown.Total,
		&p.GatewayPaymentID, &p.GatewaySignature, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt, completedAt, failedAt,
	}
}

func finishPayment(p *models.Payment, bookingID sql.NullInt64, completedAt, failedAt sql.NullTime) {
	p.BookingID = bookingID.Int64
	p.CompletedAt = nullTimePtr(completedAt)
	p.FailedAt = nullTimePtr(failedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
}

// CreatePayment inserts a payment not yet linked to a booking.
func (r queries) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `INSERT INTO payments (
                user_id, gateway_order_id, amount, currency, method, status,
                subtotal, tax, credit_card_fee, total, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := r.q.ExecContext(ctx, query,
		payment.UserID,
		payment.GatewayOrderID,
		payment.Amount,
		payment.Currency,
		payment.Method,
		payment.Status,
		payment.Breakdown.Subtotal,
		payment.Breakdown.Tax,
		payment.Breakdown.CreditCardFee,
		payment.Breakdown.Total,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	payment.ID = id
	payment.CreatedAt = now
	payment.UpdatedAt = now
	return nil
}

// LinkPayment sets the back reference from payment to booking. It only succeeds once.
func (r queries) LinkPayment(ctx context.Context, paymentID, bookingID int64) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE payments SET booking_id = ?, updated_at = ? WHERE id = ? AND booking_id IS NULL`,
		bookingID, time.Now().UTC(), paymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to link payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (r queries) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var p models.Payment
	var bookingID sql.NullInt64
	var completedAt, failedAt sql.NullTime
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.id = ?`
	err := r.q.QueryRowContext(ctx, query, id).Scan(paymentDest(&p, &bookingID, &completedAt, &failedAt)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "payment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	finishPayment(&p, bookingID, completedAt, failedAt)
	return &p, nil
}

// CompletePayment records the gateway payment on a pending payment.
func (r queries) CompletePayment(ctx context.Context, paymentID int64, gatewayPaymentID, signature string, at time.Time) error {
	at = at.UTC()
	result, err := r.q.ExecContext(ctx,
		`UPDATE payments
         SET status = ?, gateway_payment_id = ?, gateway_signature = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		models.PaymentCompleted, gatewayPaymentID, signature, at, at, paymentID, models.PaymentPending,
	)
	if err != nil {
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// FailPayment marks a pending payment failed with the gateway's reason.
func (r queries) FailPayment(ctx context.Context, paymentID int64, reason string, at time.Time) error {
	at = at.UTC()
	result, err := r.q.ExecContext(ctx,
		`UPDATE payments SET status = ?, failure_reason = ?, failed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		models.PaymentFailed, reason, at, at, paymentID, models.PaymentPending,
	)
	if err != nil {
		return fmt.Errorf("failed to fail payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ListLedger returns payments created in [from, to) joined with their bookings, oldest first.
func (r queries) ListLedger(ctx context.Context, from, to time.Time) ([]models.LedgerRow, error) {
	query := `SELECT ` + paymentColumns + `, ` + bookingColumns + `
              FROM payments p
              JOIN bookings b ON b.id = p.booking_id
              WHERE p.created_at >= ? AND p.created_at < ?
              ORDER BY p.created_at ASC, p.id ASC`
	rows, err := r.q.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var ledger []models.LedgerRow
	for rows.Next() {
		var row models.LedgerRow
		var bookingID sql.NullInt64
		var completedAt, failedAt, cancelledAt sql.NullTime
		var cancelledBy, reason string
		var refundEligible bool

		b := &row.Booking
		dest := paymentDest(&row.Payment, &bookingID, &completedAt, &failedAt)
		dest = append(dest,
			&b.ID, &b.BookingNumber, &b.UserID, &b.ServiceID, &b.ServiceName,
			&b.ClinicID, &b.ClinicName, &b.Patient.Name, &b.Patient.Phone, &b.Patient.Email,
			&b.Sessions, &b.SessionStatus, &b.TotalAmount, &b.AmountPerSession, &b.PaymentID,
			&cancelledAt, &cancelledBy, &reason, &refundEligible,
			&b.CreatedAt, &b.UpdatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}

		finishPayment(&row.Payment, bookingID, completedAt, failedAt)
		if cancelledAt.Valid {
			b.Cancellation = &models.Cancellation{
				CancelledAt:    cancelledAt.Time.UTC(),
				CancelledBy:    cancelledBy,
				Reason:         reason,
				RefundEligible: refundEligible,
			}
		}
		ledger = append(ledger, row)
	}
	return ledger, rows.Err()
}
