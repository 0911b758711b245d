package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderSeq atomic.Int64

func setupTestDB(t *testing.T) *DB {
	logger := zerolog.New(os.Stdout)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func seedCatalog(t *testing.T, db *DB, capacity int) {
	t.Helper()
	err := db.SeedCatalog(context.Background(),
		[]models.Service{{
			ID:              1,
			Name:            "Physiotherapy",
			PricePerSession: decimal.NewFromInt(1000),
			MaxSessions:     5,
			Status:          models.ServiceBookingOpen,
		}},
		[]models.Clinic{{ID: 1, Name: "Central", SlotCapacity: capacity}},
		&models.FeeSettings{
			TaxPercentage:        decimal.NewFromInt(18),
			CreditCardPercentage: decimal.NewFromInt(2),
		},
	)
	require.NoError(t, err)
}

func newPair(userID int64, slot models.Slot) (*models.Payment, *models.Booking) {
	total := decimal.NewFromInt(2400)
	payment := &models.Payment{
		UserID:         userID,
		GatewayOrderID: fmt.Sprintf("order_%d", orderSeq.Add(1)),
		Amount:         total,
		Currency:       "INR",
		Method:         models.MethodCard,
		Status:         models.PaymentPending,
		Breakdown: models.PaymentBreakdown{
			Subtotal:      decimal.NewFromInt(2000),
			Tax:           decimal.NewFromInt(360),
			CreditCardFee: decimal.NewFromInt(40),
			Total:         total,
		},
	}
	booking := &models.Booking{
		BookingNumber:    fmt.Sprintf("BK-TEST-%d", orderSeq.Add(1)),
		UserID:           userID,
		ServiceID:        slot.ServiceID,
		ServiceName:      "Physiotherapy",
		ClinicID:         slot.ClinicID,
		ClinicName:       "Central",
		Patient:          models.PatientDetails{Name: "Asha", Phone: "+911234567890"},
		Sessions:         2,
		SessionStatus:    models.SessionPaymentNotCompleted,
		TotalAmount:      total,
		AmountPerSession: decimal.NewFromInt(1200),
		SessionDates: []models.SessionDate{
			{SessionNumber: 1, Date: slot.Date, Time: slot.Time, Status: models.SessionDateScheduled},
			{SessionNumber: 2, Status: models.SessionDateUnscheduled},
		},
	}
	return payment, booking
}

func createPair(ctx context.Context, tx domain.Tx, payment *models.Payment, booking *models.Booking) error {
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return err
	}
	booking.PaymentID = payment.ID
	if err := tx.CreateBooking(ctx, booking); err != nil {
		return err
	}
	return tx.LinkPayment(ctx, payment.ID, booking.ID)
}

func insertBooking(t *testing.T, db *DB, slot models.Slot) (*models.Payment, *models.Booking) {
	t.Helper()
	payment, booking := newPair(7, slot)
	err := db.WithTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return createPair(ctx, tx, payment, booking)
	})
	require.NoError(t, err)
	return payment, booking
}

var testSlot = models.Slot{ClinicID: 1, ServiceID: 1, Date: "2030-01-15", Time: "10:00"}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
}

func TestCatalog(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	_, err := db.GetActiveFeeSettings(ctx)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	seedCatalog(t, db, 2)

	svc, err := db.GetService(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Physiotherapy", svc.Name)
	assert.True(t, svc.PricePerSession.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, models.ServiceBookingOpen, svc.Status)

	clinic, err := db.GetClinic(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, clinic.SlotCapacity)
	assert.Empty(t, clinic.OpensAt)

	fees, err := db.GetActiveFeeSettings(ctx)
	require.NoError(t, err)
	assert.True(t, fees.TaxPercentage.Equal(decimal.NewFromInt(18)))
	firstID := fees.ID

	// reseeding with identical fees keeps the active row
	seedCatalog(t, db, 2)
	fees, err = db.GetActiveFeeSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstID, fees.ID)

	require.NoError(t, db.SetActiveFeeSettings(ctx, &models.FeeSettings{
		TaxPercentage:        decimal.NewFromInt(12),
		CreditCardPercentage: decimal.Zero,
	}))
	fees, err = db.GetActiveFeeSettings(ctx)
	require.NoError(t, err)
	assert.True(t, fees.TaxPercentage.Equal(decimal.NewFromInt(12)))
	assert.NotEqual(t, firstID, fees.ID)

	_, err = db.GetService(ctx, 99)
	assert.ErrorAs(t, err, &nf)
	assert.Equal(t, "service", nf.Entity)

	_, err = db.GetClinic(ctx, 99)
	assert.ErrorAs(t, err, &nf)
}

func TestCreateBookingAndPayment(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)
	ctx := context.Background()

	payment, booking := insertBooking(t, db, testSlot)

	got, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.BookingNumber, got.BookingNumber)
	assert.Equal(t, payment.ID, got.PaymentID)
	assert.Equal(t, models.SessionPaymentNotCompleted, got.SessionStatus)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(2400)))
	assert.Nil(t, got.Cancellation)
	require.Len(t, got.SessionDates, 2)
	assert.Equal(t, "2030-01-15", got.SessionDates[0].Date)
	assert.Equal(t, models.SessionDateScheduled, got.SessionDates[0].Status)
	assert.Empty(t, got.SessionDates[1].Date)
	assert.Equal(t, models.SessionDateUnscheduled, got.SessionDates[1].Status)

	p, err := db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.ID, p.BookingID)
	assert.True(t, p.Amount.Equal(got.TotalAmount))
	assert.True(t, p.Breakdown.Tax.Equal(decimal.NewFromInt(360)))
	assert.Nil(t, p.CompletedAt)

	count, err := db.CountSlotBookings(ctx, testSlot)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// clinic-wide scope counts the same session
	count, err = db.CountSlotBookings(ctx, models.Slot{ClinicID: 1, Date: testSlot.Date, Time: testSlot.Time})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// other service at the same clinic and time is a different slot
	count, err = db.CountSlotBookings(ctx, models.Slot{ClinicID: 1, ServiceID: 2, Date: testSlot.Date, Time: testSlot.Time})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWithTx_RollbackLeavesNothing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)
	ctx := context.Background()

	boom := errors.New("boom")
	payment, booking := newPair(7, testSlot)
	err := db.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := createPair(ctx, tx, payment, booking); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	counts, err := db.CountBookings(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = db.GetPayment(ctx, payment.ID)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = db.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			payment, booking := newPair(7, testSlot)
			_ = createPair(ctx, tx, payment, booking)
			panic("mid-transaction")
		})
	})

	counts, err := db.CountBookings(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestLinkPayment_OnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)

	payment, booking := insertBooking(t, db, testSlot)

	err := db.LinkPayment(context.Background(), payment.ID, booking.ID+1)
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestConfirmBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)
	ctx := context.Background()

	payment, booking := insertBooking(t, db, testSlot)
	now := time.Now()

	err := db.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CompletePayment(ctx, payment.ID, "pay_1", "sig", now); err != nil {
			return err
		}
		return tx.ConfirmBooking(ctx, booking.ID, now)
	})
	require.NoError(t, err)

	p, err := db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Equal(t, "pay_1", p.GatewayPaymentID)
	require.NotNil(t, p.CompletedAt)

	b, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConfirmed, b.SessionStatus)

	// guarded updates refuse a second transition
	assert.ErrorIs(t, db.ConfirmBooking(ctx, booking.ID, now), ErrConcurrentModification)
	assert.ErrorIs(t, db.FailPayment(ctx, payment.ID, "late", now), ErrConcurrentModification)
	assert.ErrorIs(t, db.CancelBooking(ctx, booking.ID, models.Cancellation{CancelledAt: now}), ErrConcurrentModification)

	// confirmed bookings still hold the slot
	count, err := db.CountSlotBookings(ctx, testSlot)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCancelBooking_ReleasesSlot(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 1)
	ctx := context.Background()

	payment, booking := insertBooking(t, db, testSlot)
	now := time.Now()

	err := db.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.FailPayment(ctx, payment.ID, "card declined", now); err != nil {
			return err
		}
		return tx.CancelBooking(ctx, booking.ID, models.Cancellation{
			CancelledAt: now,
			CancelledBy: "7",
			Reason:      "card declined",
		})
	})
	require.NoError(t, err)

	b, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, b.SessionStatus)
	require.NotNil(t, b.Cancellation)
	assert.Equal(t, "7", b.Cancellation.CancelledBy)
	assert.False(t, b.Cancellation.RefundEligible)
	assert.Equal(t, models.SessionDateCancelled, b.SessionDates[0].Status)

	p, err := db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)
	require.NotNil(t, p.FailedAt)

	count, err := db.CountSlotBookings(ctx, testSlot)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListStalePendingBookings(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 5)
	ctx := context.Background()

	_, first := insertBooking(t, db, testSlot)
	_, second := insertBooking(t, db, testSlot)
	_, confirmed := insertBooking(t, db, testSlot)
	require.NoError(t, db.ConfirmBooking(ctx, confirmed.ID, time.Now()))

	stale, err := db.ListStalePendingBookings(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, first.ID, stale[0].ID)
	assert.Equal(t, second.ID, stale[1].ID)

	stale, err = db.ListStalePendingBookings(ctx, time.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = db.ListStalePendingBookings(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestListLedger(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	seedCatalog(t, db, 5)
	ctx := context.Background()

	p1, b1 := insertBooking(t, db, testSlot)
	p2, _ := insertBooking(t, db, testSlot)

	rows, err := db.ListLedger(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, p1.ID, rows[0].Payment.ID)
	assert.Equal(t, b1.BookingNumber, rows[0].Booking.BookingNumber)
	assert.Equal(t, p2.ID, rows[1].Payment.ID)
	assert.Equal(t, rows[0].Booking.ID, rows[0].Payment.BookingID)

	rows, err = db.ListLedger(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
