package worker

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"
	"time"

	"clinicbooking/internal/availability"
	"clinicbooking/internal/cache"
	"clinicbooking/internal/config"
	"clinicbooking/internal/database"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/gateway"
	"clinicbooking/internal/models"
	"clinicbooking/internal/service"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListStalePendingBookings(ctx context.Context, before time.Time, limit int) ([]*models.Booking, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}

type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) ExpireBooking(ctx context.Context, id int64) (*service.ReconciliationResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ReconciliationResult), args.Error(1)
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

var fastRetry = RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 5*time.Second, policy.NextDelay(5), "capped")
	assert.Equal(t, time.Second, policy.NextDelay(0))
	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(1))
	assert.Equal(t, time.Minute, RetryPolicy{MaxDelay: time.Minute}.NextDelay(500), "no overflow past the ceiling")
	assert.Equal(t, time.Duration(math.MaxInt64), RetryPolicy{}.NextDelay(500))
}

func TestRetryPolicyDo(t *testing.T) {
	t.Run("SucceedsAfterRetries", func(t *testing.T) {
		calls := 0
		err := fastRetry.Do(context.Background(), func(int) error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("ReturnsLastError", func(t *testing.T) {
		calls := 0
		err := fastRetry.Do(context.Background(), func(attempt int) error {
			calls++
			return errors.New("still locked")
		})
		assert.EqualError(t, err, "still locked")
		assert.Equal(t, 3, calls)
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour}
		err := slow.Do(ctx, func(int) error {
			cancel()
			return errors.New("boom")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReaper_RunOnce(t *testing.T) {
	now := time.Date(2030, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := config.BookingConfig{PendingTimeout: 20 * time.Minute, ReaperBatchSize: 2}

	t.Run("ExpiresInBatches", func(t *testing.T) {
		lister := new(mockLister)
		expirer := new(mockExpirer)
		cutoff := now.Add(-20 * time.Minute)

		lister.On("ListStalePendingBookings", mock.Anything, cutoff, 2).
			Return([]*models.Booking{{ID: 1}, {ID: 2}}, nil).Once()
		lister.On("ListStalePendingBookings", mock.Anything, cutoff, 2).
			Return([]*models.Booking{{ID: 3}}, nil).Once()
		for _, id := range []int64{1, 2, 3} {
			expirer.On("ExpireBooking", mock.Anything, id).
				Return(&service.ReconciliationResult{Applied: true}, nil).Once()
		}

		r := NewReaper(lister, expirer, cfg, fastRetry, quietLogger())
		r.now = func() time.Time { return now }

		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		lister.AssertExpectations(t)
		expirer.AssertExpectations(t)
	})

	t.Run("SkipsSettledBookings", func(t *testing.T) {
		lister := new(mockLister)
		expirer := new(mockExpirer)

		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 2).
			Return([]*models.Booking{{ID: 1}, {ID: 2}}, nil).Once()
		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 3).
			Return([]*models.Booking{{ID: 1}}, nil).Once()
		expirer.On("ExpireBooking", mock.Anything, int64(1)).
			Return(nil, &domain.InvalidStateTransitionError{BookingID: 1, From: models.SessionConfirmed, To: models.SessionCancelled}).Once()
		expirer.On("ExpireBooking", mock.Anything, int64(2)).
			Return(&service.ReconciliationResult{Applied: true}, nil).Once()

		r := NewReaper(lister, expirer, cfg, fastRetry, quietLogger())
		r.now = func() time.Time { return now }

		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		lister.AssertExpectations(t)
		expirer.AssertExpectations(t)
	})

	t.Run("StopsWithoutProgress", func(t *testing.T) {
		lister := new(mockLister)
		expirer := new(mockExpirer)

		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 2).
			Return([]*models.Booking{{ID: 1}, {ID: 2}}, nil).Once()
		expirer.On("ExpireBooking", mock.Anything, mock.Anything).
			Return(nil, errors.New("disk I/O error")).Twice()

		r := NewReaper(lister, expirer, cfg, fastRetry, quietLogger())
		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		lister.AssertExpectations(t)
	})

	t.Run("RetriesListing", func(t *testing.T) {
		lister := new(mockLister)
		expirer := new(mockExpirer)
		locked := errors.New("database is locked")

		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 2).Return(nil, locked).Twice()
		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 2).Return([]*models.Booking{}, nil).Once()

		r := NewReaper(lister, expirer, cfg, fastRetry, quietLogger())
		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		lister.AssertExpectations(t)
	})

	t.Run("ListingGivesUp", func(t *testing.T) {
		lister := new(mockLister)
		lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, 2).
			Return(nil, errors.New("database is locked")).Times(3)

		r := NewReaper(lister, new(mockExpirer), cfg, fastRetry, quietLogger())
		_, err := r.RunOnce(context.Background())
		assert.ErrorContains(t, err, "list stale bookings")
	})
}

func TestReaper_StartStopsOnCancel(t *testing.T) {
	lister := new(mockLister)
	lister.On("ListStalePendingBookings", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Booking{}, nil)

	r := NewReaper(lister, new(mockExpirer), config.BookingConfig{ReaperInterval: 10 * time.Millisecond}, fastRetry, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.GreaterOrEqual(t, len(lister.Calls), 2)
}

func TestReaper_ReleasesSlot(t *testing.T) {
	logger := quietLogger()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "reaper.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.SeedCatalog(ctx,
		[]models.Service{{ID: 1, Name: "Physiotherapy", PricePerSession: decimal.NewFromInt(1000), MaxSessions: 3, Status: models.ServiceBookingOpen}},
		[]models.Clinic{{ID: 1, Name: "Central"}},
		&models.FeeSettings{TaxPercentage: decimal.NewFromInt(18), CreditCardPercentage: decimal.NewFromInt(2)},
	))

	bookingCfg := config.BookingConfig{DefaultSlotCapacity: 1, PendingTimeout: 20 * time.Minute}
	calc := availability.NewCalculator(bookingCfg)
	memCache := cache.NewMemoryCache()
	gw := gateway.NewSandbox("", "")
	bookings := service.NewBookingService(db, memCache, gw, calc, nil, service.GatewaySettings{}, logger)
	reconciler := service.NewReconciliationService(db, memCache, gw, nil, logger)

	date := time.Now().AddDate(0, 0, 3).Format(models.DateLayout)
	req := service.CreateBookingRequest{
		UserID: 9, ServiceID: 1, ClinicID: 1, Date: date, Time: "10:00", Sessions: 1,
		PaymentMethod: models.MethodUPI,
		Patient:       models.PatientDetails{Name: "Ravi", Phone: "+919800000002"},
	}
	res, err := bookings.CreateBooking(ctx, req)
	require.NoError(t, err)

	_, err = bookings.CreateBooking(ctx, req)
	var sf *domain.SlotFullError
	require.ErrorAs(t, err, &sf)

	r := NewReaper(db, reconciler, bookingCfg, fastRetry, logger)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := db.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, expired.SessionStatus)
	require.NotNil(t, expired.Cancellation)
	assert.Equal(t, models.CancelledBySystem, expired.Cancellation.CancelledBy)

	_, err = bookings.CreateBooking(ctx, req)
	assert.NoError(t, err, "expired booking frees the slot")
}
