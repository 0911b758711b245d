package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/events"
	"clinicbooking/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateBooking_Success(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	res, err := env.bookings.CreateBooking(ctx, validRequest(7))
	require.NoError(t, err)

	b := res.Booking
	assert.NotZero(t, b.ID)
	assert.Regexp(t, regexp.MustCompile(`^BK-20300110-[0-9A-F]{6}$`), b.BookingNumber)
	assert.Equal(t, models.SessionPaymentNotCompleted, b.SessionStatus)
	assert.True(t, decimal.NewFromInt(2400).Equal(b.TotalAmount))
	assert.True(t, decimal.NewFromInt(1200).Equal(b.AmountPerSession))
	require.Len(t, b.SessionDates, 2)
	assert.Equal(t, models.SessionDateScheduled, b.SessionDates[0].Status)
	assert.Equal(t, "2030-01-15", b.SessionDates[0].Date)
	assert.Equal(t, models.SessionDateUnscheduled, b.SessionDates[1].Status)
	assert.Empty(t, b.SessionDates[1].Date)

	assert.Equal(t, int64(240000), res.Order.Amount)
	assert.Equal(t, "INR", res.Order.Currency)
	assert.NotEmpty(t, res.Order.CheckoutKey)

	// both directions of the link resolve from the store
	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	payment, err := env.db.GetPayment(ctx, stored.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, payment.BookingID)
	assert.Equal(t, res.Order.OrderID, payment.GatewayOrderID)
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.True(t, payment.Amount.Equal(stored.TotalAmount))
	assert.True(t, decimal.NewFromInt(360).Equal(payment.Breakdown.Tax))
	assert.True(t, decimal.NewFromInt(40).Equal(payment.Breakdown.CreditCardFee))

	assert.Equal(t, 1, env.recorder.count(events.EventBookingCreated))
	assert.Equal(t, b.ID, env.recorder.last().BookingID)
	assert.Equal(t, res.Order.OrderID, env.recorder.last().OrderID)
}

func TestCreateBooking_FailuresLeaveNoRows(t *testing.T) {
	tests := []struct {
		name    string
		opts    envOptions
		mutate  func(*CreateBookingRequest)
		gateway func(*mockGateway)
		check   func(t *testing.T, err error)
	}{
		{
			name:   "missing fields",
			mutate: func(r *CreateBookingRequest) { r.Date = ""; r.Patient.Name = ""; r.PaymentMethod = "cash" },
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.ElementsMatch(t, []string{"date", "patient.name", "payment_method"}, ve.Fields)
			},
		},
		{
			name:   "unknown service",
			mutate: func(r *CreateBookingRequest) { r.ServiceID = 99 },
			check: func(t *testing.T, err error) {
				var nf *domain.NotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		{
			name:   "booking closed",
			mutate: func(r *CreateBookingRequest) { r.ServiceID = 2 },
			check: func(t *testing.T, err error) {
				var bc *domain.BookingClosedError
				assert.ErrorAs(t, err, &bc)
			},
		},
		{
			name:   "too many sessions",
			mutate: func(r *CreateBookingRequest) { r.Sessions = 6 },
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, []string{"sessions"}, ve.Fields)
			},
		},
		{
			name:   "outside clinic hours",
			mutate: func(r *CreateBookingRequest) { r.Time = "18:30" },
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				assert.ErrorAs(t, err, &ve)
			},
		},
		{
			name:   "date in the past",
			mutate: func(r *CreateBookingRequest) { r.Date = "2030-01-09" },
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				assert.ErrorAs(t, err, &ve)
			},
		},
		{
			name: "no active fee settings",
			opts: envOptions{noFees: true},
			check: func(t *testing.T, err error) {
				var ce *domain.ConfigurationError
				assert.ErrorAs(t, err, &ce)
			},
		},
		{
			name: "gateway failure",
			gateway: func(g *mockGateway) {
				g.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("502 bad gateway"))
			},
			check: func(t *testing.T, err error) {
				var ge *domain.GatewayError
				require.ErrorAs(t, err, &ge)
				assert.Equal(t, "create_order", ge.Op)
				assert.True(t, ge.Retriable())
			},
		},
		{
			name: "gateway returns empty order",
			gateway: func(g *mockGateway) {
				g.On("CreateOrder", mock.Anything, mock.Anything).Return(&models.GatewayOrder{}, nil)
			},
			check: func(t *testing.T, err error) {
				var ge *domain.GatewayError
				assert.ErrorAs(t, err, &ge)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if tt.gateway != nil {
				g := new(mockGateway)
				tt.gateway(g)
				opts.gateway = g
			}
			env := newTestEnv(t, opts)

			req := validRequest(1)
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			res, err := env.bookings.CreateBooking(context.Background(), req)
			assert.Nil(t, res)
			require.Error(t, err)
			tt.check(t, err)

			bookings, payments := env.rowCounts(t)
			assert.Zero(t, bookings)
			assert.Zero(t, payments)
			assert.Zero(t, env.recorder.count(events.EventBookingCreated))
		})
	}
}

func TestCreateBooking_GatewayTimeout(t *testing.T) {
	g := new(mockGateway)
	g.On("CreateOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	env := newTestEnv(t, envOptions{gateway: g, timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := env.bookings.CreateBooking(context.Background(), validRequest(1))
	var ge *domain.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	bookings, payments := env.rowCounts(t)
	assert.Zero(t, bookings+payments)
}

func TestCreateBooking_OrderRequest(t *testing.T) {
	g := new(mockGateway)
	g.On("CreateOrder", mock.Anything, mock.MatchedBy(func(req domain.OrderRequest) bool {
		return req.Amount == 236000 && req.Currency == "INR" && req.Notes["service_id"] == "1"
	})).Return(&models.GatewayOrder{OrderID: "order_x", CheckoutKey: "key", Amount: 236000, Currency: "INR"}, nil).Once()

	env := newTestEnv(t, envOptions{gateway: g})
	req := validRequest(1)
	req.PaymentMethod = models.MethodUPI

	res, err := env.bookings.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "order_x", res.Payment.GatewayOrderID)
	g.AssertExpectations(t)
}

func TestCreateBooking_SlotFull(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	_, err := env.bookings.CreateBooking(ctx, validRequest(1))
	require.NoError(t, err)

	_, err = env.bookings.CreateBooking(ctx, validRequest(2))
	var sf *domain.SlotFullError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "2030-01-15", sf.Date)
	assert.Equal(t, "10:00", sf.Time)

	req := validRequest(2)
	req.Time = "11:00"
	_, err = env.bookings.CreateBooking(ctx, req)
	assert.NoError(t, err, "other slots stay bookable")

	bookings, payments := env.rowCounts(t)
	assert.Equal(t, 2, bookings)
	assert.Equal(t, 2, payments)
}

func TestCreateBooking_Concurrent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := env.bookings.CreateBooking(ctx, validRequest(user))
			results <- err
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	success, full := 0, 0
	for err := range results {
		var sf *domain.SlotFullError
		switch {
		case err == nil:
			success++
		case errors.As(err, &sf):
			full++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, attempts-1, full)

	bookings, payments := env.rowCounts(t)
	assert.Equal(t, 1, bookings)
	assert.Equal(t, 1, payments)
}

// racingTx reports the slot as taken once the gateway order exists. Writes are never reached.
type racingTx struct {
	domain.Tx
	inner   domain.Tx
	ordered *bool
}

func (r racingTx) CountSlotBookings(ctx context.Context, slot models.Slot) (int, error) {
	if *r.ordered {
		return 1, nil
	}
	return r.inner.CountSlotBookings(ctx, slot)
}

func (r racingTx) GetService(ctx context.Context, id int64) (*models.Service, error) {
	return r.inner.GetService(ctx, id)
}

func (r racingTx) GetClinic(ctx context.Context, id int64) (*models.Clinic, error) {
	return r.inner.GetClinic(ctx, id)
}

func (r racingTx) GetActiveFeeSettings(ctx context.Context) (*models.FeeSettings, error) {
	return r.inner.GetActiveFeeSettings(ctx)
}

type racingStore struct {
	domain.Store
	ordered *bool
}

func (r racingStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, racingTx{inner: tx, ordered: r.ordered})
	})
}

func TestCreateBooking_SlotTakenDuringGatewayCall(t *testing.T) {
	ordered := false
	g := new(mockGateway)
	g.On("CreateOrder", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { ordered = true }).
		Return(&models.GatewayOrder{OrderID: "order_orphan", Amount: 240000, Currency: "INR"}, nil).Once()

	env := newTestEnv(t, envOptions{gateway: g})
	svc := NewBookingService(racingStore{Store: env.db, ordered: &ordered}, env.cache, g, env.calculator, env.bus,
		GatewaySettings{}, env.logger)
	svc.now = func() time.Time { return testNow }

	_, err := svc.CreateBooking(context.Background(), validRequest(1))
	var sf *domain.SlotFullError
	require.ErrorAs(t, err, &sf)
	g.AssertExpectations(t)

	bookings, payments := env.rowCounts(t)
	assert.Zero(t, bookings+payments)
}

func TestQuote(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	q, err := env.bookings.Quote(ctx, 1, 2, models.MethodCard)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2000).Equal(q.Quote.Subtotal))
	assert.True(t, decimal.NewFromInt(2400).Equal(q.Quote.Total))
	assert.Equal(t, "Physiotherapy", q.Service.Name)

	_, err = env.bookings.Quote(ctx, 1, 0, "cash")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"sessions", "payment_method"}, ve.Fields)

	_, err = env.bookings.Quote(ctx, 1, 9, models.MethodCard)
	assert.ErrorAs(t, err, &ve)

	_, err = env.bookings.Quote(ctx, 42, 1, models.MethodCard)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetBooking(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	res, err := env.bookings.CreateBooking(ctx, validRequest(5))
	require.NoError(t, err)

	details, err := env.bookings.GetBooking(ctx, 5, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Booking.BookingNumber, details.Booking.BookingNumber)
	assert.Equal(t, res.Payment.ID, details.Payment.ID)

	_, err = env.bookings.GetBooking(ctx, 6, res.Booking.ID)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf, "another user's booking is not visible")

	_, err = env.bookings.GetBooking(ctx, 5, res.Booking.ID+100)
	assert.ErrorAs(t, err, &nf)
}

func TestNewBookingNumber(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		n := newBookingNumber(testNow)
		assert.Regexp(t, `^BK-20300110-[0-9A-F]{6}$`, n)
		seen[n] = true
	}
	assert.Greater(t, len(seen), 45, fmt.Sprintf("got %d distinct numbers", len(seen)))
}
