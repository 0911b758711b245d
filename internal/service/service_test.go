package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clinicbooking/internal/availability"
	"clinicbooking/internal/cache"
	"clinicbooking/internal/config"
	"clinicbooking/internal/database"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/events"
	"clinicbooking/internal/gateway"
	"clinicbooking/internal/models"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateOrder(ctx context.Context, req domain.OrderRequest) (*models.GatewayOrder, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.GatewayOrder), args.Error(1)
}

func (m *mockGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return m.Called(orderID, paymentID, signature).Bool(0)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]byte), args.Bool(1), args.Error(2)
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *mockCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	return m.Called(ctx, prefix).Error(0)
}

// eventRecorder collects every event published on a bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.BookingEventPayload
	types  []string
}

func (r *eventRecorder) attach(bus *events.EventBus) {
	for _, eventType := range events.AllTypes {
		bus.Subscribe(eventType, func(event *events.Event) error {
			var payload events.BookingEventPayload
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.types = append(r.types, event.Type)
			r.events = append(r.events, payload)
			return nil
		})
	}
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last() events.BookingEventPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type testEnv struct {
	db           *database.DB
	cache        *cache.MemoryCache
	sandbox      *gateway.Sandbox
	calculator   *availability.Calculator
	bus          *events.EventBus
	recorder     *eventRecorder
	bookings     *BookingService
	reconciler   *ReconciliationService
	availability *AvailabilityService
	logger       *zerolog.Logger
}

type envOptions struct {
	capacity int
	noFees   bool
	gateway  domain.PaymentGateway
	timeout  time.Duration
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "clinic.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if opts.capacity == 0 {
		opts.capacity = 1
	}
	var fees *models.FeeSettings
	if !opts.noFees {
		fees = &models.FeeSettings{
			TaxPercentage:        decimal.NewFromInt(18),
			CreditCardPercentage: decimal.NewFromInt(2),
		}
	}
	require.NoError(t, db.SeedCatalog(context.Background(),
		[]models.Service{
			{
				ID:              1,
				Name:            "Physiotherapy",
				PricePerSession: decimal.NewFromInt(1000),
				MaxSessions:     5,
				Status:          models.ServiceBookingOpen,
			},
			{
				ID:              2,
				Name:            "Acupuncture",
				PricePerSession: decimal.NewFromInt(800),
				MaxSessions:     3,
				Status:          models.ServiceBookingClosed,
			},
		},
		[]models.Clinic{{ID: 1, Name: "Central", OpensAt: "09:00", ClosesAt: "18:00", SlotCapacity: opts.capacity}},
		fees,
	))

	env := &testEnv{
		db:       db,
		cache:    cache.NewMemoryCache(),
		sandbox:  gateway.NewSandbox("", ""),
		bus:      events.NewEventBus(),
		recorder: &eventRecorder{},
		logger:   &logger,
	}
	env.recorder.attach(env.bus)
	env.calculator = availability.NewCalculator(config.BookingConfig{DefaultSlotCapacity: 1, MaxAdvanceDays: 90}).
		WithClock(func() time.Time { return testNow })

	gw := opts.gateway
	if gw == nil {
		gw = env.sandbox
	}
	env.bookings = NewBookingService(db, env.cache, gw, env.calculator, env.bus,
		GatewaySettings{Currency: "INR", Timeout: opts.timeout}, &logger)
	env.bookings.now = func() time.Time { return testNow }
	env.reconciler = NewReconciliationService(db, env.cache, gw, env.bus, &logger)
	env.reconciler.now = func() time.Time { return testNow.Add(5 * time.Minute) }
	env.availability = NewAvailabilityService(db, env.cache, env.calculator, time.Hour, &logger)
	return env
}

func (e *testEnv) rowCounts(t *testing.T) (bookings, payments int) {
	t.Helper()
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM bookings").Scan(&bookings))
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM payments").Scan(&payments))
	return bookings, payments
}

func validRequest(userID int64) CreateBookingRequest {
	return CreateBookingRequest{
		UserID:        userID,
		ServiceID:     1,
		ClinicID:      1,
		Date:          "2030-01-15",
		Time:          "10:00",
		Sessions:      2,
		PaymentMethod: models.MethodCard,
		Patient:       models.PatientDetails{Name: "Asha Rao", Phone: "+919800000001"},
	}
}

func testSlot() models.Slot {
	return models.Slot{ClinicID: 1, ServiceID: 1, Date: "2030-01-15", Time: "10:00"}
}
