package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicbooking/internal/availability"
	"clinicbooking/internal/cache"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/events"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/models"
	"clinicbooking/internal/pricing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CreateBookingRequest struct {
	UserID        int64
	ServiceID     int64
	ClinicID      int64
	Date          string
	Time          string
	Sessions      int
	PaymentMethod string
	Patient       models.PatientDetails
}

func (r CreateBookingRequest) slot() models.Slot {
	return models.Slot{ClinicID: r.ClinicID, ServiceID: r.ServiceID, Date: r.Date, Time: r.Time}
}

type BookingResult struct {
	Booking *models.Booking
	Payment *models.Payment
	Order   *models.GatewayOrder
}

type BookingDetails struct {
	Booking *models.Booking
	Payment *models.Payment
}

type QuoteResult struct {
	Service *models.Service
	Fees    *models.FeeSettings
	Quote   models.Quote
}

// GatewaySettings controls how orders are opened with the payment gateway.
type GatewaySettings struct {
	Currency string
	// Timeout bounds the order call, which runs while the booking transaction holds the write lock.
	Timeout time.Duration
}

// BookingService creates bookings. Each creation is one store transaction that checks
// availability, opens the gateway order, checks availability again and writes the
// cross-linked booking and payment.
type BookingService struct {
	store      domain.Store
	cache      domain.AvailabilityCache
	gateway    domain.PaymentGateway
	calculator *availability.Calculator
	eventBus   domain.EventPublisher
	settings   GatewaySettings
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewBookingService(
	store domain.Store,
	availabilityCache domain.AvailabilityCache,
	gateway domain.PaymentGateway,
	calculator *availability.Calculator,
	eventBus domain.EventPublisher,
	settings GatewaySettings,
	logger *zerolog.Logger,
) *BookingService {
	if settings.Currency == "" {
		settings.Currency = "INR"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	return &BookingService{
		store:      store,
		cache:      availabilityCache,
		gateway:    gateway,
		calculator: calculator,
		eventBus:   eventBus,
		settings:   settings,
		logger:     logging.Component(logger, "booking_service"),
		now:        time.Now,
	}
}

// ValidateCreateRequest reports every missing or malformed field at once.
func ValidateCreateRequest(req CreateBookingRequest) error {
	var fields []string
	if req.UserID <= 0 {
		fields = append(fields, "user_id")
	}
	if err := availability.ValidateSlot(req.slot()); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			fields = append(fields, ve.Fields...)
		}
	}
	if req.Sessions < 1 {
		fields = append(fields, "sessions")
	}
	if !validMethod(req.PaymentMethod) {
		fields = append(fields, "payment_method")
	}
	if strings.TrimSpace(req.Patient.Name) == "" {
		fields = append(fields, "patient.name")
	}
	if strings.TrimSpace(req.Patient.Phone) == "" {
		fields = append(fields, "patient.phone")
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

func validMethod(method string) bool {
	switch method {
	case models.MethodCard, models.MethodUPI, models.MethodNetBanking, models.MethodWallet:
		return true
	}
	return false
}

// CreateBooking runs the booking transaction. On any error nothing is written.
func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingResult, error) {
	result, err := s.createBooking(ctx, req)
	if err != nil {
		s.logFailure(req, err)
		metrics.ObserveBooking(reasonLabel(err))
		return nil, err
	}

	metrics.ObserveBooking("")
	s.invalidate(ctx)
	s.publish(events.EventBookingCreated, result.Booking, result.Payment, "", "")

	s.logger.Info().
		Int64("booking_id", result.Booking.ID).
		Str("booking_number", result.Booking.BookingNumber).
		Int64("user_id", req.UserID).
		Str("order_id", result.Order.OrderID).
		Str("total", result.Booking.TotalAmount.StringFixed(2)).
		Msg("Booking created")
	return result, nil
}

func (s *BookingService) createBooking(ctx context.Context, req CreateBookingRequest) (*BookingResult, error) {
	if err := ValidateCreateRequest(req); err != nil {
		return nil, err
	}

	slot := req.slot()
	var result *BookingResult

	err := s.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		svc, err := tx.GetService(ctx, req.ServiceID)
		if err != nil {
			return err
		}
		if svc.Status != models.ServiceBookingOpen {
			return &domain.BookingClosedError{ServiceID: svc.ID}
		}
		if svc.MaxSessions > 0 && req.Sessions > svc.MaxSessions {
			return &domain.ValidationError{
				Fields:  []string{"sessions"},
				Message: fmt.Sprintf("at most %d sessions can be booked for %s", svc.MaxSessions, svc.Name),
			}
		}

		clinic, err := tx.GetClinic(ctx, req.ClinicID)
		if err != nil {
			return err
		}
		if err := s.calculator.CheckClinicRules(clinic, slot); err != nil {
			return err
		}

		fees, err := activeFees(ctx, tx)
		if err != nil {
			return err
		}

		if err := s.ensureAvailable(ctx, tx, slot); err != nil {
			return err
		}

		quote, err := pricing.Quote(svc.EffectivePrice(), req.Sessions, req.PaymentMethod, *fees)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		bookingNumber := newBookingNumber(now)

		order, err := s.createOrder(ctx, quote, bookingNumber, req)
		if err != nil {
			return err
		}

		// the slot may have been taken while the gateway call was in flight
		if err := s.ensureAvailable(ctx, tx, slot); err != nil {
			s.logger.Warn().
				Str("order_id", order.OrderID).
				Str("booking_number", bookingNumber).
				Msg("Slot taken during gateway call, order abandoned")
			return err
		}

		payment := &models.Payment{
			UserID:         req.UserID,
			GatewayOrderID: order.OrderID,
			Amount:         quote.Total,
			Currency:       s.settings.Currency,
			Method:         req.PaymentMethod,
			Status:         models.PaymentPending,
			Breakdown:      quote.Breakdown(),
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}

		booking := &models.Booking{
			BookingNumber:    bookingNumber,
			UserID:           req.UserID,
			ServiceID:        svc.ID,
			ServiceName:      svc.Name,
			ClinicID:         clinic.ID,
			ClinicName:       clinic.Name,
			Patient:          req.Patient,
			Sessions:         req.Sessions,
			SessionDates:     sessionDates(req),
			SessionStatus:    models.SessionPaymentNotCompleted,
			TotalAmount:      quote.Total,
			AmountPerSession: quote.AmountPerSession,
			PaymentID:        payment.ID,
		}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return err
		}

		if err := tx.LinkPayment(ctx, payment.ID, booking.ID); err != nil {
			return err
		}
		payment.BookingID = booking.ID

		if err := enqueueBookingEvent(ctx, tx, events.EventBookingCreated,
			bookingPayload(booking, payment, "", "", false)); err != nil {
			return err
		}

		result = &BookingResult{Booking: booking, Payment: payment, Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureAvailable reads through the transaction, never the cache.
func (s *BookingService) ensureAvailable(ctx context.Context, tx domain.Tx, slot models.Slot) error {
	avail, err := s.calculator.Check(ctx, tx, slot)
	if err != nil {
		return err
	}
	if !avail.Available {
		return &domain.SlotFullError{Date: slot.Date, Time: slot.Time}
	}
	return nil
}

func (s *BookingService) createOrder(ctx context.Context, quote models.Quote, bookingNumber string, req CreateBookingRequest) (*models.GatewayOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	start := time.Now()
	order, err := s.gateway.CreateOrder(ctx, domain.OrderRequest{
		Amount:   pricing.MinorUnits(quote.Total),
		Currency: s.settings.Currency,
		Receipt:  bookingNumber,
		Notes: map[string]string{
			"booking_number": bookingNumber,
			"service_id":     fmt.Sprint(req.ServiceID),
			"clinic_id":      fmt.Sprint(req.ClinicID),
		},
	})
	if err == nil && (order == nil || order.OrderID == "") {
		err = errors.New("gateway returned no order id")
	}
	metrics.ObserveGateway("create_order", err, time.Since(start))
	if err != nil {
		return nil, &domain.GatewayError{Op: "create_order", Err: err}
	}
	return order, nil
}

// Quote prices a prospective booking the same way CreateBooking will.
func (s *BookingService) Quote(ctx context.Context, serviceID int64, sessions int, method string) (*QuoteResult, error) {
	var fields []string
	if serviceID <= 0 {
		fields = append(fields, "service_id")
	}
	if sessions < 1 {
		fields = append(fields, "sessions")
	}
	if !validMethod(method) {
		fields = append(fields, "payment_method")
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.MaxSessions > 0 && sessions > svc.MaxSessions {
		return nil, &domain.ValidationError{
			Fields:  []string{"sessions"},
			Message: fmt.Sprintf("at most %d sessions can be booked for %s", svc.MaxSessions, svc.Name),
		}
	}

	fees, err := activeFees(ctx, s.store)
	if err != nil {
		return nil, err
	}

	quote, err := pricing.Quote(svc.EffectivePrice(), sessions, method, *fees)
	if err != nil {
		return nil, err
	}
	return &QuoteResult{Service: svc, Fees: fees, Quote: quote}, nil
}

// GetBooking returns the booking with its payment. A non-zero userID must own the booking.
func (s *BookingService) GetBooking(ctx context.Context, userID, bookingID int64) (*BookingDetails, error) {
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && booking.UserID != userID {
		return nil, &domain.NotFoundError{Entity: "booking", ID: bookingID}
	}

	payment, err := s.store.GetPayment(ctx, booking.PaymentID)
	if err != nil {
		return nil, err
	}
	return &BookingDetails{Booking: booking, Payment: payment}, nil
}

func activeFees(ctx context.Context, r domain.CatalogReader) (*models.FeeSettings, error) {
	fees, err := r.GetActiveFeeSettings(ctx)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return nil, &domain.ConfigurationError{Detail: "no active fee settings"}
	}
	return fees, err
}

func sessionDates(req CreateBookingRequest) []models.SessionDate {
	dates := make([]models.SessionDate, req.Sessions)
	dates[0] = models.SessionDate{SessionNumber: 1, Date: req.Date, Time: req.Time, Status: models.SessionDateScheduled}
	for i := 1; i < req.Sessions; i++ {
		dates[i] = models.SessionDate{SessionNumber: i + 1, Status: models.SessionDateUnscheduled}
	}
	return dates
}

// newBookingNumber formats BK-YYYYMMDD-XXXXXX.
func newBookingNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("BK-%s-%s", now.Format("20060102"), suffix)
}

func (s *BookingService) logFailure(req CreateBookingRequest, err error) {
	var (
		gwErr  *domain.GatewayError
		cfgErr *domain.ConfigurationError
	)
	event := s.logger.Warn()
	if errors.As(err, &gwErr) || errors.As(err, &cfgErr) || domain.ReasonOf(err) == "" {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("reason", reasonLabel(err)).
		Int64("user_id", req.UserID).
		Int64("service_id", req.ServiceID).
		Int64("clinic_id", req.ClinicID).
		Str("date", req.Date).
		Str("time", req.Time).
		Msg("Booking failed")
}

func (s *BookingService) invalidate(ctx context.Context) {
	invalidateAvailability(ctx, s.cache, s.logger)
}

func (s *BookingService) publish(eventType string, booking *models.Booking, payment *models.Payment, reason, cancelledBy string) {
	publishBookingEvent(s.eventBus, s.logger, eventType, booking, payment, reason, cancelledBy, false)
}

// reasonLabel is the taxonomy reason, or "internal" for store and unexpected errors.
func reasonLabel(err error) string {
	if reason := domain.ReasonOf(err); reason != "" {
		return reason
	}
	return "internal"
}

func invalidateAvailability(ctx context.Context, c domain.AvailabilityCache, logger *zerolog.Logger) {
	if c == nil {
		return
	}
	// detached so a cancelled request still flushes answers made stale by a committed write
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.InvalidatePrefix(ctx, cache.AvailabilityPrefix); err != nil {
		logger.Error().Err(err).Msg("Failed to invalidate availability cache")
	}
}

func publishBookingEvent(
	bus domain.EventPublisher,
	logger *zerolog.Logger,
	eventType string,
	booking *models.Booking,
	payment *models.Payment,
	reason, cancelledBy string,
	refundRequired bool,
) {
	if bus == nil || booking == nil {
		return
	}

	payload := bookingPayload(booking, payment, reason, cancelledBy, refundRequired)
	if err := bus.PublishJSON(eventType, payload); err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}
