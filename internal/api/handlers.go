package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"
	"clinicbooking/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type BookingAPI interface {
	CreateBooking(ctx context.Context, req service.CreateBookingRequest) (*service.BookingResult, error)
	Quote(ctx context.Context, serviceID int64, sessions int, method string) (*service.QuoteResult, error)
	GetBooking(ctx context.Context, userID, bookingID int64) (*service.BookingDetails, error)
}

type PaymentAPI interface {
	Verify(ctx context.Context, req service.VerifyRequest) (*service.ReconciliationResult, error)
	Fail(ctx context.Context, req service.FailureRequest) (*service.ReconciliationResult, error)
}

type AvailabilityAPI interface {
	Check(ctx context.Context, slot models.Slot) (*models.Availability, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type bookingSummary struct {
	ID               int64                `json:"id"`
	BookingNumber    string               `json:"booking_number"`
	Status           string               `json:"status"`
	ServiceName      string               `json:"service_name"`
	ClinicName       string               `json:"clinic_name"`
	Sessions         int                  `json:"sessions"`
	SessionDates     []models.SessionDate `json:"session_dates"`
	TotalAmount      decimal.Decimal      `json:"total_amount"`
	AmountPerSession decimal.Decimal      `json:"amount_per_session"`
	Cancellation     *models.Cancellation `json:"cancellation,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

func newBookingSummary(b *models.Booking) bookingSummary {
	return bookingSummary{
		ID:               b.ID,
		BookingNumber:    b.BookingNumber,
		Status:           b.SessionStatus,
		ServiceName:      b.ServiceName,
		ClinicName:       b.ClinicName,
		Sessions:         b.Sessions,
		SessionDates:     b.SessionDates,
		TotalAmount:      b.TotalAmount,
		AmountPerSession: b.AmountPerSession,
		Cancellation:     b.Cancellation,
		CreatedAt:        b.CreatedAt,
	}
}

type paymentSummary struct {
	ID            int64                   `json:"id"`
	OrderID       string                  `json:"order_id"`
	Status        string                  `json:"status"`
	Method        string                  `json:"method"`
	Amount        decimal.Decimal         `json:"amount"`
	Currency      string                  `json:"currency"`
	Breakdown     models.PaymentBreakdown `json:"breakdown"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}

func newPaymentSummary(p *models.Payment) paymentSummary {
	return paymentSummary{
		ID:            p.ID,
		OrderID:       p.GatewayOrderID,
		Status:        p.Status,
		Method:        p.Method,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Breakdown:     p.Breakdown,
		FailureReason: p.FailureReason,
		CompletedAt:   p.CompletedAt,
	}
}

type checkoutHandle struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Key      string `json:"key"`
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &domain.ValidationError{Message: "could not read request body"}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &domain.ValidationError{Message: "invalid JSON body"}
	}
	return nil
}

// userID reads the caller identity set by the upstream auth proxy.
func (s *HTTPServer) userID(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(s.userHeader()))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) userHeader() string {
	if h := strings.TrimSpace(s.cfg.UserHeader); h != "" {
		return h
	}
	return "X-User-ID"
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req createBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	res, err := s.deps.Bookings.CreateBooking(r.Context(), service.CreateBookingRequest{
		UserID:        userID,
		ServiceID:     req.ServiceID,
		ClinicID:      req.ClinicID,
		Date:          req.Date,
		Time:          req.Time,
		Sessions:      req.Sessions,
		PaymentMethod: req.PaymentMethod,
		Patient:       req.patient(),
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"booking": newBookingSummary(res.Booking),
		"payment": checkoutHandle{
			OrderID:  res.Order.OrderID,
			Amount:   res.Order.Amount,
			Currency: res.Order.Currency,
			Key:      res.Order.CheckoutKey,
		},
	})
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeDomainError(w, s.logger, &domain.ValidationError{Fields: []string{"id"}})
		return
	}

	details, err := s.deps.Bookings.GetBooking(r.Context(), userID, id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"booking": newBookingSummary(details.Booking),
		"payment": newPaymentSummary(details.Payment),
	})
}

func (s *HTTPServer) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var raw verifyPaymentRequest
	if err := decodeJSON(r, &raw); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	req := raw.normalize()
	if err := validateStruct(req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	res, err := s.deps.Payments.Verify(r.Context(), service.VerifyRequest{
		BookingID:        req.BookingID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.GatewaySignature,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "payment verified",
		"booking": newBookingSummary(res.Booking),
		"payment": newPaymentSummary(res.Payment),
	})
}

func (s *HTTPServer) handlePaymentFailure(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req paymentFailureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	res, err := s.deps.Payments.Fail(r.Context(), service.FailureRequest{
		BookingID:   req.BookingID,
		UserID:      userID,
		Description: req.ErrorDescription,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "booking cancelled",
		"booking": newBookingSummary(res.Booking),
		"payment": newPaymentSummary(res.Payment),
	})
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = availabilityRequest{
			Date:      strings.TrimSpace(q.Get("date")),
			Time:      strings.TrimSpace(q.Get("time")),
			ServiceID: parseInt64(q.Get("service_id")),
			ClinicID:  parseInt64(q.Get("clinic_id")),
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	avail, err := s.deps.Availability.Check(r.Context(), req.slot())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"available": avail.Available,
		"date":      avail.Date,
		"time":      avail.Time,
	}
	if avail.Reason != "" {
		resp["message"] = avail.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := quoteRequest{
		ServiceID:     parseInt64(q.Get("service_id")),
		Sessions:      int(parseInt64(q.Get("sessions"))),
		PaymentMethod: strings.TrimSpace(q.Get("payment_method")),
	}
	if err := validateStruct(req); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	res, err := s.deps.Bookings.Quote(r.Context(), req.ServiceID, req.Sessions, req.PaymentMethod)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"service_id":         res.Service.ID,
		"service_name":       res.Service.Name,
		"price_per_session":  res.Service.EffectivePrice(),
		"sessions":           req.Sessions,
		"payment_method":     req.PaymentMethod,
		"subtotal":           res.Quote.Subtotal,
		"tax":                res.Quote.Tax,
		"credit_card_fee":    res.Quote.CreditCardFee,
		"total":              res.Quote.Total,
		"amount_per_session": res.Quote.AmountPerSession,
		"tax_percentage":     res.Fees.TaxPercentage,
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseInt64(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
