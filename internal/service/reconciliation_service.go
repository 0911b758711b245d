package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/events"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/models"

	"github.com/rs/zerolog"
)

const (
	transitionVerify  = "verify"
	transitionFailure = "failure"
	transitionExpire  = "expire"

	resultApplied  = "applied"
	resultNoop     = "noop"
	resultRejected = "rejected"

	// ExpiredReason is recorded on bookings cancelled by the reaper.
	ExpiredReason = "payment window expired"
)

type VerifyRequest struct {
	BookingID        int64
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// FailureRequest is a failed or dismissed checkout reported by the booking's user.
type FailureRequest struct {
	BookingID   int64
	UserID      int64
	Description string
}

// ReconciliationResult is the booking and payment after a transition. Applied is false when the
// call was a replay of a transition that already happened.
type ReconciliationResult struct {
	Booking *models.Booking
	Payment *models.Payment
	Applied bool
}

// ReconciliationService converges booking and payment state on gateway callbacks.
type ReconciliationService struct {
	store    domain.Store
	cache    domain.AvailabilityCache
	gateway  domain.PaymentGateway
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewReconciliationService(
	store domain.Store,
	availabilityCache domain.AvailabilityCache,
	gateway domain.PaymentGateway,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		store:    store,
		cache:    availabilityCache,
		gateway:  gateway,
		eventBus: eventBus,
		logger:   logging.Component(logger, "reconciliation"),
		now:      time.Now,
	}
}

// Verify confirms a booking after a successful checkout. An invalid signature leaves both
// records untouched.
func (s *ReconciliationService) Verify(ctx context.Context, req VerifyRequest) (*ReconciliationResult, error) {
	var fields []string
	if req.BookingID <= 0 {
		fields = append(fields, "booking_id")
	}
	if strings.TrimSpace(req.GatewayOrderID) == "" {
		fields = append(fields, "gateway_order_id")
	}
	if strings.TrimSpace(req.GatewayPaymentID) == "" {
		fields = append(fields, "gateway_payment_id")
	}
	if strings.TrimSpace(req.Signature) == "" {
		fields = append(fields, "gateway_signature")
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	if !s.gateway.VerifySignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		s.rejectSignature(req, "signature mismatch")
		metrics.ObserveReconciliation(transitionVerify, resultRejected)
		return nil, &domain.InvalidSignatureError{}
	}

	var (
		result   *ReconciliationResult
		orphaned *ReconciliationResult
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		booking, payment, err := loadPair(ctx, tx, req.BookingID)
		if err != nil {
			return err
		}
		// a valid signature for some other order must not confirm this booking
		if payment.GatewayOrderID != req.GatewayOrderID {
			s.rejectSignature(req, "order does not belong to booking")
			return &domain.InvalidSignatureError{}
		}

		switch booking.SessionStatus {
		case models.SessionConfirmed:
			result = &ReconciliationResult{Booking: booking, Payment: payment}
			return nil
		case models.SessionCancelled:
			orphaned = &ReconciliationResult{Booking: booking, Payment: payment}
			return &domain.InvalidStateTransitionError{
				BookingID: booking.ID, From: booking.SessionStatus, To: models.SessionConfirmed,
			}
		}

		at := s.now().UTC()
		if err := tx.CompletePayment(ctx, payment.ID, req.GatewayPaymentID, req.Signature, at); err != nil {
			return err
		}
		if err := tx.ConfirmBooking(ctx, booking.ID, at); err != nil {
			return err
		}

		booking, payment, err = loadPair(ctx, tx, req.BookingID)
		if err != nil {
			return err
		}
		if err := enqueueBookingEvent(ctx, tx, events.EventBookingConfirmed,
			bookingPayload(booking, payment, "", "", false)); err != nil {
			return err
		}
		result = &ReconciliationResult{Booking: booking, Payment: payment, Applied: true}
		return nil
	})
	if err != nil {
		err = mapConcurrent(err, req.BookingID, models.SessionConfirmed)
		s.logTransitionError(transitionVerify, req.BookingID, err)
		metrics.ObserveReconciliation(transitionVerify, resultRejected)
		if orphaned != nil {
			s.logger.Error().
				Int64("booking_id", orphaned.Booking.ID).
				Str("order_id", req.GatewayOrderID).
				Str("gateway_payment_id", req.GatewayPaymentID).
				Bool("refund_required", true).
				Msg("Payment captured for cancelled booking")
			s.reportOrphan(ctx, orphaned)
		}
		return nil, err
	}

	s.finish(ctx, transitionVerify, result, events.EventBookingConfirmed, "", "")
	return result, nil
}

// Fail cancels a booking whose checkout failed or was dismissed. The slot becomes bookable again.
func (s *ReconciliationService) Fail(ctx context.Context, req FailureRequest) (*ReconciliationResult, error) {
	var missing []string
	if req.BookingID <= 0 {
		missing = append(missing, "booking_id")
	}
	if req.UserID <= 0 {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return nil, &domain.ValidationError{Fields: missing}
	}
	reason := strings.TrimSpace(req.Description)
	if reason == "" {
		reason = "payment failed"
	}
	return s.cancel(ctx, transitionFailure, req.BookingID, req.UserID, reason, "")
}

// ExpireBooking cancels a booking that stayed unpaid past the payment window.
func (s *ReconciliationService) ExpireBooking(ctx context.Context, bookingID int64) (*ReconciliationResult, error) {
	return s.cancel(ctx, transitionExpire, bookingID, 0, ExpiredReason, models.CancelledBySystem)
}

// cancel runs the failure transition. A non-zero ownerID must own the booking; someone else's
// booking reads as not found. An empty cancelledBy records the booking's own user.
func (s *ReconciliationService) cancel(
	ctx context.Context, transition string, bookingID, ownerID int64, reason, cancelledBy string,
) (*ReconciliationResult, error) {
	var result *ReconciliationResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		booking, payment, err := loadPair(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if ownerID != 0 && booking.UserID != ownerID {
			return &domain.NotFoundError{Entity: "booking", ID: bookingID}
		}

		switch booking.SessionStatus {
		case models.SessionCancelled:
			result = &ReconciliationResult{Booking: booking, Payment: payment}
			return nil
		case models.SessionConfirmed:
			return &domain.InvalidStateTransitionError{
				BookingID: booking.ID, From: booking.SessionStatus, To: models.SessionCancelled,
			}
		}

		if cancelledBy == "" {
			cancelledBy = fmt.Sprint(booking.UserID)
		}
		at := s.now().UTC()
		if err := tx.FailPayment(ctx, payment.ID, reason, at); err != nil {
			return err
		}
		if err := tx.CancelBooking(ctx, booking.ID, models.Cancellation{
			CancelledAt:    at,
			CancelledBy:    cancelledBy,
			Reason:         reason,
			RefundEligible: false,
		}); err != nil {
			return err
		}

		booking, payment, err = loadPair(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if err := enqueueBookingEvent(ctx, tx, events.EventBookingCancelled,
			bookingPayload(booking, payment, reason, cancelledBy, false)); err != nil {
			return err
		}
		result = &ReconciliationResult{Booking: booking, Payment: payment, Applied: true}
		return nil
	})
	if err != nil {
		err = mapConcurrent(err, bookingID, models.SessionCancelled)
		s.logTransitionError(transition, bookingID, err)
		metrics.ObserveReconciliation(transition, resultRejected)
		return nil, err
	}

	by := cancelledBy
	if c := result.Booking.Cancellation; c != nil {
		by = c.CancelledBy
	}
	s.finish(ctx, transition, result, events.EventBookingCancelled, reason, by)
	return result, nil
}

// reportOrphan records the orphaned payment on its own, since the rejected transition rolled back.
func (s *ReconciliationService) reportOrphan(ctx context.Context, orphaned *ReconciliationResult) {
	const reason = "payment captured after cancellation"
	payload := bookingPayload(orphaned.Booking, orphaned.Payment, reason, "", true)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := enqueueBookingEvent(ctx, s.store, events.EventPaymentOrphaned, payload); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", orphaned.Booking.ID).Msg("Failed to record orphaned payment event")
	}
	publishBookingEvent(s.eventBus, s.logger, events.EventPaymentOrphaned,
		orphaned.Booking, orphaned.Payment, reason, "", true)
}

// finish runs the post-commit side effects. Replays skip them so a duplicate callback neither
// invalidates the cache nor republishes the event.
func (s *ReconciliationService) finish(ctx context.Context, transition string, result *ReconciliationResult, eventType, reason, cancelledBy string) {
	if !result.Applied {
		metrics.ObserveReconciliation(transition, resultNoop)
		s.logger.Info().
			Str("transition", transition).
			Int64("booking_id", result.Booking.ID).
			Str("status", result.Booking.SessionStatus).
			Msg("Transition already applied")
		return
	}

	metrics.ObserveReconciliation(transition, resultApplied)
	invalidateAvailability(ctx, s.cache, s.logger)
	publishBookingEvent(s.eventBus, s.logger, eventType, result.Booking, result.Payment, reason, cancelledBy, false)

	s.logger.Info().
		Str("transition", transition).
		Int64("booking_id", result.Booking.ID).
		Int64("payment_id", result.Payment.ID).
		Str("status", result.Booking.SessionStatus).
		Str("payment_status", result.Payment.Status).
		Msg("Booking reconciled")
}

func (s *ReconciliationService) rejectSignature(req VerifyRequest, detail string) {
	s.logger.Warn().
		Bool("security", true).
		Int64("booking_id", req.BookingID).
		Str("order_id", req.GatewayOrderID).
		Str("gateway_payment_id", req.GatewayPaymentID).
		Str("detail", detail).
		Msg("Payment verification rejected")
}

func (s *ReconciliationService) logTransitionError(transition string, bookingID int64, err error) {
	var ite *domain.InvalidStateTransitionError
	switch {
	case errors.As(err, &ite):
		s.logger.Error().
			Str("transition", transition).
			Int64("booking_id", ite.BookingID).
			Str("from", ite.From).
			Str("to", ite.To).
			Msg("Invalid state transition rejected")
	case domain.ReasonOf(err) != "":
		s.logger.Warn().Err(err).Str("transition", transition).Int64("booking_id", bookingID).
			Str("reason", domain.ReasonOf(err)).Msg("Transition failed")
	default:
		s.logger.Error().Err(err).Str("transition", transition).Int64("booking_id", bookingID).
			Msg("Transition failed")
	}
}

func loadPair(ctx context.Context, tx domain.Tx, bookingID int64) (*models.Booking, *models.Payment, error) {
	booking, err := tx.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	payment, err := tx.GetPayment(ctx, booking.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	return booking, payment, nil
}

// mapConcurrent reports a lost guarded update as the transition it blocked.
func mapConcurrent(err error, bookingID int64, to string) error {
	if errors.Is(err, domain.ErrConcurrentModification) {
		return &domain.InvalidStateTransitionError{BookingID: bookingID, From: "changed concurrently", To: to}
	}
	return err
}
