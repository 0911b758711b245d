package service

import (
	"context"
	"fmt"

	"clinicbooking/internal/events"
	"clinicbooking/internal/models"
)

// eventOutbox is satisfied by the store and by an open transaction.
type eventOutbox interface {
	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
}

func bookingPayload(booking *models.Booking, payment *models.Payment, reason, cancelledBy string, refundRequired bool) events.BookingEventPayload {
	payload := events.BookingEventPayload{
		BookingID:      booking.ID,
		BookingNumber:  booking.BookingNumber,
		UserID:         booking.UserID,
		ServiceID:      booking.ServiceID,
		ClinicID:       booking.ClinicID,
		PaymentID:      booking.PaymentID,
		Status:         booking.SessionStatus,
		Amount:         booking.TotalAmount,
		Reason:         reason,
		CancelledBy:    cancelledBy,
		RefundRequired: refundRequired,
	}
	if len(booking.SessionDates) > 0 {
		payload.Date = booking.SessionDates[0].Date
		payload.Time = booking.SessionDates[0].Time
	}
	if payment != nil {
		payload.OrderID = payment.GatewayOrderID
		payload.PaymentStatus = payment.Status
	}
	return payload
}

// enqueueBookingEvent writes the event to the outbox. Inside a transaction a failure here
// aborts the booking change, so a committed change always has its event.
func enqueueBookingEvent(ctx context.Context, outbox eventOutbox, eventType string, payload events.BookingEventPayload) error {
	ev, err := events.NewJSONEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return outbox.EnqueueEvent(ctx, &models.OutboxEvent{
		EventID:   ev.ID,
		EventType: eventType,
		BookingID: payload.BookingID,
		Payload:   ev.Payload,
		Status:    models.OutboxPending,
	})
}
