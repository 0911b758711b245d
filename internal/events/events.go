package events

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventBookingCreated   = "booking_created"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	// EventPaymentOrphaned reports a verified payment whose booking was already cancelled.
	// Operators must refund it manually.
	EventPaymentOrphaned = "payment_orphaned"
)

// AllTypes lists every event type the booking pipeline publishes.
var AllTypes = []string{EventBookingCreated, EventBookingConfirmed, EventBookingCancelled, EventPaymentOrphaned}

// BookingEventPayload describes the booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID      int64           `json:"booking_id"`
	BookingNumber  string          `json:"booking_number"`
	UserID         int64           `json:"user_id"`
	ServiceID      int64           `json:"service_id"`
	ClinicID       int64           `json:"clinic_id"`
	PaymentID      int64           `json:"payment_id"`
	OrderID        string          `json:"order_id,omitempty"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	Amount         decimal.Decimal `json:"amount"`
	Date           string          `json:"date,omitempty"`
	Time           string          `json:"time,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CancelledBy    string          `json:"cancelled_by,omitempty"`
	RefundRequired bool            `json:"refund_required,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handlers run synchronously and their errors
// are theirs to report.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: time.Now().UTC()}, nil
}
