package worker

import (
	"context"
	"fmt"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/events"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/models"

	"github.com/rs/zerolog"
)

const purgeEvery = time.Hour

// OutboxStore is the relay's view of the event outbox.
type OutboxStore interface {
	DueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	MarkEventDelivered(ctx context.Context, id int64, at time.Time) error
	MarkEventRetry(ctx context.Context, id int64, errMsg string, next time.Time) error
	MarkEventFailed(ctx context.Context, id int64, errMsg string) error
	PurgeDeliveredEvents(ctx context.Context, before time.Time) (int64, error)
	CountOutbox(ctx context.Context) (map[string]int, error)
}

// OutboxRelay delivers committed booking events to the broker. A failed delivery is retried
// with backoff until MaxAttempts, then parked as failed.
type OutboxRelay struct {
	store       OutboxStore
	publisher   events.Publisher
	interval    time.Duration
	batchSize   int
	maxAttempts int
	retention   time.Duration
	timeout     time.Duration
	backoff     RetryPolicy
	logger      *zerolog.Logger
	now         func() time.Time
	lastPurge   time.Time
}

func NewOutboxRelay(store OutboxStore, pub events.Publisher, cfg config.EventsConfig, backoff RetryPolicy, logger *zerolog.Logger) *OutboxRelay {
	if backoff.InitialDelay == 0 {
		backoff.InitialDelay = 5 * time.Second
	}
	if backoff.MaxDelay == 0 {
		backoff.MaxDelay = 5 * time.Minute
	}
	if backoff.MaxRetries == 0 {
		backoff.MaxRetries = 3
	}

	r := &OutboxRelay{
		store:       store,
		publisher:   pub,
		interval:    cfg.RelayInterval,
		batchSize:   cfg.RelayBatchSize,
		maxAttempts: cfg.MaxAttempts,
		retention:   cfg.OutboxRetention,
		timeout:     cfg.PublishTimeout,
		backoff:     backoff,
		logger:      logging.Component(logger, "outbox"),
		now:         time.Now,
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	return r
}

func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Int("max_attempts", r.maxAttempts).Msg("Outbox relay started")
	defer r.logger.Info().Msg("Outbox relay stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Outbox sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch of due events and returns how many were delivered.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()

	var due []models.OutboxEvent
	err := r.backoff.Do(ctx, func(attempt int) error {
		var err error
		due, err = r.store.DueOutboxEvents(ctx, now, r.batchSize)
		if err != nil {
			r.logger.Warn().Err(err).Int("attempt", attempt).Msg("List outbox events failed")
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list outbox events: %w", err)
	}

	delivered := 0
	// a booking whose event just failed keeps its later events back
	held := make(map[int64]bool)
	for i := range due {
		ev := &due[i]
		if held[ev.BookingID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		ok, err := r.deliver(ctx, ev, now)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		} else {
			held[ev.BookingID] = true
		}
	}

	r.housekeep(ctx, now)
	return delivered, nil
}

// deliver publishes one event and records the outcome. The error is only for store failures.
func (r *OutboxRelay) deliver(ctx context.Context, ev *models.OutboxEvent, now time.Time) (bool, error) {
	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	pubErr := r.publisher.Publish(pubCtx, &events.Event{
		ID:        ev.EventID,
		Type:      ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	})
	cancel()

	log := r.logger.With().
		Int64("outbox_id", ev.ID).
		Str("event_id", ev.EventID).
		Str("event_type", ev.EventType).
		Int64("booking_id", ev.BookingID).
		Logger()

	if pubErr == nil {
		if err := r.store.MarkEventDelivered(ctx, ev.ID, now); err != nil {
			return false, err
		}
		metrics.ObserveOutboxDelivery(models.OutboxDelivered)
		return true, nil
	}

	attempt := ev.Attempts + 1
	if attempt >= r.maxAttempts {
		if err := r.store.MarkEventFailed(ctx, ev.ID, pubErr.Error()); err != nil {
			return false, err
		}
		metrics.ObserveOutboxDelivery(models.OutboxFailed)
		log.Error().Err(pubErr).Int("attempts", attempt).Msg("Event parked after final delivery attempt")
		return false, nil
	}

	next := now.Add(r.backoff.NextDelay(attempt))
	if err := r.store.MarkEventRetry(ctx, ev.ID, pubErr.Error(), next); err != nil {
		return false, err
	}
	metrics.ObserveOutboxDelivery(models.OutboxRetry)
	log.Warn().Err(pubErr).Int("attempt", attempt).Time("next_attempt_at", next).Msg("Event delivery failed")
	return false, nil
}

func (r *OutboxRelay) housekeep(ctx context.Context, now time.Time) {
	if r.retention > 0 && now.Sub(r.lastPurge) >= purgeEvery {
		r.lastPurge = now
		n, err := r.store.PurgeDeliveredEvents(ctx, now.Add(-r.retention))
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("Outbox purge failed")
		case n > 0:
			r.logger.Info().Int64("purged", n).Msg("Purged delivered events")
		}
	}

	counts, err := r.store.CountOutbox(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Outbox count failed")
		return
	}
	metrics.SetOutboxBacklog(counts)
}
