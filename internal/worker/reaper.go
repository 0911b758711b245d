package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/models"
	"clinicbooking/internal/service"

	"github.com/rs/zerolog"
)

// StaleBookingLister finds bookings still waiting for payment.
type StaleBookingLister interface {
	ListStalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Booking, error)
}

// BookingExpirer runs the failure transition for an unpaid booking.
type BookingExpirer interface {
	ExpireBooking(ctx context.Context, bookingID int64) (*service.ReconciliationResult, error)
}

// Reaper cancels bookings left in PaymentNotCompleted past the payment window, releasing
// their slots.
type Reaper struct {
	store       StaleBookingLister
	expirer     BookingExpirer
	timeout     time.Duration
	interval    time.Duration
	batchSize   int
	retryPolicy RetryPolicy
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewReaper(store StaleBookingLister, expirer BookingExpirer, cfg config.BookingConfig, retry RetryPolicy, logger *zerolog.Logger) *Reaper {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 3
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 30 * time.Second
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	r := &Reaper{
		store:       store,
		expirer:     expirer,
		timeout:     cfg.PendingTimeout,
		interval:    cfg.ReaperInterval,
		batchSize:   cfg.ReaperBatchSize,
		retryPolicy: retry,
		logger:      logging.Component(logger, "reaper"),
		now:         time.Now,
	}
	if r.timeout <= 0 {
		r.timeout = 20 * time.Minute
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// Start sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info().Dur("pending_timeout", r.timeout).Dur("interval", r.interval).Msg("Reaper started")
	defer r.logger.Info().Msg("Reaper stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Reaper sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce cancels every booking older than the payment window, batch by batch. It returns the
// number of bookings it cancelled.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.timeout)
	cancelled := 0
	defer func() {
		if cancelled > 0 {
			metrics.AddReaperCancelled(cancelled)
		}
	}()

	// bookings that could not be expired this sweep; they are retried on the next tick
	skipped := make(map[int64]struct{})

	for {
		var batch []*models.Booking
		limit := r.batchSize + len(skipped)
		err := r.retryPolicy.Do(ctx, func(attempt int) error {
			var err error
			batch, err = r.store.ListStalePendingBookings(ctx, cutoff, limit)
			if err != nil {
				r.logger.Warn().Err(err).Int("attempt", attempt).Msg("List stale bookings failed")
			}
			return err
		})
		if err != nil {
			return cancelled, fmt.Errorf("list stale bookings: %w", err)
		}

		progressed := false
		for _, b := range batch {
			if _, ok := skipped[b.ID]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return cancelled, err
			}

			res, err := r.expirer.ExpireBooking(ctx, b.ID)
			var ite *domain.InvalidStateTransitionError
			switch {
			case errors.As(err, &ite):
				// paid or cancelled between the listing and the transition
				r.logger.Debug().Int64("booking_id", b.ID).Msg("Booking settled before expiry")
				skipped[b.ID] = struct{}{}
			case err != nil:
				r.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("Failed to expire booking")
				skipped[b.ID] = struct{}{}
			default:
				progressed = true
				if res.Applied {
					cancelled++
					r.logger.Info().
						Int64("booking_id", b.ID).
						Str("booking_number", b.BookingNumber).
						Time("created_at", b.CreatedAt).
						Msg("Expired unpaid booking")
				}
			}
		}

		if len(batch) < limit || !progressed {
			return cancelled, nil
		}
	}
}
