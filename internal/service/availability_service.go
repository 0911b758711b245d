package service

import (
	"context"
	"time"

	"clinicbooking/internal/availability"
	"clinicbooking/internal/cache"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/models"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// AvailabilityService answers slot availability for browsing clients through the cache.
// The booking transaction never reads through here.
type AvailabilityService struct {
	store      domain.SlotReader
	cache      domain.AvailabilityCache
	calculator *availability.Calculator
	ttl        time.Duration
	logger     *zerolog.Logger
}

func NewAvailabilityService(
	store domain.SlotReader,
	availabilityCache domain.AvailabilityCache,
	calculator *availability.Calculator,
	ttl time.Duration,
	logger *zerolog.Logger,
) *AvailabilityService {
	if availabilityCache == nil {
		availabilityCache = cache.NopCache{}
	}
	return &AvailabilityService{
		store:      store,
		cache:      availabilityCache,
		calculator: calculator,
		ttl:        ttl,
		logger:     logging.Component(logger, "availability"),
	}
}

// evaluate applies the clinic's date and time rules before counting, so a slot CreateBooking
// would refuse is never reported as available. A rule violation is an answer, not an error.
func (s *AvailabilityService) evaluate(ctx context.Context, slot models.Slot) (*models.Availability, error) {
	clinic, err := s.store.GetClinic(ctx, slot.ClinicID)
	if err != nil {
		return nil, err
	}
	if err := s.calculator.CheckClinicRules(clinic, slot); err != nil {
		return &models.Availability{
			Available: false,
			Reason:    err.Error(),
			Date:      slot.Date,
			Time:      slot.Time,
			Capacity:  s.calculator.Capacity(clinic),
		}, nil
	}
	return s.calculator.Check(ctx, s.store, slot)
}

// Check returns the cached answer when present. Cache failures are treated as misses.
func (s *AvailabilityService) Check(ctx context.Context, slot models.Slot) (*models.Availability, error) {
	if err := availability.ValidateSlot(slot); err != nil {
		return nil, err
	}
	key := cache.AvailabilityKey(slot)

	raw, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.IncCache("error")
		s.logger.Warn().Err(err).Str("key", key).Msg("Availability cache read failed")
	case ok:
		var cached models.Availability
		if err := json.Unmarshal(raw, &cached); err == nil {
			metrics.IncCache("hit")
			return &cached, nil
		}
		metrics.IncCache("error")
		s.logger.Warn().Str("key", key).Msg("Discarding undecodable availability entry")
	default:
		metrics.IncCache("miss")
	}

	result, err := s.evaluate(ctx, slot)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Availability cache write failed")
		}
	}
	return result, nil
}
