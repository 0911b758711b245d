// Package availability answers whether a clinic slot still has capacity.
package availability

import (
	"context"
	"fmt"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"
)

const reasonSlotFull = "slot full, choose another time"

type Calculator struct {
	defaultCapacity int
	scope           string
	maxAdvanceDays  int
	now             func() time.Time
}

func NewCalculator(cfg config.BookingConfig) *Calculator {
	capacity := cfg.DefaultSlotCapacity
	if capacity <= 0 {
		capacity = 1
	}
	scope := cfg.SlotScope
	if scope == "" {
		scope = config.SlotScopeService
	}
	return &Calculator{
		defaultCapacity: capacity,
		scope:           scope,
		maxAdvanceDays:  cfg.MaxAdvanceDays,
		now:             time.Now,
	}
}

// WithClock replaces the time source used for date window checks.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Capacity is the clinic override when set, otherwise the configured default.
func (c *Calculator) Capacity(clinic *models.Clinic) int {
	if clinic != nil && clinic.SlotCapacity > 0 {
		return clinic.SlotCapacity
	}
	return c.defaultCapacity
}

// ScopedSlot drops the service from the slot when capacity is shared clinic-wide.
func (c *Calculator) ScopedSlot(slot models.Slot) models.Slot {
	if c.scope == config.SlotScopeClinic {
		slot.ServiceID = 0
	}
	return slot
}

// Check counts live bookings in the slot through r. It has no side effects, so calling it
// twice against the same reader without intervening writes gives the same answer.
func (c *Calculator) Check(ctx context.Context, r domain.SlotReader, slot models.Slot) (*models.Availability, error) {
	if err := ValidateSlot(slot); err != nil {
		return nil, err
	}

	clinic, err := r.GetClinic(ctx, slot.ClinicID)
	if err != nil {
		return nil, err
	}

	booked, err := r.CountSlotBookings(ctx, c.ScopedSlot(slot))
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}

	capacity := c.Capacity(clinic)
	result := &models.Availability{
		Available: booked < capacity,
		Date:      slot.Date,
		Time:      slot.Time,
		Booked:    booked,
		Capacity:  capacity,
	}
	if !result.Available {
		result.Reason = reasonSlotFull
	}
	return result, nil
}

// ValidateSlot checks identifiers and the date/time formats.
func ValidateSlot(slot models.Slot) error {
	var fields []string
	if slot.ClinicID <= 0 {
		fields = append(fields, "clinic_id")
	}
	if slot.ServiceID <= 0 {
		fields = append(fields, "service_id")
	}
	if _, err := time.Parse(models.DateLayout, slot.Date); err != nil {
		fields = append(fields, "date")
	}
	if _, err := time.Parse(models.TimeLayout, slot.Time); err != nil {
		fields = append(fields, "time")
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

// CheckClinicRules enforces the booking horizon and the clinic's own date and time windows.
func (c *Calculator) CheckClinicRules(clinic *models.Clinic, slot models.Slot) error {
	today := c.now().Format(models.DateLayout)
	if slot.Date < today {
		return &domain.ValidationError{Fields: []string{"date"}, Message: "date must be today or later"}
	}
	if c.maxAdvanceDays > 0 {
		limit := c.now().AddDate(0, 0, c.maxAdvanceDays).Format(models.DateLayout)
		if slot.Date > limit {
			return &domain.ValidationError{
				Fields:  []string{"date"},
				Message: fmt.Sprintf("date must be within %d days", c.maxAdvanceDays),
			}
		}
	}

	if (clinic.BookingFrom != "" && slot.Date < clinic.BookingFrom) ||
		(clinic.BookingUntil != "" && slot.Date > clinic.BookingUntil) {
		return &domain.BookingClosedError{
			Detail: fmt.Sprintf("clinic %s is not taking bookings on %s", clinic.Name, slot.Date),
		}
	}

	if (clinic.OpensAt != "" && slot.Time < clinic.OpensAt) ||
		(clinic.ClosesAt != "" && slot.Time >= clinic.ClosesAt) {
		return &domain.ValidationError{
			Fields:  []string{"time"},
			Message: fmt.Sprintf("time must be between %s and %s", clinic.OpensAt, clinic.ClosesAt),
		}
	}
	return nil
}
