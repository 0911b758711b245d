// Package cache holds the availability cache backends. Every backend reports failures as
// errors and callers treat them as misses.
package cache

import (
	"fmt"

	"clinicbooking/internal/models"
)

// AvailabilityPrefix namespaces every availability key; invalidating it flushes all answers.
const AvailabilityPrefix = "booking_availability"

// AvailabilityKey is derived from every input of an availability check.
func AvailabilityKey(slot models.Slot) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", AvailabilityPrefix, slot.ClinicID, slot.ServiceID, slot.Date, slot.Time)
}
