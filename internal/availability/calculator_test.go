package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSlotReader struct {
	mock.Mock
}

func (m *MockSlotReader) GetClinic(ctx context.Context, id int64) (*models.Clinic, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Clinic), args.Error(1)
}

func (m *MockSlotReader) CountSlotBookings(ctx context.Context, slot models.Slot) (int, error) {
	args := m.Called(ctx, slot)
	return args.Int(0), args.Error(1)
}

var slot = models.Slot{ClinicID: 1, ServiceID: 3, Date: "2030-01-15", Time: "10:00"}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("free slot", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1}, nil)
		r.On("CountSlotBookings", ctx, slot).Return(0, nil)

		c := NewCalculator(config.BookingConfig{DefaultSlotCapacity: 1})
		got, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		assert.True(t, got.Available)
		assert.Empty(t, got.Reason)
		assert.Equal(t, "2030-01-15", got.Date)
		assert.Equal(t, 1, got.Capacity)
		r.AssertExpectations(t)
	})

	t.Run("full slot", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1}, nil)
		r.On("CountSlotBookings", ctx, slot).Return(1, nil)

		c := NewCalculator(config.BookingConfig{DefaultSlotCapacity: 1})
		got, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		assert.False(t, got.Available)
		assert.Equal(t, reasonSlotFull, got.Reason)
	})

	t.Run("clinic capacity overrides default", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1, SlotCapacity: 3}, nil)
		r.On("CountSlotBookings", ctx, slot).Return(2, nil)

		c := NewCalculator(config.BookingConfig{DefaultSlotCapacity: 1})
		got, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		assert.True(t, got.Available)
		assert.Equal(t, 3, got.Capacity)
	})

	t.Run("clinic scope counts all services", func(t *testing.T) {
		clinicWide := slot
		clinicWide.ServiceID = 0

		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1}, nil)
		r.On("CountSlotBookings", ctx, clinicWide).Return(0, nil)

		c := NewCalculator(config.BookingConfig{SlotScope: config.SlotScopeClinic})
		_, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		r.AssertExpectations(t)
	})

	t.Run("unknown clinic", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(nil, &domain.NotFoundError{Entity: "clinic", ID: 1})

		c := NewCalculator(config.BookingConfig{})
		_, err := c.Check(ctx, r, slot)
		var nf *domain.NotFoundError
		assert.ErrorAs(t, err, &nf)
		r.AssertNotCalled(t, "CountSlotBookings", mock.Anything, mock.Anything)
	})

	t.Run("store error", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1}, nil)
		r.On("CountSlotBookings", ctx, slot).Return(0, errors.New("disk I/O error"))

		c := NewCalculator(config.BookingConfig{})
		_, err := c.Check(ctx, r, slot)
		assert.Error(t, err)
	})

	t.Run("repeatable", func(t *testing.T) {
		r := new(MockSlotReader)
		r.On("GetClinic", ctx, int64(1)).Return(&models.Clinic{ID: 1}, nil)
		r.On("CountSlotBookings", ctx, slot).Return(0, nil)

		c := NewCalculator(config.BookingConfig{})
		first, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		second, err := c.Check(ctx, r, slot)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestValidateSlot(t *testing.T) {
	err := ValidateSlot(models.Slot{Date: "15/01/2030", Time: "25:00"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ElementsMatch(t, []string{"clinic_id", "service_id", "date", "time"}, ve.Fields)

	assert.NoError(t, ValidateSlot(slot))
}

func TestCheckClinicRules(t *testing.T) {
	now := time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC)
	c := NewCalculator(config.BookingConfig{MaxAdvanceDays: 30}).WithClock(func() time.Time { return now })

	clinic := &models.Clinic{
		Name:         "Central",
		OpensAt:      "09:00",
		ClosesAt:     "18:00",
		BookingFrom:  "2030-01-01",
		BookingUntil: "2030-01-31",
	}

	tests := []struct {
		name    string
		date    string
		time    string
		wantErr bool
	}{
		{"inside every window", "2030-01-15", "10:00", false},
		{"today is allowed", "2030-01-10", "09:00", false},
		{"past date", "2030-01-09", "10:00", true},
		{"beyond horizon", "2030-02-20", "10:00", true},
		{"before opening", "2030-01-15", "08:30", true},
		{"at closing", "2030-01-15", "18:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckClinicRules(clinic, models.Slot{Date: tt.date, Time: tt.time})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	t.Run("outside clinic range", func(t *testing.T) {
		narrow := *clinic
		narrow.BookingUntil = "2030-01-12"
		err := c.CheckClinicRules(&narrow, models.Slot{Date: "2030-01-15", Time: "10:00"})
		var closed *domain.BookingClosedError
		assert.ErrorAs(t, err, &closed)
	})

	t.Run("unrestricted clinic", func(t *testing.T) {
		err := c.CheckClinicRules(&models.Clinic{}, models.Slot{Date: "2030-01-15", Time: "23:30"})
		assert.NoError(t, err)
	})
}
