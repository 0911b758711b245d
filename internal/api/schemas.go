package api

import (
	"errors"
	"reflect"
	"strings"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report the wire names clients sent, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct converts validator failures into a ValidationError naming every bad field.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ValidationError{Message: err.Error()}
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the top-level struct name
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		fields = append(fields, ns)
	}
	return &domain.ValidationError{Fields: fields}
}

type patientDetails struct {
	Name  string `json:"name" validate:"required,max=120"`
	Phone string `json:"phone" validate:"required,max=20"`
	Email string `json:"email" validate:"omitempty,email"`
}

type createBookingRequest struct {
	PaymentMethod  string         `json:"payment_method" validate:"required,oneof=card upi netbanking wallet"`
	PatientDetails patientDetails `json:"patient_details"`
	ServiceID      int64          `json:"service_id" validate:"required,gt=0"`
	ClinicID       int64          `json:"clinic_id" validate:"required,gt=0"`
	Sessions       int            `json:"sessions" validate:"required,min=1"`
	Date           string         `json:"date" validate:"required,datetime=2006-01-02"`
	Time           string         `json:"time" validate:"required,datetime=15:04"`
}

func (r createBookingRequest) patient() models.PatientDetails {
	return models.PatientDetails{
		Name:  strings.TrimSpace(r.PatientDetails.Name),
		Phone: strings.TrimSpace(r.PatientDetails.Phone),
		Email: strings.TrimSpace(r.PatientDetails.Email),
	}
}

// verifyPaymentRequest accepts both the gateway-specific checkout field names and the
// generic ones.
type verifyPaymentRequest struct {
	BookingID int64 `json:"booking_id"`

	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`

	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	GatewaySignature string `json:"gateway_signature"`
}

type verifyPayment struct {
	BookingID        int64  `json:"booking_id" validate:"required,gt=0"`
	GatewayOrderID   string `json:"gateway_order_id" validate:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" validate:"required"`
	GatewaySignature string `json:"gateway_signature" validate:"required"`
}

func (r verifyPaymentRequest) normalize() verifyPayment {
	return verifyPayment{
		BookingID:        r.BookingID,
		GatewayOrderID:   firstNonEmpty(r.GatewayOrderID, r.RazorpayOrderID),
		GatewayPaymentID: firstNonEmpty(r.GatewayPaymentID, r.RazorpayPaymentID),
		GatewaySignature: firstNonEmpty(r.GatewaySignature, r.RazorpaySignature),
	}
}

type paymentFailureRequest struct {
	BookingID        int64  `json:"booking_id" validate:"required,gt=0"`
	ErrorDescription string `json:"error_description" validate:"max=500"`
}

type availabilityRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string `json:"time" validate:"required,datetime=15:04"`
	ServiceID int64  `json:"service_id" validate:"required,gt=0"`
	ClinicID  int64  `json:"clinic_id" validate:"required,gt=0"`
}

func (r availabilityRequest) slot() models.Slot {
	return models.Slot{ClinicID: r.ClinicID, ServiceID: r.ServiceID, Date: r.Date, Time: r.Time}
}

type quoteRequest struct {
	ServiceID     int64  `json:"service_id" validate:"required,gt=0"`
	Sessions      int    `json:"sessions" validate:"required,min=1"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=card upi netbanking wallet"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
