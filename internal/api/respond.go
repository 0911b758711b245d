package api

import (
	"errors"
	"net/http"

	"clinicbooking/internal/domain"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const genericErrorMessage = "internal server error"

type errorResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Reason  string   `json:"reason,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	// Date and Time carry the conflicting slot of a slot_full error.
	Date      string `json:"date,omitempty"`
	Time      string `json:"time,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Message: message})
}

// writeDomainError maps the error taxonomy onto status codes. Untyped errors are reported as
// a generic 500 and logged.
func writeDomainError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	status, resp := errorPayload(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, resp)
}

func errorPayload(err error) (int, errorResponse) {
	resp := errorResponse{Message: err.Error(), Reason: domain.ReasonOf(err)}
	var re domain.ReasonedError
	if errors.As(err, &re) {
		resp.Retriable = re.Retriable()
	}

	var (
		ve  *domain.ValidationError
		nf  *domain.NotFoundError
		bc  *domain.BookingClosedError
		sf  *domain.SlotFullError
		ce  *domain.ConfigurationError
		pe  *domain.PricingError
		ge  *domain.GatewayError
		se  *domain.InvalidSignatureError
		ite *domain.InvalidStateTransitionError
	)
	switch {
	case errors.As(err, &ve):
		resp.Fields = ve.Fields
		return http.StatusBadRequest, resp
	case errors.As(err, &nf):
		return http.StatusNotFound, resp
	case errors.As(err, &bc):
		return http.StatusConflict, resp
	case errors.As(err, &sf):
		resp.Message = "slot full, choose another time"
		resp.Date, resp.Time = sf.Date, sf.Time
		return http.StatusConflict, resp
	case errors.As(err, &ite):
		return http.StatusConflict, resp
	case errors.As(err, &pe):
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &ge):
		// the upstream detail stays in the logs
		resp.Message = "payment gateway unavailable, please retry"
		return http.StatusFailedDependency, resp
	case errors.As(err, &se):
		resp.Message = "payment verification failed"
		return http.StatusBadRequest, resp
	case errors.As(err, &ce):
		resp.Message = "booking is temporarily unavailable"
		return http.StatusServiceUnavailable, resp
	}
	return http.StatusInternalServerError, errorResponse{Message: genericErrorMessage}
}
