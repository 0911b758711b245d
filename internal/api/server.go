package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Dependencies are the services the HTTP API fronts. Metrics is optional.
type Dependencies struct {
	Bookings     BookingAPI
	Payments     PaymentAPI
	Availability AvailabilityAPI
	Store        Pinger
	Metrics      http.Handler
}

// HTTPServer exposes the booking pipeline over HTTP.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Dependencies
	auth   *HTTPAuth
	router chi.Router
	server *http.Server
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Dependencies, logger *zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "http"),
	}
	s.router = s.routes()

	readTimeout := cfg.HTTP.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.HTTP.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth.Require(permWriteBookings)).Post("/bookings", s.handleCreateBooking)
		r.With(s.auth.Require(permReadBookings)).Get("/bookings/{id}", s.handleGetBooking)
		r.With(s.auth.Require(permReadBookings)).Get("/quote", s.handleQuote)

		r.With(s.auth.Require(permWritePayments)).Post("/payments/verify", s.handleVerifyPayment)
		r.With(s.auth.Require(permWritePayments)).Post("/payments/failure", s.handlePaymentFailure)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(permReadAvailability))
			r.Get("/availability", s.handleAvailability)
			r.Post("/availability", s.handleAvailability)
		})
	})

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
