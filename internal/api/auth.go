package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"clinicbooking/internal/config"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	clientKeyUnknown    = "unknown"

	permWriteBookings    = "write:bookings"
	permReadBookings     = "read:bookings"
	permReadAvailability = "read:availability"
	permWritePayments    = "write:payments"
)

var (
	errMissingAPIKey    = errors.New("missing api key")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

// HTTPAuth provides API-key auth and per-client rate limiting. Each route declares the
// permission it needs when it is mounted.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(cfg.RateLimit)}
}

// Require returns middleware admitting clients holding permission.
func (a *HTTPAuth) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.cfg.Auth.Enabled {
				if err := a.checkAuth(r, permission); err != nil {
					status := http.StatusUnauthorized
					if errors.Is(err, errPermissionDenied) {
						status = http.StatusForbidden
					}
					writeError(w, status, err.Error())
					return
				}
			}

			if !a.limiter.allow(a.clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *HTTPAuth) apiKeyHeader() string {
	if h := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey); h != "" {
		return h
	}
	return apiKeyHeaderDefault
}

func (a *HTTPAuth) checkAuth(r *http.Request, permission string) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
	if apiKey == "" {
		return errMissingAPIKey
	}

	var client config.APIClientKey
	found := false
	// compare against every key so timing does not reveal a prefix match
	for key, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			client, found = c, true
		}
	}
	if !found {
		return errInvalidAPIKey
	}

	return checkPermissions(client, permission)
}

func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" {
		return nil
	}
	// If permissions list is empty, treat as allow-all.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
