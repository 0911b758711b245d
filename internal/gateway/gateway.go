// Package gateway adapts the external payment gateway: order creation and checkout signature
// verification.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	sandboxKeyID  = "rzp_test_sandbox"
	sandboxSecret = "sandbox_secret"
)

// Sign computes the checkout signature the gateway attaches to a successful payment:
// hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(secret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// New returns the gateway selected by cfg.Mode.
func New(cfg config.GatewayConfig, logger *zerolog.Logger) domain.PaymentGateway {
	if cfg.Mode == config.GatewayModeLive {
		logger.Info().Str("base_url", cfg.BaseURL).Msg("Payment gateway in live mode")
		return NewClient(cfg)
	}
	logger.Warn().Msg("Payment gateway in sandbox mode, orders are not real")
	return NewSandbox(cfg.KeyID, cfg.KeySecret)
}

// Client talks to the gateway's orders API with basic auth.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

func NewClient(cfg config.GatewayConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		keyID:      cfg.KeyID,
		keySecret:  cfg.KeySecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (*models.GatewayOrder, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("order amount must be positive, got %d", req.Amount)
	}

	body, err := json.Marshal(orderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Description != "" {
			return nil, fmt.Errorf("create order failed (%d): %s", res.StatusCode, apiErr.Error.Description)
		}
		return nil, fmt.Errorf("create order failed with status %d", res.StatusCode)
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("order response has no id")
	}

	return &models.GatewayOrder{
		OrderID:     order.ID,
		CheckoutKey: c.keyID,
		Amount:      order.Amount,
		Currency:    order.Currency,
	}, nil
}

func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	return verify(c.keySecret, orderID, paymentID, signature)
}

// Sandbox issues local order ids and verifies signatures with its own secret. It lets the
// whole flow run without the real gateway.
type Sandbox struct {
	keyID  string
	secret string
}

func NewSandbox(keyID, secret string) *Sandbox {
	if keyID == "" {
		keyID = sandboxKeyID
	}
	if secret == "" {
		secret = sandboxSecret
	}
	return &Sandbox{keyID: keyID, secret: secret}
}

func (s *Sandbox) CreateOrder(ctx context.Context, req domain.OrderRequest) (*models.GatewayOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("order amount must be positive, got %d", req.Amount)
	}
	return &models.GatewayOrder{
		OrderID:     "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		CheckoutKey: s.keyID,
		Amount:      req.Amount,
		Currency:    req.Currency,
	}, nil
}

func (s *Sandbox) VerifySignature(orderID, paymentID, signature string) bool {
	return verify(s.secret, orderID, paymentID, signature)
}

// Sign produces the signature a successful sandbox checkout would return.
func (s *Sandbox) Sign(orderID, paymentID string) string {
	return Sign(s.secret, orderID, paymentID)
}
