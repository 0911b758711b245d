package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"clinicbooking/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Booking    BookingConfig    `yaml:"booking"`
	Events     EventsConfig     `yaml:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// Fallback selects what serves cache calls while redis is unreachable: "none" or "memory".
	Fallback string `yaml:"fallback"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	HTTP       APIHTTPConfig      `yaml:"http"`
	Auth       APIAuthConfig      `yaml:"auth"`
	RateLimit  APIRateLimitConfig `yaml:"rate_limit"`
	UserHeader string             `yaml:"user_header"`
}

type APIHTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type GatewayConfig struct {
	Mode      string        `yaml:"mode"`
	BaseURL   string        `yaml:"base_url"`
	KeyID     string        `yaml:"key_id"`
	KeySecret string        `yaml:"key_secret"`
	Currency  string        `yaml:"currency"`
	Timeout   time.Duration `yaml:"timeout"`
}

type BookingConfig struct {
	DefaultSlotCapacity int           `yaml:"default_slot_capacity"`
	SlotScope           string        `yaml:"slot_scope"`
	PendingTimeout      time.Duration `yaml:"pending_timeout"`
	ReaperInterval      time.Duration `yaml:"reaper_interval"`
	ReaperBatchSize     int           `yaml:"reaper_batch_size"`
	MaxAdvanceDays      int           `yaml:"max_advance_days"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`

	RelayInterval   time.Duration `yaml:"relay_interval"`
	RelayBatchSize  int           `yaml:"relay_batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	OutboxRetention time.Duration `yaml:"outbox_retention"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type CatalogConfig struct {
	Services []models.Service    `yaml:"services"`
	Clinics  []models.Clinic     `yaml:"clinics"`
	Fees     *models.FeeSettings `yaml:"fees"`
}

const (
	GatewayModeSandbox = "sandbox"
	GatewayModeLive    = "live"

	SlotScopeService = "service"
	SlotScopeClinic  = "clinic"

	FallbackNone   = "none"
	FallbackMemory = "memory"
)

func Load(configPath string) (*Config, error) {
	// .env is optional; values already in the environment win
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Gateway.Mode {
	case GatewayModeSandbox:
	case GatewayModeLive:
		if c.Gateway.KeyID == "" || c.Gateway.KeySecret == "" {
			return errors.New("gateway key_id and key_secret are required in live mode")
		}
		if c.Gateway.BaseURL == "" {
			return errors.New("gateway base_url is required in live mode")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}

	switch c.Booking.SlotScope {
	case SlotScopeService, SlotScopeClinic:
	default:
		return fmt.Errorf("unknown booking slot_scope %q", c.Booking.SlotScope)
	}

	if c.Booking.PendingTimeout < time.Minute {
		return errors.New("booking pending_timeout must be at least 1m")
	}

	switch c.Redis.Fallback {
	case FallbackNone, FallbackMemory:
	default:
		return fmt.Errorf("unknown redis fallback %q", c.Redis.Fallback)
	}

	return ValidateCatalog(c.Catalog)
}

func ValidateCatalog(catalog CatalogConfig) error {
	serviceIDs := make(map[int64]bool)
	for _, s := range catalog.Services {
		if s.ID == 0 {
			return fmt.Errorf("service '%s' has invalid ID 0", s.Name)
		}
		if serviceIDs[s.ID] {
			return fmt.Errorf("duplicate service ID found: %d", s.ID)
		}
		serviceIDs[s.ID] = true
	}

	clinicIDs := make(map[int64]bool)
	for _, cl := range catalog.Clinics {
		if cl.ID == 0 {
			return fmt.Errorf("clinic '%s' has invalid ID 0", cl.Name)
		}
		if clinicIDs[cl.ID] {
			return fmt.Errorf("duplicate clinic ID found: %d", cl.ID)
		}
		clinicIDs[cl.ID] = true
		if err := validateClinicWindows(cl); err != nil {
			return fmt.Errorf("clinic %d: %w", cl.ID, err)
		}
	}
	return nil
}

// validateClinicWindows checks the layouts the booking rules compare as strings. "9:00" would
// sort after "10:00" and reject most of the day.
func validateClinicWindows(cl models.Clinic) error {
	for name, v := range map[string]string{"opens_at": cl.OpensAt, "closes_at": cl.ClosesAt} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(models.TimeLayout, v); err != nil {
			return fmt.Errorf("%s %q must be HH:MM", name, v)
		}
	}
	for name, v := range map[string]string{"booking_from": cl.BookingFrom, "booking_until": cl.BookingUntil} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(models.DateLayout, v); err != nil {
			return fmt.Errorf("%s %q must be YYYY-MM-DD", name, v)
		}
	}
	if cl.OpensAt != "" && cl.ClosesAt != "" && cl.OpensAt >= cl.ClosesAt {
		return fmt.Errorf("opens_at %s must be before closes_at %s", cl.OpensAt, cl.ClosesAt)
	}
	if cl.BookingFrom != "" && cl.BookingUntil != "" && cl.BookingFrom > cl.BookingUntil {
		return fmt.Errorf("booking_from %s is after booking_until %s", cl.BookingFrom, cl.BookingUntil)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "clinicbooking"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 15 * time.Second
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "./backups"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Redis.Fallback == "" {
		c.Redis.Fallback = FallbackNone
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.ReadTimeout == 0 {
		c.API.HTTP.ReadTimeout = 5 * time.Second
	}
	if c.API.HTTP.WriteTimeout == 0 {
		c.API.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.UserHeader == "" {
		c.API.UserHeader = "x-user-id"
	}

	c.Gateway.Mode = strings.ToLower(strings.TrimSpace(c.Gateway.Mode))
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = GatewayModeSandbox
	}
	if c.Gateway.Currency == "" {
		c.Gateway.Currency = "INR"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 10 * time.Second
	}

	if c.Booking.DefaultSlotCapacity == 0 {
		c.Booking.DefaultSlotCapacity = 1
	}
	if c.Booking.SlotScope == "" {
		c.Booking.SlotScope = SlotScopeService
	}
	if c.Booking.PendingTimeout == 0 {
		c.Booking.PendingTimeout = 20 * time.Minute
	}
	if c.Booking.ReaperInterval == 0 {
		c.Booking.ReaperInterval = time.Minute
	}
	if c.Booking.ReaperBatchSize == 0 {
		c.Booking.ReaperBatchSize = 50
	}
	if c.Booking.MaxAdvanceDays == 0 {
		c.Booking.MaxAdvanceDays = 180
	}

	if c.Events.RelayInterval <= 0 {
		c.Events.RelayInterval = 2 * time.Second
	}
	if c.Events.RelayBatchSize <= 0 {
		c.Events.RelayBatchSize = 50
	}
	if c.Events.MaxAttempts <= 0 {
		c.Events.MaxAttempts = 10
	}
	if c.Events.OutboxRetention <= 0 {
		c.Events.OutboxRetention = 7 * 24 * time.Hour
	}
	if c.Events.PublishTimeout <= 0 {
		c.Events.PublishTimeout = 5 * time.Second
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "clinic.bookings"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
