package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clinicbooking/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const memoryPath = ":memory:"

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; it runs against the pool or an open transaction.
type queries struct {
	q dbtx
}

type DB struct {
	*sql.DB
	queries
	logger *zerolog.Logger
	path   string
}

var _ domain.Store = (*DB)(nil)

// Options tunes the connection. A zero BusyTimeout uses 15s.
type Options struct {
	BusyTimeout time.Duration
}

func NewDB(path string, logger *zerolog.Logger, opts ...Options) (*DB, error) {
	opt := Options{BusyTimeout: 15 * time.Second}
	if len(opts) > 0 && opts[0].BusyTimeout > 0 {
		opt.BusyTimeout = opts[0].BusyTimeout
	}

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path, opt))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == memoryPath {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, queries: queries{q: sqlDB}, logger: logger, path: path}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// dsn makes every transaction take the write lock on BEGIN, so the count-then-insert inside
// one booking transaction cannot interleave with another.
func dsn(path string, opt Options) string {
	params := fmt.Sprintf("_txlock=immediate&_busy_timeout=%d&_foreign_keys=on", opt.BusyTimeout.Milliseconds())
	if path == memoryPath {
		return "file::memory:?" + params
	}
	return fmt.Sprintf("file:%s?%s&_journal_mode=WAL", path, params)
}

func (db *DB) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS services (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            price_per_session TEXT NOT NULL,
            discounted_price TEXT NOT NULL DEFAULT '0',
            discount_percentage TEXT NOT NULL DEFAULT '0',
            max_sessions INTEGER NOT NULL DEFAULT 1,
            status TEXT NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS clinics (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            phone TEXT,
            email TEXT,
            address TEXT,
            opens_at TEXT,
            closes_at TEXT,
            booking_from TEXT,
            booking_until TEXT,
            slot_capacity INTEGER NOT NULL DEFAULT 0,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS fee_settings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tax_percentage TEXT NOT NULL,
            credit_card_percentage TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS payments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER REFERENCES bookings(id),
            user_id INTEGER NOT NULL,
            gateway_order_id TEXT NOT NULL UNIQUE,
            amount TEXT NOT NULL,
            currency TEXT NOT NULL,
            method TEXT NOT NULL,
            status TEXT NOT NULL,
            subtotal TEXT NOT NULL,
            tax TEXT NOT NULL,
            credit_card_fee TEXT NOT NULL,
            total TEXT NOT NULL,
            gateway_payment_id TEXT NOT NULL DEFAULT '',
            gateway_signature TEXT NOT NULL DEFAULT '',
            failure_reason TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            completed_at DATETIME,
            failed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_number TEXT NOT NULL UNIQUE,
            user_id INTEGER NOT NULL,
            service_id INTEGER NOT NULL,
            service_name TEXT NOT NULL,
            clinic_id INTEGER NOT NULL,
            clinic_name TEXT NOT NULL,
            patient_name TEXT NOT NULL,
            patient_phone TEXT NOT NULL,
            patient_email TEXT NOT NULL DEFAULT '',
            sessions INTEGER NOT NULL,
            session_status TEXT NOT NULL,
            total_amount TEXT NOT NULL,
            amount_per_session TEXT NOT NULL,
            payment_id INTEGER NOT NULL REFERENCES payments(id),
            cancelled_at DATETIME,
            cancelled_by TEXT NOT NULL DEFAULT '',
            cancellation_reason TEXT NOT NULL DEFAULT '',
            refund_eligible BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS booking_sessions (
            booking_id INTEGER NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            session_number INTEGER NOT NULL,
            session_date TEXT,
            session_time TEXT,
            status TEXT NOT NULL,
            PRIMARY KEY (booking_id, session_number)
        )`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL UNIQUE,
            event_type TEXT NOT NULL,
            booking_id INTEGER NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            next_attempt_at DATETIME,
            delivered_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON event_outbox(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_slot ON booking_sessions(session_date, session_time, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_clinic_service ON bookings(clinic_id, service_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(session_status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_booking ON payments(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error executing statement %s: %w", stmt, err)
		}
	}
	return nil
}

// WithTx runs fn inside one transaction. Any error from fn, or a panic, rolls it back.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				db.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
			}
		}
	}()

	if err = fn(ctx, &txQueries{queries{q: sqlTx}}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Path is the file the store was opened on.
func (db *DB) Path() string {
	return db.path
}

// txQueries is the domain.Tx view of an open transaction.
type txQueries struct {
	queries
}

var _ domain.Tx = (*txQueries)(nil)

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
