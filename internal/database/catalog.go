package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicbooking/internal/domain"
	"clinicbooking/internal/models"
)

func (r queries) GetService(ctx context.Context, id int64) (*models.Service, error) {
	var s models.Service
	query := `SELECT id, name, price_per_session, discounted_price, discount_percentage,
	                 max_sessions, status, updated_at
              FROM services WHERE id = ?`
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.PricePerSession, &s.DiscountedPrice, &s.DiscountPercentage,
		&s.MaxSessions, &s.Status, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "service", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return &s, nil
}

func (r queries) GetClinic(ctx context.Context, id int64) (*models.Clinic, error) {
	var c models.Clinic
	var phone, email, address, opensAt, closesAt, from, until sql.NullString
	query := `SELECT id, name, phone, email, address, opens_at, closes_at,
	                 booking_from, booking_until, slot_capacity, updated_at
              FROM clinics WHERE id = ?`
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &phone, &email, &address, &opensAt, &closesAt,
		&from, &until, &c.SlotCapacity, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "clinic", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clinic: %w", err)
	}
	c.Phone = phone.String
	c.Email = email.String
	c.Address = address.String
	c.OpensAt = opensAt.String
	c.ClosesAt = closesAt.String
	c.BookingFrom = from.String
	c.BookingUntil = until.String
	return &c, nil
}

// GetActiveFeeSettings returns the newest active row, or NotFoundError when none is active.
func (r queries) GetActiveFeeSettings(ctx context.Context) (*models.FeeSettings, error) {
	var f models.FeeSettings
	query := `SELECT id, tax_percentage, credit_card_percentage, is_active, created_at
              FROM fee_settings WHERE is_active = 1 ORDER BY id DESC LIMIT 1`
	err := r.q.QueryRowContext(ctx, query).Scan(
		&f.ID, &f.TaxPercentage, &f.CreditCardPercentage, &f.IsActive, &f.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "fee settings"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active fee settings: %w", err)
	}
	return &f, nil
}

func (r queries) UpsertService(ctx context.Context, s *models.Service) error {
	query := `INSERT INTO services (
                id, name, price_per_session, discounted_price, discount_percentage,
                max_sessions, status, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                price_per_session = excluded.price_per_session,
                discounted_price = excluded.discounted_price,
                discount_percentage = excluded.discount_percentage,
                max_sessions = excluded.max_sessions,
                status = excluded.status,
                updated_at = excluded.updated_at`
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, query,
		s.ID, s.Name, s.PricePerSession, s.DiscountedPrice, s.DiscountPercentage,
		s.MaxSessions, s.Status, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert service %d: %w", s.ID, err)
	}
	s.UpdatedAt = now
	return nil
}

func (r queries) UpsertClinic(ctx context.Context, c *models.Clinic) error {
	query := `INSERT INTO clinics (
                id, name, phone, email, address, opens_at, closes_at,
                booking_from, booking_until, slot_capacity, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                phone = excluded.phone,
                email = excluded.email,
                address = excluded.address,
                opens_at = excluded.opens_at,
                closes_at = excluded.closes_at,
                booking_from = excluded.booking_from,
                booking_until = excluded.booking_until,
                slot_capacity = excluded.slot_capacity,
                updated_at = excluded.updated_at`
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, query,
		c.ID, c.Name, nullString(c.Phone), nullString(c.Email), nullString(c.Address),
		nullString(c.OpensAt), nullString(c.ClosesAt),
		nullString(c.BookingFrom), nullString(c.BookingUntil), c.SlotCapacity, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert clinic %d: %w", c.ID, err)
	}
	c.UpdatedAt = now
	return nil
}

// SetActiveFeeSettings deactivates every earlier row and inserts fees as the active one.
func (db *DB) SetActiveFeeSettings(ctx context.Context, fees *models.FeeSettings) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE fee_settings SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("failed to deactivate fee settings: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO fee_settings (tax_percentage, credit_card_percentage, is_active, created_at) VALUES (?, ?, 1, ?)`,
		fees.TaxPercentage, fees.CreditCardPercentage, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fee settings: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fee settings: %w", err)
	}

	fees.ID = id
	fees.IsActive = true
	fees.CreatedAt = now
	return nil
}

// SeedCatalog upserts services and clinics and, when fees is non-nil, makes it the active
// fee configuration unless an identical one is already active.
func (db *DB) SeedCatalog(ctx context.Context, services []models.Service, clinics []models.Clinic, fees *models.FeeSettings) error {
	for i := range services {
		if err := db.UpsertService(ctx, &services[i]); err != nil {
			return err
		}
	}
	for i := range clinics {
		if err := db.UpsertClinic(ctx, &clinics[i]); err != nil {
			return err
		}
	}

	if fees != nil {
		current, err := db.GetActiveFeeSettings(ctx)
		var nf *domain.NotFoundError
		switch {
		case err != nil && !errors.As(err, &nf):
			return err
		case err == nil && current.TaxPercentage.Equal(fees.TaxPercentage) &&
			current.CreditCardPercentage.Equal(fees.CreditCardPercentage):
		default:
			if err := db.SetActiveFeeSettings(ctx, fees); err != nil {
				return err
			}
		}
	}

	db.logger.Info().
		Int("services", len(services)).
		Int("clinics", len(clinics)).
		Bool("fees", fees != nil).
		Msg("Catalog seeded")
	return nil
}
