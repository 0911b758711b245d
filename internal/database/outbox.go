package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicbooking/internal/models"
)

// EnqueueEvent records an event for later delivery. Through a transaction it commits or rolls
// back with the booking change.
func (r queries) EnqueueEvent(ctx context.Context, ev *models.OutboxEvent) error {
	if ev.Status == "" {
		ev.Status = models.OutboxPending
	}
	now := time.Now().UTC()
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO event_outbox (event_id, event_type, booking_id, payload, status, attempts, created_at)
         VALUES (?, ?, ?, ?, ?, 0, ?)`,
		ev.EventID, ev.EventType, ev.BookingID, ev.Payload, ev.Status, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", ev.EventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get outbox id: %w", err)
	}
	ev.ID = id
	ev.CreatedAt = now
	return nil
}

// DueOutboxEvents lists undelivered events whose next attempt is due, oldest first. An event
// waits while an older event of the same booking is undelivered, so consumers see a booking's
// events in order.
func (db *DB) DueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT e.id, e.event_id, e.event_type, e.booking_id, e.payload, e.status, e.attempts, e.last_error,
                e.created_at, e.next_attempt_at, e.delivered_at
         FROM event_outbox e
         WHERE e.status IN (?, ?) AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= ?)
           AND NOT EXISTS (
               SELECT 1 FROM event_outbox older
               WHERE older.booking_id = e.booking_id AND older.id < e.id AND older.status IN (?, ?))
         ORDER BY e.id ASC LIMIT ?`,
		models.OutboxPending, models.OutboxRetry, now.UTC(), models.OutboxPending, models.OutboxRetry, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var (
			ev              models.OutboxEvent
			next, delivered sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.BookingID, &ev.Payload, &ev.Status,
			&ev.Attempts, &ev.LastError, &ev.CreatedAt, &next, &delivered); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.NextAttempt = nullTimePtr(next)
		ev.DeliveredAt = nullTimePtr(delivered)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) MarkEventDelivered(ctx context.Context, id int64, at time.Time) error {
	return db.updateOutbox(ctx,
		`UPDATE event_outbox SET status = ?, attempts = attempts + 1, last_error = '', next_attempt_at = NULL,
                delivered_at = ? WHERE id = ?`,
		models.OutboxDelivered, at.UTC(), id)
}

// MarkEventRetry counts a failed attempt and schedules the next one.
func (db *DB) MarkEventRetry(ctx context.Context, id int64, errMsg string, next time.Time) error {
	return db.updateOutbox(ctx,
		`UPDATE event_outbox SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
         WHERE id = ?`,
		models.OutboxRetry, errMsg, next.UTC(), id)
}

// MarkEventFailed parks an event that used up its attempts. Operators replay it by hand.
func (db *DB) MarkEventFailed(ctx context.Context, id int64, errMsg string) error {
	return db.updateOutbox(ctx,
		`UPDATE event_outbox SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = NULL
         WHERE id = ?`,
		models.OutboxFailed, errMsg, id)
}

func (db *DB) updateOutbox(ctx context.Context, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("outbox event %v not found", args[len(args)-1])
	}
	return nil
}

// PurgeDeliveredEvents drops delivered rows older than before and returns how many it removed.
func (db *DB) PurgeDeliveredEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM event_outbox WHERE status = ? AND delivered_at < ?`, models.OutboxDelivered, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// CountOutbox reports rows per status.
func (db *DB) CountOutbox(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
