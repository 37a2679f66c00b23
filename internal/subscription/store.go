package subscription

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable subscription registry backed by sqlite.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the subscription database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

const subscriptionColumns = `id, user_id, provider, resource_id, position_id, round_id,
	sync_cursor, watch_expiry, last_updated, email, remote_watch_handle, processed_count`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var expiry, updated int64
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Provider, &sub.ResourceID, &sub.PositionID,
		&sub.RoundID, &sub.SyncCursor, &expiry, &updated, &sub.Email,
		&sub.RemoteWatchHandle, &sub.ProcessedCount)
	if err != nil {
		return nil, err
	}
	if expiry != 0 {
		sub.WatchExpiry = time.Unix(expiry, 0)
	}
	if updated != 0 {
		sub.LastUpdated = time.Unix(updated, 0)
	}
	return &sub, nil
}

// Upsert inserts or replaces a subscription row keyed on
// (user_id, provider, position_id, resource_id). The sync cursor is only
// overwritten when the stored row has none yet, so renewals cannot move
// an active cursor backward.
func (s *Store) Upsert(ctx context.Context, sub *Subscription) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, user_id, provider, resource_id, position_id, round_id,
		 sync_cursor, watch_expiry, last_updated, email, remote_watch_handle, processed_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider, position_id, resource_id) DO UPDATE SET
			sync_cursor = CASE WHEN subscriptions.sync_cursor = '' THEN excluded.sync_cursor ELSE subscriptions.sync_cursor END,
			watch_expiry = excluded.watch_expiry,
			last_updated = excluded.last_updated,
			email = excluded.email,
			remote_watch_handle = excluded.remote_watch_handle
	`, sub.ID, sub.UserID, string(sub.Provider), sub.ResourceID, sub.PositionID, sub.RoundID,
		sub.SyncCursor, unixOrZero(sub.WatchExpiry), unixOrZero(sub.LastUpdated),
		sub.Email, sub.RemoteWatchHandle, sub.ProcessedCount)

	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetByID loads one subscription; returns sql.ErrNoRows when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Subscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`, id)
	return scanSubscription(row)
}

// GetByRemoteHandle resolves a provider-side registration id to the local
// subscription. Used by the Outlook webhook path.
func (s *Store) GetByRemoteHandle(ctx context.Context, provider Provider, handle string) (*Subscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider = ? AND remote_watch_handle = ?
	`, string(provider), handle)
	return scanSubscription(row)
}

// ListByEmail returns every subscription for a provider and mailbox
// address. Used by the Gmail webhook path, whose push envelope carries
// only the address.
func (s *Store) ListByEmail(ctx context.Context, provider Provider, email string) ([]*Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider = ? AND email = ?
		ORDER BY resource_id
	`, string(provider), email)
}

// ListByKey returns the subscriptions for one (user, provider, position).
func (s *Store) ListByKey(ctx context.Context, userID string, provider Provider, positionID string) ([]*Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND provider = ? AND position_id = ?
		ORDER BY resource_id
	`, userID, string(provider), positionID)
}

// ListByUser returns every subscription owned by a user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ?
		ORDER BY provider, position_id, resource_id
	`, userID)
}

// ListExpiring returns subscriptions whose watch expires before the
// given instant. Used by the renewal sweep.
func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]*Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE watch_expiry != 0 AND watch_expiry < ?
		ORDER BY watch_expiry
	`, before.Unix())
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AdvanceCursor commits the result of one sync cycle: the cursor moves
// to newCursor unless that would take it backward, and the processed
// count grows by processedDelta. One commit per batch.
func (s *Store) AdvanceCursor(ctx context.Context, id, newCursor string, processedDelta int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE subscriptions
		SET sync_cursor = CASE
				WHEN ? = '' THEN sync_cursor
				WHEN sync_cursor = '' OR CAST(? AS INTEGER) > CAST(sync_cursor AS INTEGER) THEN ?
				ELSE sync_cursor
			END,
		    processed_count = processed_count + ?,
		    last_updated = ?
		WHERE id = ?
	`, newCursor, newCursor, newCursor, processedDelta, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// Delete removes one subscription row. No error when already absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// DeleteByKey removes every row for one (user, provider, position).
func (s *Store) DeleteByKey(ctx context.Context, userID string, provider Provider, positionID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE user_id = ? AND provider = ? AND position_id = ?
	`, userID, string(provider), positionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
