/*
 * Copyright (c) 2024, VPN Access. All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package service

import (
	"context"
	"database/sql"
	std_errors "errors"
	"fmt"
	"time"

	"github.com/vpn-access/vpn-access-core/access/common/errors"

	_ "modernc.org/sqlite"
)

// ErrSubscriberNotFound is returned by GetSubscriber when no subscriber
// record exists for the given name.
var ErrSubscriberNotFound = std_errors.New("subscriber not found")

// ErrConcurrencyLimitExceeded is returned by AcquireSession when the
// subscriber is at its concurrent session limit.
var ErrConcurrencyLimitExceeded = std_errors.New("concurrency limit exceeded")

// Subscriber is a subscriber record as stored in the subscriber database.
// The record is owned by the external administrative system; this service
// reads it and atomically mutates only ActiveSessions and UsedBytes.
type Subscriber struct {
	Name                  string
	CredentialHash        string
	Enabled               bool
	ExpiresAt             *time.Time
	QuotaBytes            int64
	UsedBytes             int64
	MaxConcurrentSessions int64
	RateLimitMbps         int64
	ActiveSessions        int64
}

// SubscriberStore provides access to the SQLite subscriber database.
//
// Hook invocations are independent, concurrently-running processes with no
// shared memory, so all cross-invocation atomicity is implemented as
// conditional UPDATE statements evaluated inside the database, never as
// read-then-write at this layer.
type SubscriberStore struct {
	db *sql.DB
}

// OpenSubscriberStore opens the subscriber database, creating the schema
// when absent. WAL mode and a busy timeout accommodate concurrent hook
// processes.
func OpenSubscriberStore(filename string) (*SubscriberStore, error) {

	dataSourceName := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filename)

	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS subscribers (
            name TEXT PRIMARY KEY,
            credential_hash TEXT NOT NULL,
            enabled INTEGER NOT NULL DEFAULT 1,
            expires_at INTEGER,
            quota_bytes INTEGER NOT NULL DEFAULT 0,
            used_bytes INTEGER NOT NULL DEFAULT 0,
            max_concurrent_sessions INTEGER NOT NULL DEFAULT 0,
            rate_limit_mbps INTEGER NOT NULL DEFAULT 0,
            active_sessions INTEGER NOT NULL DEFAULT 0
        );
        CREATE TABLE IF NOT EXISTS sessions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            subscriber_name TEXT NOT NULL,
            address TEXT,
            established_at INTEGER NOT NULL,
            class_id INTEGER,
            closed_at INTEGER,
            bytes_transferred INTEGER NOT NULL DEFAULT 0
        );
        CREATE INDEX IF NOT EXISTS sessions_address ON sessions (address);
        CREATE INDEX IF NOT EXISTS sessions_subscriber ON sessions (subscriber_name);
    `)
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}

	return &SubscriberStore{db: db}, nil
}

// Close closes the subscriber database.
func (store *SubscriberStore) Close() error {
	return errors.Trace(store.db.Close())
}

// GetSubscriber reads the subscriber record for the given name.
func (store *SubscriberStore) GetSubscriber(
	ctx context.Context, name string) (*Subscriber, error) {

	subscriber := &Subscriber{}
	var expiresAt sql.NullInt64

	err := store.db.QueryRowContext(
		ctx,
		`SELECT name, credential_hash, enabled, expires_at, quota_bytes,
                used_bytes, max_concurrent_sessions, rate_limit_mbps,
                active_sessions
         FROM subscribers WHERE name = ?`,
		name).Scan(
		&subscriber.Name,
		&subscriber.CredentialHash,
		&subscriber.Enabled,
		&expiresAt,
		&subscriber.QuotaBytes,
		&subscriber.UsedBytes,
		&subscriber.MaxConcurrentSessions,
		&subscriber.RateLimitMbps,
		&subscriber.ActiveSessions)
	if err == sql.ErrNoRows {
		return nil, errors.Trace(ErrSubscriberNotFound)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		subscriber.ExpiresAt = &t
	}

	return subscriber, nil
}

// AcquireSession creates a pending session for the subscriber, incrementing
// its active session count if and only if the count is below
// max_concurrent_sessions (0 = unlimited). The check and increment are a
// single conditional UPDATE, so concurrent admission attempts cannot exceed
// the limit. Returns ErrConcurrencyLimitExceeded when the subscriber is at
// its limit.
func (store *SubscriberStore) AcquireSession(
	ctx context.Context, name string) (int64, error) {

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE subscribers SET active_sessions = active_sessions + 1
         WHERE name = ?
           AND (max_concurrent_sessions = 0
                OR active_sessions < max_concurrent_sessions)`,
		name)
	if err != nil {
		return 0, errors.Trace(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if rows == 0 {
		return 0, errors.Trace(ErrConcurrencyLimitExceeded)
	}

	result, err = tx.ExecContext(
		ctx,
		`INSERT INTO sessions (subscriber_name, established_at)
         VALUES (?, ?)`,
		name, time.Now().Unix())
	if err != nil {
		return 0, errors.Trace(err)
	}

	sessionID, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Trace(err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, errors.Trace(err)
	}

	return sessionID, nil
}

// ClaimPendingSession attaches the tunnel-assigned address and the
// allocated traffic class to the subscriber's oldest pending session. A
// classID of 0 records no traffic class, which is the case for unlimited
// subscribers; derived class identifiers are never 0, as the tunnel daemon
// never assigns the pool network address.
func (store *SubscriberStore) ClaimPendingSession(
	ctx context.Context, name string, address string, classID uint16) error {

	var class sql.NullInt64
	if classID != 0 {
		class = sql.NullInt64{Int64: int64(classID), Valid: true}
	}

	result, err := store.db.ExecContext(
		ctx,
		`UPDATE sessions SET address = ?, class_id = ?
         WHERE id = (SELECT id FROM sessions
                     WHERE subscriber_name = ?
                       AND address IS NULL AND closed_at IS NULL
                     ORDER BY established_at, id LIMIT 1)`,
		address, class, name)
	if err != nil {
		return errors.Trace(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if rows == 0 {

		// Duplicate connect event delivery, or a session admitted before
		// this service was installed. Record a session so the disconnect
		// accounting has something to finalize; the counter was not
		// incremented for it, and FinalizeSession's guarded decrement
		// handles that case.
		_, err = store.db.ExecContext(
			ctx,
			`INSERT INTO sessions
                 (subscriber_name, address, established_at, class_id)
             SELECT ?, ?, ?, ?
             WHERE NOT EXISTS
                 (SELECT 1 FROM sessions
                  WHERE address = ? AND closed_at IS NULL)`,
			name, address, time.Now().Unix(), class, address)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// FinalizeSession closes the open session for the given address, adding the
// observed transferred bytes to the subscriber's usage total and releasing
// its concurrency slot. The counter decrement is guarded by the session's
// own open/closed state: finalizing an already-closed session is a no-op,
// so duplicate disconnect deliveries decrement exactly once. Returns true
// when a session was finalized by this call.
func (store *SubscriberStore) FinalizeSession(
	ctx context.Context, address string, bytesTransferred int64) (bool, error) {

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer tx.Rollback()

	var sessionID int64
	var subscriberName string
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, subscriber_name FROM sessions
         WHERE address = ? AND closed_at IS NULL
         ORDER BY established_at, id LIMIT 1`,
		address).Scan(&sessionID, &subscriberName)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET closed_at = ?, bytes_transferred = ?
         WHERE id = ? AND closed_at IS NULL`,
		time.Now().Unix(), bytesTransferred, sessionID)
	if err != nil {
		return false, errors.Trace(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE subscribers
         SET active_sessions = MAX(active_sessions - 1, 0),
             used_bytes = used_bytes + ?
         WHERE name = ?`,
		bytesTransferred, subscriberName)
	if err != nil {
		return false, errors.Trace(err)
	}

	err = tx.Commit()
	if err != nil {
		return false, errors.Trace(err)
	}

	return true, nil
}

// ExpirePendingSessions closes pending sessions established before the
// cutoff which never reached the connect hook, releasing their concurrency
// slots. Returns the number of sessions closed.
func (store *SubscriberStore) ExpirePendingSessions(
	ctx context.Context, cutoff time.Time) (int, error) {

	rows, err := store.db.QueryContext(
		ctx,
		`SELECT id, subscriber_name FROM sessions
         WHERE address IS NULL AND closed_at IS NULL AND established_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, errors.Trace(err)
	}

	type pending struct {
		id   int64
		name string
	}
	var pendings []pending
	for rows.Next() {
		var p pending
		err = rows.Scan(&p.id, &p.name)
		if err != nil {
			rows.Close()
			return 0, errors.Trace(err)
		}
		pendings = append(pendings, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, errors.Trace(err)
	}

	expired := 0
	for _, p := range pendings {

		err = func() error {
			tx, err := store.db.BeginTx(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}
			defer tx.Rollback()

			result, err := tx.ExecContext(
				ctx,
				`UPDATE sessions SET closed_at = ?
                 WHERE id = ? AND closed_at IS NULL`,
				time.Now().Unix(), p.id)
			if err != nil {
				return errors.Trace(err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return errors.Trace(err)
			}
			if rows == 0 {
				return nil
			}

			_, err = tx.ExecContext(
				ctx,
				`UPDATE subscribers
                 SET active_sessions = MAX(active_sessions - 1, 0)
                 WHERE name = ?`,
				p.name)
			if err != nil {
				return errors.Trace(err)
			}

			err = tx.Commit()
			if err != nil {
				return errors.Trace(err)
			}

			expired++
			return nil
		}()
		if err != nil {
			return expired, errors.Trace(err)
		}
	}

	return expired, nil
}
