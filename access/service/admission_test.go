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
	std_errors "errors"
	"sync"
	"testing"
	"time"
)

func verifyDenied(t *testing.T, err error, expectedReason string) {
	t.Helper()
	var denied *AdmissionDeniedError
	if !std_errors.As(err, &denied) {
		t.Fatalf("expected AdmissionDeniedError, got %v", err)
	}
	if denied.Reason != expectedReason {
		t.Fatalf("expected reason %q, got %q", expectedReason, denied.Reason)
	}
}

func TestVerifyConnection(t *testing.T) {

	store := openTestSubscriberStore(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	insertTestSubscriber(t, store, &Subscriber{
		Name:           "alice",
		CredentialHash: hashTestPassword(t, "alice-password"),
		Enabled:        true,
		ExpiresAt:      &future,
	})
	insertTestSubscriber(t, store, &Subscriber{
		Name:           "disabled",
		CredentialHash: hashTestPassword(t, "password"),
		Enabled:        false,
	})
	insertTestSubscriber(t, store, &Subscriber{
		Name:           "lapsed",
		CredentialHash: hashTestPassword(t, "password"),
		Enabled:        true,
		ExpiresAt:      &expired,
	})
	insertTestSubscriber(t, store, &Subscriber{
		Name:           "bob",
		CredentialHash: hashTestPassword(t, "bob-password"),
		Enabled:        true,
		QuotaBytes:     1 << 30,
		UsedBytes:      1 << 30,
	})

	err := VerifyConnection(
		ctx, store, &Credential{Name: "mallory", Password: "password"})
	verifyDenied(t, err, ADMISSION_REASON_UNKNOWN_OR_DISABLED)

	err = VerifyConnection(
		ctx, store, &Credential{Name: "disabled", Password: "password"})
	verifyDenied(t, err, ADMISSION_REASON_UNKNOWN_OR_DISABLED)

	err = VerifyConnection(
		ctx, store, &Credential{Name: "alice", Password: "wrong"})
	verifyDenied(t, err, ADMISSION_REASON_BAD_CREDENTIAL)

	err = VerifyConnection(
		ctx, store, &Credential{Name: "lapsed", Password: "password"})
	verifyDenied(t, err, ADMISSION_REASON_EXPIRED)

	err = VerifyConnection(
		ctx, store, &Credential{Name: "bob", Password: "bob-password"})
	verifyDenied(t, err, ADMISSION_REASON_QUOTA_EXCEEDED)

	err = VerifyConnection(
		ctx, store, &Credential{Name: "alice", Password: "alice-password"})
	if err != nil {
		t.Fatalf("VerifyConnection failed: %s", err)
	}
}

func TestVerifyConnectionRejectionMutatesNothing(t *testing.T) {

	store := openTestSubscriberStore(t)
	ctx := context.Background()

	insertTestSubscriber(t, store, &Subscriber{
		Name:           "bob",
		CredentialHash: hashTestPassword(t, "bob-password"),
		Enabled:        true,
		QuotaBytes:     1 << 30,
		UsedBytes:      1 << 30,
	})

	err := VerifyConnection(
		ctx, store, &Credential{Name: "bob", Password: "bob-password"})
	verifyDenied(t, err, ADMISSION_REASON_QUOTA_EXCEEDED)

	// A rejected attempt leaves no pending session and no counter
	// increment behind.

	subscriber, err := store.GetSubscriber(ctx, "bob")
	if err != nil {
		t.Fatalf("GetSubscriber failed: %s", err)
	}
	if subscriber.ActiveSessions != 0 {
		t.Fatalf("expected 0 active sessions, got %d",
			subscriber.ActiveSessions)
	}

	var count int
	err = store.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count)
	if err != nil {
		t.Fatalf("count sessions failed: %s", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 sessions, got %d", count)
	}
}

func TestVerifyConnectionConcurrencyLimit(t *testing.T) {

	store := openTestSubscriberStore(t)
	ctx := context.Background()

	maxSessions := 3
	attempts := 10

	insertTestSubscriber(t, store, &Subscriber{
		Name:                  "alice",
		CredentialHash:        hashTestPassword(t, "alice-password"),
		Enabled:               true,
		MaxConcurrentSessions: int64(maxSessions),
	})

	// Simultaneous attempts with one shared credential must admit
	// exactly max_concurrent_sessions of them.

	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			results <- VerifyConnection(
				ctx, store,
				&Credential{Name: "alice", Password: "alice-password"})
		}()
	}
	waitGroup.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		verifyDenied(t, err, ADMISSION_REASON_CONCURRENCY_EXCEEDED)
	}
	if accepted != maxSessions {
		t.Fatalf("expected %d accepted attempts, got %d",
			maxSessions, accepted)
	}

	subscriber, err := store.GetSubscriber(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSubscriber failed: %s", err)
	}
	if subscriber.ActiveSessions != int64(maxSessions) {
		t.Fatalf("expected %d active sessions, got %d",
			maxSessions, subscriber.ActiveSessions)
	}
}

func TestVerifyConnectionFailsClosed(t *testing.T) {

	store := openTestSubscriberStore(t)
	ctx := context.Background()

	store.Close()

	// A store failure is not an admission denial; callers fail closed on
	// any other error.
	err := VerifyConnection(
		ctx, store, &Credential{Name: "alice", Password: "password"})
	if err == nil {
		t.Fatalf("expected error from closed store")
	}
	var denied *AdmissionDeniedError
	if std_errors.As(err, &denied) {
		t.Fatalf("store failure misreported as admission denial: %s", err)
	}
}
