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
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// Admission rejection reason codes. Reasons are logged for capacity and
// abuse auditing; they are never revealed to the remote client, which
// observes only a generic rejection, to avoid credential enumeration
// leakage.
const (
	ADMISSION_REASON_UNKNOWN_OR_DISABLED  = "unknown_or_disabled"
	ADMISSION_REASON_BAD_CREDENTIAL       = "bad_credential"
	ADMISSION_REASON_EXPIRED              = "expired"
	ADMISSION_REASON_QUOTA_EXCEEDED       = "quota_exceeded"
	ADMISSION_REASON_CONCURRENCY_EXCEEDED = "concurrency_exceeded"
)

// AdmissionDeniedError is returned by VerifyConnection when the connection
// attempt fails one of the admission checks. Any other error return
// indicates a subscriber database failure, which callers must treat as
// fail-closed: availability of the store is a correctness precondition for
// admission, not best-effort.
type AdmissionDeniedError struct {
	Reason string
}

func (err *AdmissionDeniedError) Error() string {
	return "admission denied: " + err.Reason
}

// VerifyConnection gates tunnel establishment for one connection attempt.
// The checks run in order, each short-circuiting to rejection: subscriber
// exists and is enabled; secret matches the stored credential hash; not
// expired; quota not exhausted; concurrent session limit not reached.
//
// The final check is concurrency-critical: simultaneous admission attempts
// for one subscriber (rapid reconnects, shared credentials) must not exceed
// max_concurrent_sessions, so the count check and the pending session
// creation that increments it are a single conditional update inside the
// store, performed as part of this decision. On acceptance the increment
// has already happened; there is no separate post-accept step.
func VerifyConnection(
	ctx context.Context,
	store *SubscriberStore,
	credential *Credential) error {

	subscriber, err := store.GetSubscriber(ctx, credential.Name)
	if std_errors.Is(err, ErrSubscriberNotFound) {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_UNKNOWN_OR_DISABLED})
	}
	if err != nil {
		return errors.Trace(err)
	}

	if !subscriber.Enabled {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_UNKNOWN_OR_DISABLED})
	}

	err = bcrypt.CompareHashAndPassword(
		[]byte(subscriber.CredentialHash), []byte(credential.Password))
	if err != nil {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_BAD_CREDENTIAL})
	}

	if subscriber.ExpiresAt != nil && !subscriber.ExpiresAt.After(time.Now()) {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_EXPIRED})
	}

	if subscriber.QuotaBytes != 0 && subscriber.UsedBytes >= subscriber.QuotaBytes {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_QUOTA_EXCEEDED})
	}

	_, err = store.AcquireSession(ctx, credential.Name)
	if std_errors.Is(err, ErrConcurrencyLimitExceeded) {
		return errors.Trace(
			&AdmissionDeniedError{Reason: ADMISSION_REASON_CONCURRENCY_EXCEEDED})
	}
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
