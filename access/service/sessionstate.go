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
	"time"

	"github.com/Psiphon-Labs/bolt"
	"github.com/fxamacker/cbor/v2"
	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// EnforcementRecord is the bookkeeping needed to reverse one session's
// bandwidth enforcement allocation. Records are keyed by the session's
// tunnel-assigned address; a record exists if and only if a shaping object
// is currently installed for that address. The kernel objects a record
// describes outlive this process, so records are durable and reconciled
// against live kernel state at service startup.
type EnforcementRecord struct {

	// ClassID is the identifier of the installed traffic class, derived
	// from the low 16 bits of the assigned address.
	ClassID uint16

	// FilterHandle is the kernel-assigned handle of the installed
	// classifier rule, captured at installation for exact deletion.
	// May be empty when handle capture failed; reclaim then falls back
	// to deleting by re-derived match criteria.
	FilterHandle string

	// SubscriberName is the owning subscriber.
	SubscriberName string

	// ActivatedAt is the unix time the enforcement was installed.
	ActivatedAt int64

	// CleanupPending is set when class deletion failed after the
	// classifier was already removed. The entry is retained for a later
	// reconcile sweep rather than reported as a fatal error to the
	// disconnecting client.
	CleanupPending bool
}

var sessionStateBucket = []byte("enforcement")

// SessionStateStore is a durable address-to-enforcement-record mapping,
// backed by a bolt key/value database. Only the bandwidth activator writes
// new entries and only the reclaimer deletes them; the admission verifier
// never touches this store.
type SessionStateStore struct {
	db *bolt.DB
}

// OpenSessionStateStore opens the session state database. The open blocks,
// up to the timeout, on the bolt file lock when another hook process has
// the store open; hook operations are brief, so contention resolves
// quickly.
func OpenSessionStateStore(filename string) (*SessionStateStore, error) {

	db, err := bolt.Open(
		filename, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionStateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}

	return &SessionStateStore{db: db}, nil
}

// Close closes the session state database.
func (store *SessionStateStore) Close() error {
	return errors.Trace(store.db.Close())
}

// Get returns the enforcement record for the given address, or nil when no
// record exists.
func (store *SessionStateStore) Get(address string) (*EnforcementRecord, error) {

	var record *EnforcementRecord

	err := store.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(sessionStateBucket).Get([]byte(address))
		if value == nil {
			return nil
		}
		record = &EnforcementRecord{}
		return cbor.Unmarshal(value, record)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return record, nil
}

// Put stores the enforcement record for the given address.
func (store *SessionStateStore) Put(
	address string, record *EnforcementRecord) error {

	value, err := cbor.Marshal(record)
	if err != nil {
		return errors.Trace(err)
	}

	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionStateBucket).Put([]byte(address), value)
	})
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Delete removes the enforcement record for the given address. Deleting an
// absent record is not an error.
func (store *SessionStateStore) Delete(address string) error {

	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionStateBucket).Delete([]byte(address))
	})
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// SetCleanupPending marks the record for the given address for a later
// reconcile sweep.
func (store *SessionStateStore) SetCleanupPending(address string) error {

	record, err := store.Get(address)
	if err != nil {
		return errors.Trace(err)
	}
	if record == nil {
		return errors.TraceNew("no enforcement record")
	}

	record.CleanupPending = true

	return errors.Trace(store.Put(address, record))
}

// Scan iterates over all enforcement records. The callback must not mutate
// the store.
func (store *SessionStateStore) Scan(
	callback func(address string, record *EnforcementRecord) error) error {

	err := store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionStateBucket).ForEach(
			func(key, value []byte) error {
				record := &EnforcementRecord{}
				err := cbor.Unmarshal(value, record)
				if err != nil {
					return err
				}
				return callback(string(key), record)
			})
	})
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
