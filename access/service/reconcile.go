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
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// Reconcile restores the session state invariant, entry iff installed
// shaping object, after a restart or crash. The kernel objects the store
// describes outlive the managing processes, so after any interruption the
// two may disagree in either direction.
//
// Reconcile runs while the tunnel daemon is stopped, so every recorded
// session is dead: all recorded enforcement is torn down, in classifier-
// then-class order, entries are cleared, and the dead sessions finalized,
// releasing their concurrency slots. Pending sessions that were admitted
// but never reached the connect hook are expired on the same basis.
//
// The configured ReconcilePolicy resolves kernel objects the store does
// not describe: under "kernel", every shaping object under the device's
// root discipline belongs to this service and unrecorded ones are leaked
// orphans, which are removed; under "store", unrecorded kernel objects are
// presumed foreign and preserved.
func Reconcile(
	ctx context.Context, support *SupportServices, device string) error {

	unlock, err := acquireReconcileLock(support.Config.reconcileLockFilename())
	if err != nil {
		return errors.Trace(err)
	}
	defer unlock()

	cutoff := time.Now().Add(
		-time.Duration(support.Config.pendingSessionExpirySeconds()) * time.Second)

	expired, err := support.SubscriberStore.ExpirePendingSessions(ctx, cutoff)
	if err != nil {
		return errors.Trace(err)
	}

	// Snapshot the entries before mutating the store; reclaim mutates
	// both the store and the kernel.

	entries := make(map[string]*EnforcementRecord)
	err = support.SessionState.Scan(
		func(address string, record *EnforcementRecord) error {
			entries[address] = record
			return nil
		})
	if err != nil {
		return errors.Trace(err)
	}

	reclaimed := 0
	retained := 0

	for address, record := range entries {

		filterRemoved, classRemoved := reclaimKernelObjects(
			support, record, address, device)

		if !classRemoved {
			if filterRemoved && !record.CleanupPending {
				err = support.SessionState.SetCleanupPending(address)
				if err != nil {
					return errors.Trace(err)
				}
			}
			retained++
			continue
		}

		err = support.SessionState.Delete(address)
		if err != nil {
			return errors.Trace(err)
		}

		// The session died without a disconnect event; its transferred
		// byte count is lost.
		_, err = support.SubscriberStore.FinalizeSession(ctx, address, 0)
		if err != nil {
			return errors.Trace(err)
		}

		reclaimed++
	}

	orphanFilters := 0
	orphanClasses := 0

	if support.Config.ReconcilePolicy == RECONCILE_POLICY_KERNEL {
		orphanFilters, orphanClasses = purgeOrphanKernelObjects(support, device)
	}

	log.WithTraceFields(LogFields{
		"policy":          support.Config.ReconcilePolicy,
		"device":          device,
		"expired_pending": expired,
		"reclaimed":       reclaimed,
		"retained":        retained,
		"orphan_filters":  orphanFilters,
		"orphan_classes":  orphanClasses,
	}).Info("reconciliation complete")

	return nil
}

// purgeOrphanKernelObjects removes all remaining shaping objects under the
// device's root discipline. Listing failures are tolerated: the device
// itself may be absent while the tunnel daemon is down, in which case no
// kernel objects exist to reconcile.
func purgeOrphanKernelObjects(
	support *SupportServices, device string) (int, int) {

	removedFilters := 0
	removedClasses := 0

	filters, err := support.TrafficControl.ListFilters(device)
	if err != nil {
		log.WithTraceFields(LogFields{
			"device": device,
			"error":  err,
		}).Warning("list filters failed; skipping kernel purge")
		return 0, 0
	}

	for _, filter := range filters {
		err = support.TrafficControl.DeleteFilterByHandle(device, filter.Handle)
		if err != nil {
			log.WithTraceFields(LogFields{
				"device": device,
				"handle": filter.Handle,
				"error":  err,
			}).Warning("orphan classifier removal failed")
			continue
		}
		removedFilters++
	}

	classIDs, err := support.TrafficControl.ListClassIDs(device)
	if err != nil {
		log.WithTraceFields(LogFields{
			"device": device,
			"error":  err,
		}).Warning("list classes failed; skipping class purge")
		return removedFilters, 0
	}

	for _, classID := range classIDs {
		err = support.TrafficControl.DeleteClass(device, classID)
		if err != nil {
			log.WithTraceFields(LogFields{
				"device":   device,
				"class_id": classID,
				"error":    err,
			}).Warning("orphan class removal failed")
			continue
		}
		removedClasses++
	}

	return removedFilters, removedClasses
}

// acquireReconcileLock takes a blocking, exclusive advisory lock
// serializing reconcile runs. The lock is released by the returned
// function, and in any case when the process exits.
func acquireReconcileLock(filename string) (func(), error) {

	lockFile, err := os.OpenFile(
		filename, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = unix.Flock(int(lockFile.Fd()), unix.LOCK_EX)
	if err != nil {
		lockFile.Close()
		return nil, errors.Trace(err)
	}

	return func() {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}, nil
}
