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
	"time"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// ActivateEnforcement installs the per-session bandwidth enforcement for an
// admitted session, once the tunnel daemon has assigned it a tunnel-internal
// address. For subscribers with no rate limit, no kernel objects are created
// and no state entry is written. Otherwise a rate-limiting class and a
// classifier directing the session's traffic into it are installed on the
// device, and the allocation is recorded in the session state store so a
// later disconnect, possibly handled by a different process, can reverse it.
//
// Installation tolerates "already exists" kernel responses, as the tunnel
// daemon may deliver the connect event more than once.
//
// On kernel object installation failure, the configured
// EnforcementFailureAction decides whether the session proceeds unthrottled
// (nil is returned) or is torn down (an error is returned, which the
// connect hook surfaces to the tunnel daemon as a failing exit status).
// Either way the failure is logged with reason "resource_allocation_failure".
func ActivateEnforcement(
	ctx context.Context,
	support *SupportServices,
	subscriberName string,
	address string,
	device string) error {

	subscriber, err := support.SubscriberStore.GetSubscriber(ctx, subscriberName)
	if err != nil {
		return errors.Trace(err)
	}

	if subscriber.RateLimitMbps == 0 {

		err = support.SubscriberStore.ClaimPendingSession(
			ctx, subscriberName, address, 0)
		if err != nil {
			return errors.Trace(err)
		}

		log.WithTraceFields(LogFields{
			"subscriber": subscriberName,
			"address":    address,
		}).Debug("no rate limit; no enforcement installed")

		return nil
	}

	classID, err := DeriveClassID(address)
	if err != nil {
		return errors.Trace(err)
	}
	if classID == 0 {
		// The pool network address; the tunnel daemon never assigns it.
		return errors.Tracef("degenerate class ID for address %s", address)
	}

	installFailed := func(installErr error) error {

		log.WithTraceFields(LogFields{
			"reason":     "resource_allocation_failure",
			"subscriber": subscriberName,
			"address":    address,
			"device":     device,
			"class_id":   classID,
			"action":     support.Config.EnforcementFailureAction,
			"error":      installErr,
		}).Error("bandwidth enforcement installation failed")

		if support.Config.EnforcementFailureAction ==
			ENFORCEMENT_FAILURE_ACTION_DISCONNECT {
			return errors.Trace(installErr)
		}

		// Proceed unthrottled; record the session with no traffic class.
		err := support.SubscriberStore.ClaimPendingSession(
			ctx, subscriberName, address, 0)
		if err != nil {
			return errors.Trace(err)
		}
		return nil
	}

	err = support.TrafficControl.AddClass(
		device, classID, subscriber.RateLimitMbps)
	if err != nil {
		return installFailed(err)
	}

	handle, err := support.TrafficControl.AddFilter(device, address, classID)
	if err != nil {
		// Unwind the class so a failed activation leaves no kernel
		// objects behind.
		deleteErr := support.TrafficControl.DeleteClass(device, classID)
		if deleteErr != nil {
			log.WithTraceFields(LogFields{
				"device":   device,
				"class_id": classID,
				"error":    deleteErr,
			}).Warning("class unwind failed")
		}
		return installFailed(err)
	}

	err = support.SessionState.Put(
		address,
		&EnforcementRecord{
			ClassID:        classID,
			FilterHandle:   handle,
			SubscriberName: subscriberName,
			ActivatedAt:    time.Now().Unix(),
		})
	if err != nil {
		return errors.Trace(err)
	}

	err = support.SubscriberStore.ClaimPendingSession(
		ctx, subscriberName, address, classID)
	if err != nil {
		return errors.Trace(err)
	}

	log.WithTraceFields(LogFields{
		"subscriber":      subscriberName,
		"address":         address,
		"device":          device,
		"class_id":        classID,
		"filter_handle":   handle,
		"rate_limit_mbps": subscriber.RateLimitMbps,
	}).Info("bandwidth enforcement installed")

	return nil
}

// ReclaimEnforcement reverses one session's bandwidth enforcement on
// disconnect and finalizes the session's bookkeeping. The classifier is
// removed first, by its recorded kernel handle when available, otherwise by
// re-derived match criteria; only once the classifier is confirmed removed
// is the traffic class deleted, as the kernel refuses to delete a class
// that still has a referencing classifier. The state entry is then cleared
// and the session finalized: the subscriber's active session count is
// decremented and observed transferred bytes added to its usage total,
// guarded by the session's own open/closed state so duplicate disconnect
// deliveries decrement exactly once.
//
// Kernel object deletion failures are logged as recoverable cleanup
// failures and the state entry is retained, marked pending cleanup, for a
// later reconcile sweep; they are never surfaced as fatal errors, as the
// disconnecting client is already gone.
func ReclaimEnforcement(
	ctx context.Context,
	support *SupportServices,
	address string,
	device string,
	bytesTransferred int64) error {

	record, err := support.SessionState.Get(address)
	if err != nil {
		return errors.Trace(err)
	}

	if record == nil {

		// No entry means no shaping objects are installed: either the
		// subscriber is unlimited, or cleanup already completed. The
		// absence of the entry is the ground truth that cleanup is
		// complete, so this is an idempotent no-op.
		log.WithTraceFields(LogFields{
			"address": address,
		}).Debug("no enforcement record; nothing to reclaim")

	} else {

		filterRemoved, classRemoved := reclaimKernelObjects(
			support, record, address, device)

		if classRemoved {
			err = support.SessionState.Delete(address)
			if err != nil {
				return errors.Trace(err)
			}
		} else if filterRemoved && !record.CleanupPending {
			// The classifier is gone but the class remains; mark the
			// entry so the reconcile sweep retries only the class
			// deletion. An entry left unmarked is retried in full.
			err = support.SessionState.SetCleanupPending(address)
			if err != nil {
				return errors.Trace(err)
			}
		}
	}

	finalized, err := support.SubscriberStore.FinalizeSession(
		ctx, address, bytesTransferred)
	if err != nil {
		return errors.Trace(err)
	}

	log.WithTraceFields(LogFields{
		"address":           address,
		"device":            device,
		"bytes_transferred": bytesTransferred,
		"finalized":         finalized,
	}).Info("session reclaimed")

	return nil
}

// reclaimKernelObjects removes the classifier then the class described by
// the record, reporting which removals are confirmed. When the record is
// already marked pending cleanup, the classifier was removed by an earlier
// attempt and only the class deletion is retried.
func reclaimKernelObjects(
	support *SupportServices,
	record *EnforcementRecord,
	address string,
	device string) (bool, bool) {

	if !record.CleanupPending {

		err := error(nil)
		if record.FilterHandle != "" {
			err = support.TrafficControl.DeleteFilterByHandle(
				device, record.FilterHandle)
		}
		if record.FilterHandle == "" || err != nil {
			// Stale or missing handle; fall back to match-based
			// deletion.
			err = support.TrafficControl.DeleteFilterByMatch(device, address)
		}
		if err != nil {
			log.WithTraceFields(LogFields{
				"reason":  "cleanup_failure",
				"address": address,
				"device":  device,
				"error":   err,
			}).Warning("classifier removal failed; retained for reconciliation")
			return false, false
		}
	}

	err := support.TrafficControl.DeleteClass(device, record.ClassID)
	if err != nil {
		log.WithTraceFields(LogFields{
			"reason":   "cleanup_failure",
			"address":  address,
			"device":   device,
			"class_id": record.ClassID,
			"error":    err,
		}).Warning("class removal failed; retained for reconciliation")
		return true, false
	}

	return true, true
}
