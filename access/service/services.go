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

// Package service implements the core subscriber access functionality of
// the VPN access service: the admission verifier gating tunnel
// establishment, and the bandwidth enforcement lifecycle installing and
// reclaiming per-session kernel traffic shaping objects. The entry points
// are the hook runners, RunAuthHook, RunConnectHook, RunDisconnectHook and
// RunReconcile, each invoked as an independent process by the external
// tunnel daemon. The service configuration is created by the
// GenerateConfig function.
package service

import (
	"context"
	std_errors "errors"
	"time"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// SupportServices carries the stores and kernel interface shared by the
// bandwidth enforcement operations. Each hook invocation constructs its
// own instance; there is no state shared between invocations other than
// through the stores themselves.
type SupportServices struct {
	Config          *Config
	SubscriberStore *SubscriberStore
	SessionState    *SessionStateStore
	TrafficControl  TrafficControl
}

// NewSupportServices opens the subscriber database and session state store
// and initializes the kernel traffic control interface.
func NewSupportServices(config *Config) (*SupportServices, error) {

	subscriberStore, err := OpenSubscriberStore(config.SubscriberDatabaseFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sessionState, err := OpenSessionStateStore(config.SessionStateFilename)
	if err != nil {
		subscriberStore.Close()
		return nil, errors.Trace(err)
	}

	return &SupportServices{
		Config:          config,
		SubscriberStore: subscriberStore,
		SessionState:    sessionState,
		TrafficControl:  NewTrafficControl(CommonLogger(log), config.UseSudo),
	}, nil
}

// Close closes the stores.
func (support *SupportServices) Close() {

	err := support.SessionState.Close()
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Warning(
			"close session state store failed")
	}

	err = support.SubscriberStore.Close()
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Warning(
			"close subscriber store failed")
	}
}

// RunAuthHook implements the admission hook, invoked synchronously by the
// tunnel daemon once per connection attempt before the handshake phase.
// The credential is delivered via a temporary file, never as a process
// argument, to avoid exposure in process listings. A nil return is
// consumed by the daemon, via the process exit status, as acceptance.
//
// The session state store is not opened here: the admission verifier never
// touches it, and not taking its lock keeps concurrent connect and
// disconnect hooks out of the admission path.
func RunAuthHook(config *Config, credentialFilename string) error {

	store, err := OpenSubscriberStore(config.SubscriberDatabaseFilename)
	if err != nil {
		// Fail closed: without the subscriber store no admission
		// decision is sound.
		log.WithTraceFields(LogFields{
			"reason": "store_unavailable",
			"error":  err,
		}).Error("subscriber store unavailable; failing closed")
		return errors.Trace(err)
	}
	defer store.Close()

	credential, err := ReadCredentialFile(credentialFilename)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"malformed credential delivery")
		return errors.Trace(err)
	}

	// The tunnel daemon imposes its own deadline on this hook; bound
	// store access accordingly rather than letting a slow query hold a
	// doomed process.
	ctx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(config.admissionTimeoutMilliseconds())*time.Millisecond)
	defer cancel()

	err = VerifyConnection(ctx, store, credential)

	var denied *AdmissionDeniedError
	if std_errors.As(err, &denied) {
		// The reason is logged for auditing and never revealed to the
		// remote client.
		log.WithTraceFields(LogFields{
			"subscriber": credential.Name,
			"reason":     denied.Reason,
		}).Info("admission denied")
		return errors.Trace(err)
	}
	if err != nil {
		log.WithTraceFields(LogFields{
			"subscriber": credential.Name,
			"reason":     "store_unavailable",
			"error":      err,
		}).Error("admission check failed; failing closed")
		return errors.Trace(err)
	}

	log.WithTraceFields(LogFields{
		"subscriber": credential.Name,
	}).Info("admission accepted")

	return nil
}

// RunConnectHook implements the connect hook, invoked by the tunnel daemon
// after it has assigned the admitted session a tunnel-internal address.
func RunConnectHook(config *Config) error {

	event, err := getConnectEvent(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"malformed connect event")
		return errors.Trace(err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"initialize support services failed")
		return errors.Trace(err)
	}
	defer support.Close()

	err = ActivateEnforcement(
		context.Background(),
		support,
		event.SubscriberName,
		event.Address,
		event.Device)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// RunDisconnectHook implements the disconnect hook, invoked by the tunnel
// daemon on session teardown, normal or forced.
func RunDisconnectHook(config *Config) error {

	event, err := getDisconnectEvent(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"malformed disconnect event")
		return errors.Trace(err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"initialize support services failed")
		return errors.Trace(err)
	}
	defer support.Close()

	err = ReclaimEnforcement(
		context.Background(),
		support,
		event.Address,
		event.Device,
		event.BytesReceived+event.BytesSent)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// RunReconcile implements the startup reconciliation pass, run while the
// tunnel daemon is stopped, before it resumes accepting connections.
func RunReconcile(config *Config) error {

	support, err := NewSupportServices(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error(
			"initialize support services failed")
		return errors.Trace(err)
	}
	defer support.Close()

	err = Reconcile(context.Background(), support, config.tunnelDeviceName())
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
