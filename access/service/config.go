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
	"encoding/json"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

const (
	ACCESS_CONFIG_FILENAME = "vpn-accessd.config"

	DEFAULT_LOG_LEVEL                      = "info"
	DEFAULT_TUNNEL_DEVICE_NAME             = "tun0"
	DEFAULT_ADMISSION_TIMEOUT_MILLISECONDS = 250
	DEFAULT_PENDING_SESSION_EXPIRY_SECONDS = 300
	DEFAULT_SUBSCRIBER_DATABASE_FILENAME   = "subscribers.sqlite"
	DEFAULT_SESSION_STATE_FILENAME         = "session-state.boltdb"

	ENFORCEMENT_FAILURE_ACTION_ALLOW      = "allow"
	ENFORCEMENT_FAILURE_ACTION_DISCONNECT = "disconnect"

	RECONCILE_POLICY_KERNEL = "kernel"
	RECONCILE_POLICY_STORE  = "store"
)

// Config specifies the configuration and behavior of the VPN access
// service hooks.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log to. When blank,
	// logs are written to stderr. The log file is reopened when rotated
	// away by an external log manager.
	LogFilename string

	// SubscriberDatabaseFilename is the path of the SQLite subscriber
	// database. The database is owned by the external administrative
	// system; the hooks read subscriber records and atomically mutate
	// session counters and usage totals.
	SubscriberDatabaseFilename string

	// SessionStateFilename is the path of the session state store, a
	// bolt key/value database mapping each tunnel-assigned address to
	// its installed traffic enforcement record. An entry exists if and
	// only if a shaping object is currently installed for that address.
	SessionStateFilename string

	// ReconcileLockFilename is the path of an advisory lock file which
	// serializes reconcile runs. When blank, SessionStateFilename with a
	// ".lock" suffix is used.
	ReconcileLockFilename string

	// TunnelDeviceName is the physical tunnel device to install traffic
	// shaping objects on when the tunnel daemon does not supply a device
	// name in the hook environment.
	TunnelDeviceName string

	// UseSudo indicates whether to exec network config commands, such as
	// "tc", with sudo. Set when the hooks do not run as root.
	UseSudo bool

	// EnforcementFailureAction selects the policy applied when traffic
	// shaping objects cannot be installed for an admitted session:
	// "allow" proceeds with the session unthrottled; "disconnect" fails
	// the connect hook, which the tunnel daemon consumes as an
	// instruction to tear the session down. There is no default: the
	// choice must be explicit in the config.
	EnforcementFailureAction string

	// ReconcilePolicy selects how the reconcile operation treats kernel
	// shaping objects the session state store does not describe:
	// "kernel" claims the device's root discipline for this service and
	// removes unrecorded objects as leaked orphans; "store" presumes
	// unrecorded objects are foreign and preserves them. The default is
	// "kernel".
	ReconcilePolicy string

	// AdmissionTimeoutMilliseconds bounds subscriber database access
	// during admission. The tunnel daemon imposes its own deadline on
	// the auth hook; exceeding it would reject the connection anyway,
	// after tying up a hook process. The default is 250.
	AdmissionTimeoutMilliseconds int

	// PendingSessionExpirySeconds is the age after which an admitted
	// session that never reached the connect hook is closed by the
	// reconcile operation, releasing its concurrency slot. The default
	// is 300.
	PendingSessionExpirySeconds int
}

func (config *Config) admissionTimeoutMilliseconds() int {
	if config.AdmissionTimeoutMilliseconds <= 0 {
		return DEFAULT_ADMISSION_TIMEOUT_MILLISECONDS
	}
	return config.AdmissionTimeoutMilliseconds
}

func (config *Config) pendingSessionExpirySeconds() int {
	if config.PendingSessionExpirySeconds <= 0 {
		return DEFAULT_PENDING_SESSION_EXPIRY_SECONDS
	}
	return config.PendingSessionExpirySeconds
}

func (config *Config) tunnelDeviceName() string {
	if config.TunnelDeviceName == "" {
		return DEFAULT_TUNNEL_DEVICE_NAME
	}
	return config.TunnelDeviceName
}

func (config *Config) reconcileLockFilename() string {
	if config.ReconcileLockFilename != "" {
		return config.ReconcileLockFilename
	}
	return config.SessionStateFilename + ".lock"
}

// LoadConfig loads and validates a JSON format Config; parameters are set
// to their defaults when omitted, except for EnforcementFailureAction,
// which is required.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}

	if config.SubscriberDatabaseFilename == "" {
		return nil, errors.TraceNew("missing SubscriberDatabaseFilename")
	}

	if config.SessionStateFilename == "" {
		return nil, errors.TraceNew("missing SessionStateFilename")
	}

	// The fail-open vs. fail-closed choice on enforcement failure is an
	// operator decision; refuse to run with it unset rather than pick a
	// silent default.
	if config.EnforcementFailureAction != ENFORCEMENT_FAILURE_ACTION_ALLOW &&
		config.EnforcementFailureAction != ENFORCEMENT_FAILURE_ACTION_DISCONNECT {
		return nil, errors.TraceNew(
			"EnforcementFailureAction must be \"allow\" or \"disconnect\"")
	}

	if config.ReconcilePolicy == "" {
		config.ReconcilePolicy = RECONCILE_POLICY_KERNEL
	}
	if config.ReconcilePolicy != RECONCILE_POLICY_KERNEL &&
		config.ReconcilePolicy != RECONCILE_POLICY_STORE {
		return nil, errors.TraceNew(
			"ReconcilePolicy must be \"kernel\" or \"store\"")
	}

	return &config, nil
}

// GenerateConfig emits a default JSON config file. The emitted
// EnforcementFailureAction is "disconnect", consistent with failing closed
// at admission; operators preferring availability over enforcement edit it
// to "allow".
func GenerateConfig() ([]byte, error) {

	config := &Config{
		LogLevel:                   DEFAULT_LOG_LEVEL,
		SubscriberDatabaseFilename: DEFAULT_SUBSCRIBER_DATABASE_FILENAME,
		SessionStateFilename:       DEFAULT_SESSION_STATE_FILENAME,
		TunnelDeviceName:           DEFAULT_TUNNEL_DEVICE_NAME,
		EnforcementFailureAction:   ENFORCEMENT_FAILURE_ACTION_DISCONNECT,
		ReconcilePolicy:            RECONCILE_POLICY_KERNEL,

		AdmissionTimeoutMilliseconds: DEFAULT_ADMISSION_TIMEOUT_MILLISECONDS,
		PendingSessionExpirySeconds:  DEFAULT_PENDING_SESSION_EXPIRY_SECONDS,
	}

	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}

	return configJSON, nil
}
