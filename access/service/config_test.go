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
	"testing"
)

func TestGeneratedConfigLoads(t *testing.T) {

	configJSON, err := GenerateConfig()
	if err != nil {
		t.Fatalf("GenerateConfig failed: %s", err)
	}

	config, err := LoadConfig(configJSON)
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	// The generated default fails closed.
	if config.EnforcementFailureAction != ENFORCEMENT_FAILURE_ACTION_DISCONNECT {
		t.Fatalf("unexpected EnforcementFailureAction: %s",
			config.EnforcementFailureAction)
	}
	if config.ReconcilePolicy != RECONCILE_POLICY_KERNEL {
		t.Fatalf("unexpected ReconcilePolicy: %s", config.ReconcilePolicy)
	}
}

func TestLoadConfigDefaults(t *testing.T) {

	config, err := LoadConfig([]byte(`
        {
            "SubscriberDatabaseFilename": "subscribers.sqlite",
            "SessionStateFilename": "session-state.boltdb",
            "EnforcementFailureAction": "allow"
        }`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	if config.LogLevel != DEFAULT_LOG_LEVEL {
		t.Fatalf("unexpected LogLevel: %s", config.LogLevel)
	}
	if config.ReconcilePolicy != RECONCILE_POLICY_KERNEL {
		t.Fatalf("unexpected ReconcilePolicy: %s", config.ReconcilePolicy)
	}
	if config.tunnelDeviceName() != DEFAULT_TUNNEL_DEVICE_NAME {
		t.Fatalf("unexpected device name: %s", config.tunnelDeviceName())
	}
	if config.admissionTimeoutMilliseconds() !=
		DEFAULT_ADMISSION_TIMEOUT_MILLISECONDS {
		t.Fatalf("unexpected admission timeout: %d",
			config.admissionTimeoutMilliseconds())
	}
	if config.pendingSessionExpirySeconds() !=
		DEFAULT_PENDING_SESSION_EXPIRY_SECONDS {
		t.Fatalf("unexpected pending session expiry: %d",
			config.pendingSessionExpirySeconds())
	}
	if config.reconcileLockFilename() != "session-state.boltdb.lock" {
		t.Fatalf("unexpected lock filename: %s",
			config.reconcileLockFilename())
	}
}

func TestLoadConfigValidation(t *testing.T) {

	testCases := []struct {
		description string
		configJSON  string
	}{
		{
			"malformed JSON",
			`{`,
		},
		{
			"missing SubscriberDatabaseFilename",
			`{
                "SessionStateFilename": "session-state.boltdb",
                "EnforcementFailureAction": "allow"
            }`,
		},
		{
			"missing SessionStateFilename",
			`{
                "SubscriberDatabaseFilename": "subscribers.sqlite",
                "EnforcementFailureAction": "allow"
            }`,
		},
		{
			"missing EnforcementFailureAction",
			`{
                "SubscriberDatabaseFilename": "subscribers.sqlite",
                "SessionStateFilename": "session-state.boltdb"
            }`,
		},
		{
			"invalid EnforcementFailureAction",
			`{
                "SubscriberDatabaseFilename": "subscribers.sqlite",
                "SessionStateFilename": "session-state.boltdb",
                "EnforcementFailureAction": "shrug"
            }`,
		},
		{
			"invalid ReconcilePolicy",
			`{
                "SubscriberDatabaseFilename": "subscribers.sqlite",
                "SessionStateFilename": "session-state.boltdb",
                "EnforcementFailureAction": "allow",
                "ReconcilePolicy": "merge"
            }`,
		},
	}

	for _, testCase := range testCases {
		_, err := LoadConfig([]byte(testCase.configJSON))
		if err == nil {
			t.Fatalf("expected error: %s", testCase.description)
		}
	}
}
