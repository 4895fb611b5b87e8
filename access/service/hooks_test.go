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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCredentialFile(t *testing.T, contents string) string {
	filename := filepath.Join(t.TempDir(), "credentials")
	err := os.WriteFile(filename, []byte(contents), 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	return filename
}

func TestReadCredentialFile(t *testing.T) {

	credential, err := ReadCredentialFile(
		writeCredentialFile(t, "alice\nalice-password\n"))
	if err != nil {
		t.Fatalf("ReadCredentialFile failed: %s", err)
	}
	if credential.Name != "alice" || credential.Password != "alice-password" {
		t.Fatalf("unexpected credential: %+v", credential)
	}

	// CRLF line endings are normalized.
	credential, err = ReadCredentialFile(
		writeCredentialFile(t, "alice\r\nalice-password\r\n"))
	if err != nil {
		t.Fatalf("ReadCredentialFile failed: %s", err)
	}
	if credential.Name != "alice" || credential.Password != "alice-password" {
		t.Fatalf("unexpected credential: %+v", credential)
	}

	// The secret line is taken verbatim; only the identifier is trimmed.
	credential, err = ReadCredentialFile(
		writeCredentialFile(t, " alice \n pass word \n"))
	if err != nil {
		t.Fatalf("ReadCredentialFile failed: %s", err)
	}
	if credential.Name != "alice" || credential.Password != " pass word " {
		t.Fatalf("unexpected credential: %+v", credential)
	}

	_, err = ReadCredentialFile(writeCredentialFile(t, "alice"))
	if err == nil {
		t.Fatalf("expected error for missing secret line")
	}

	_, err = ReadCredentialFile(writeCredentialFile(t, "\npassword\n"))
	if err == nil {
		t.Fatalf("expected error for missing identifier")
	}

	_, err = ReadCredentialFile(writeCredentialFile(
		t, strings.Repeat("x", maxCredentialFileSize+1)))
	if err == nil {
		t.Fatalf("expected error for oversize file")
	}

	_, err = ReadCredentialFile(
		filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestGetConnectEvent(t *testing.T) {

	config := &Config{TunnelDeviceName: "tun1"}

	t.Setenv(hookEnvSubscriberName, "alice")
	t.Setenv(hookEnvAddress, "10.8.0.6")
	t.Setenv(hookEnvDevice, "tun0")

	event, err := getConnectEvent(config)
	if err != nil {
		t.Fatalf("getConnectEvent failed: %s", err)
	}
	if event.SubscriberName != "alice" ||
		event.Address != "10.8.0.6" ||
		event.Device != "tun0" {
		t.Fatalf("unexpected event: %+v", event)
	}

	// Without a device in the environment, the configured device.
	t.Setenv(hookEnvDevice, "")
	event, err = getConnectEvent(config)
	if err != nil {
		t.Fatalf("getConnectEvent failed: %s", err)
	}
	if event.Device != "tun1" {
		t.Fatalf("unexpected device: %s", event.Device)
	}

	t.Setenv(hookEnvAddress, "not-an-address")
	_, err = getConnectEvent(config)
	if err == nil {
		t.Fatalf("expected error for invalid address")
	}

	t.Setenv(hookEnvAddress, "10.8.0.6")
	t.Setenv(hookEnvSubscriberName, "")
	_, err = getConnectEvent(config)
	if err == nil {
		t.Fatalf("expected error for missing subscriber name")
	}
}

func TestGetDisconnectEvent(t *testing.T) {

	config := &Config{}

	t.Setenv(hookEnvSubscriberName, "alice")
	t.Setenv(hookEnvAddress, "10.8.0.6")
	t.Setenv(hookEnvDevice, "tun0")
	t.Setenv(hookEnvBytesReceived, "1024")
	t.Setenv(hookEnvBytesSent, "2048")

	event, err := getDisconnectEvent(config)
	if err != nil {
		t.Fatalf("getDisconnectEvent failed: %s", err)
	}
	if event.BytesReceived != 1024 || event.BytesSent != 2048 {
		t.Fatalf("unexpected byte counts: %+v", event)
	}

	// Absent or mangled counts degrade to zero rather than failing the
	// reclaim.
	t.Setenv(hookEnvBytesReceived, "")
	t.Setenv(hookEnvBytesSent, "-10")
	event, err = getDisconnectEvent(config)
	if err != nil {
		t.Fatalf("getDisconnectEvent failed: %s", err)
	}
	if event.BytesReceived != 0 || event.BytesSent != 0 {
		t.Fatalf("unexpected byte counts: %+v", event)
	}
}

func TestParseByteCount(t *testing.T) {

	testCases := []struct {
		value    string
		expected int64
	}{
		{"0", 0},
		{"123456789", 123456789},
		{"", 0},
		{"-1", 0},
		{"garbage", 0},
	}

	for _, testCase := range testCases {
		count := parseByteCount(testCase.value)
		if count != testCase.expected {
			t.Fatalf("parseByteCount(%q): expected %d, got %d",
				testCase.value, testCase.expected, count)
		}
	}
}
