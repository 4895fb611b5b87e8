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
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// Tunnel daemon hook environment variable names. The daemon exports
// session parameters into the hook process environment.
const (
	hookEnvSubscriberName = "common_name"
	hookEnvAddress        = "ifconfig_pool_remote_ip"
	hookEnvDevice         = "dev"
	hookEnvBytesReceived  = "bytes_received"
	hookEnvBytesSent      = "bytes_sent"
)

// maxCredentialFileSize bounds credential file reads; the file holds two
// short lines.
const maxCredentialFileSize = 4096

// Credential is the identifier and secret presented for one connection
// attempt.
type Credential struct {
	Name     string
	Password string
}

// ReadCredentialFile reads a credential from the temporary file the tunnel
// daemon wrote: the identifier on the first line, the secret on the
// second.
func ReadCredentialFile(filename string) (*Credential, error) {

	fileInfo, err := os.Stat(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if fileInfo.Size() > maxCredentialFileSize {
		return nil, errors.TraceNew("credential file too large")
	}

	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	lines := strings.Split(strings.ReplaceAll(string(contents), "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, errors.TraceNew("malformed credential file")
	}

	name := strings.TrimSpace(lines[0])
	if name == "" {
		return nil, errors.TraceNew("missing credential identifier")
	}

	return &Credential{
		Name:     name,
		Password: lines[1],
	}, nil
}

// ConnectEvent is the hook input for one session activation: the admitted
// subscriber, matched from the credential used at admission, the
// tunnel-internal address assigned to the session, and the physical tunnel
// device.
type ConnectEvent struct {
	SubscriberName string
	Address        string
	Device         string
}

// DisconnectEvent is the hook input for one session teardown, with the
// byte counts the tunnel daemon observed for the session.
type DisconnectEvent struct {
	ConnectEvent
	BytesReceived int64
	BytesSent     int64
}

func getConnectEvent(config *Config) (*ConnectEvent, error) {

	subscriberName := os.Getenv(hookEnvSubscriberName)
	if subscriberName == "" {
		return nil, errors.TraceNew("missing subscriber name")
	}

	address := os.Getenv(hookEnvAddress)
	if net.ParseIP(address) == nil {
		return nil, errors.Tracef("invalid assigned address: %q", address)
	}

	device := os.Getenv(hookEnvDevice)
	if device == "" {
		device = config.tunnelDeviceName()
	}

	return &ConnectEvent{
		SubscriberName: subscriberName,
		Address:        address,
		Device:         device,
	}, nil
}

func getDisconnectEvent(config *Config) (*DisconnectEvent, error) {

	connectEvent, err := getConnectEvent(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Byte counts are absent on abnormal teardown; treat as zero rather
	// than failing the reclaim.
	bytesReceived := parseByteCount(os.Getenv(hookEnvBytesReceived))
	bytesSent := parseByteCount(os.Getenv(hookEnvBytesSent))

	return &DisconnectEvent{
		ConnectEvent:  *connectEvent,
		BytesReceived: bytesReceived,
		BytesSent:     bytesSent,
	}, nil
}

func parseByteCount(value string) int64 {
	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil || count < 0 {
		return 0
	}
	return count
}
