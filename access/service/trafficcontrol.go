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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/vpn-access/vpn-access-core/access/common"
	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// The root HTB queueing discipline, handle 1:, is provisioned on the tunnel
// device by the installer, outside this service. Per-session classes are
// children of that root and classifier rules direct traffic destined to
// each session's assigned address into its class.
const tcRootHandle = "1:"

// TrafficControl is the kernel traffic-control interface used by the
// bandwidth enforcement lifecycle. Implementations must tolerate duplicate
// adds ("already exists") and deletes of absent objects, as hook events may
// be delivered more than once.
type TrafficControl interface {

	// AddClass installs a rate-limiting class on the device, with both
	// sustained rate and ceiling set to rateMbps.
	AddClass(device string, classID uint16, rateMbps int64) error

	// DeleteClass removes the class. Deleting an absent class is not an
	// error. The kernel refuses to delete a class that still has a
	// referencing classifier; callers must remove classifiers first.
	DeleteClass(device string, classID uint16) error

	// AddFilter installs a classifier rule matching traffic destined to
	// the address, directing it into the class, and returns the
	// kernel-assigned handle for the rule. The handle may be empty when
	// it could not be captured.
	AddFilter(device string, address string, classID uint16) (string, error)

	// DeleteFilterByHandle removes a classifier rule by its exact
	// kernel-assigned handle. Unlike the other delete operations, a
	// missing rule is an error: callers treat a failed handle-based
	// delete as a stale handle and fall back to DeleteFilterByMatch.
	DeleteFilterByHandle(device string, handle string) error

	// DeleteFilterByMatch removes the classifier rule for the address by
	// re-deriving its match criteria. This is the slower fallback path
	// used when no handle was captured or the captured handle is stale.
	// Removing an absent rule is not an error.
	DeleteFilterByMatch(device string, address string) error

	// ListClassIDs returns the identifiers of the classes installed
	// under the device's root discipline.
	ListClassIDs(device string) ([]uint16, error)

	// ListFilters returns the classifier rules installed under the
	// device's root discipline.
	ListFilters(device string) ([]TrafficFilter, error)
}

// TrafficFilter describes one installed classifier rule.
type TrafficFilter struct {

	// Handle is the kernel-assigned rule handle.
	Handle string

	// ClassID is the traffic class the rule directs matched traffic to.
	ClassID uint16

	// Address is the IPv4 destination address the rule matches, when the
	// match criteria could be decoded; otherwise "".
	Address string
}

// DeriveClassID derives a session's traffic-class identifier from the low
// 16 bits of its tunnel-assigned IPv4 address, combining the third and
// fourth octets. The identifier is a pure function of the address, so it is
// independently recomputable without consulting shared state; and since the
// tunnel daemon guarantees live sessions have unique addresses within a
// single /16 pool, identifiers of live sessions never collide.
func DeriveClassID(address string) (uint16, error) {

	ip := net.ParseIP(address)
	if ip == nil {
		return 0, errors.Tracef("invalid address: %s", address)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, errors.Tracef("not an IPv4 address: %s", address)
	}

	return uint16(ip4[2])<<8 | uint16(ip4[3]), nil
}

// kernelTrafficControl implements TrafficControl by exec'ing the "tc"
// command, the same interface used by the host provisioning scripts that
// create the root discipline.
type kernelTrafficControl struct {
	logger  common.Logger
	useSudo bool
}

// NewTrafficControl returns a TrafficControl managing kernel objects via
// the "tc" command.
func NewTrafficControl(logger common.Logger, useSudo bool) TrafficControl {
	return &kernelTrafficControl{
		logger:  logger,
		useSudo: useSudo,
	}
}

func classHandle(classID uint16) string {
	return fmt.Sprintf("%s%x", tcRootHandle, classID)
}

// outputIndicatesExists checks for the tc/netlink responses reporting that
// an object to be added is already present.
func outputIndicatesExists(output string) bool {
	return strings.Contains(output, "File exists")
}

// outputIndicatesAbsent checks for the tc/netlink responses reporting that
// an object to be deleted is not present.
func outputIndicatesAbsent(output string) bool {
	return strings.Contains(output, "No such file or directory") ||
		strings.Contains(output, "Invalid handle") ||
		strings.Contains(output, "No such filter") ||
		strings.Contains(output, "Specified class not found")
}

func (tc *kernelTrafficControl) AddClass(
	device string, classID uint16, rateMbps int64) error {

	rate := fmt.Sprintf("%dmbit", rateMbps)

	output, err := common.RunNetworkConfigCommandOutput(
		tc.logger, tc.useSudo,
		"tc", "class", "add", "dev", device,
		"parent", tcRootHandle, "classid", classHandle(classID),
		"htb", "rate", rate, "ceil", rate)
	if err != nil {
		if outputIndicatesExists(output) {
			// Duplicate event delivery; the class is in place.
			return nil
		}
		return errors.Trace(err)
	}
	return nil
}

func (tc *kernelTrafficControl) DeleteClass(
	device string, classID uint16) error {

	output, err := common.RunNetworkConfigCommandOutput(
		tc.logger, tc.useSudo,
		"tc", "class", "del", "dev", device,
		"parent", tcRootHandle, "classid", classHandle(classID))
	if err != nil {
		if outputIndicatesAbsent(output) {
			return nil
		}
		return errors.Trace(err)
	}
	return nil
}

func (tc *kernelTrafficControl) AddFilter(
	device string, address string, classID uint16) (string, error) {

	output, err := common.RunNetworkConfigCommandOutput(
		tc.logger, tc.useSudo,
		"tc", "filter", "add", "dev", device,
		"parent", tcRootHandle, "protocol", "ip", "prio", "1",
		"u32", "match", "ip", "dst", address+"/32",
		"flowid", classHandle(classID))
	if err != nil && !outputIndicatesExists(output) {
		return "", errors.Trace(err)
	}

	// The kernel assigns the filter handle; read it back. A capture
	// failure is not fatal: reclaim falls back to match-based deletion.
	handle, err := tc.findFilterHandle(device, address)
	if err != nil {
		tc.logger.WithTraceFields(common.LogFields{
			"device":  device,
			"address": address,
			"error":   err,
		}).Warning("classifier handle capture failed")
		return "", nil
	}

	return handle, nil
}

func (tc *kernelTrafficControl) DeleteFilterByHandle(
	device string, handle string) error {

	return errors.Trace(common.RunNetworkConfigCommand(
		tc.logger, tc.useSudo,
		"tc", "filter", "del", "dev", device,
		"parent", tcRootHandle, "handle", handle,
		"prio", "1", "protocol", "ip", "u32"))
}

func (tc *kernelTrafficControl) DeleteFilterByMatch(
	device string, address string) error {

	handle, err := tc.findFilterHandle(device, address)
	if err != nil {
		return errors.Trace(err)
	}
	if handle == "" {
		// Already clean.
		return nil
	}

	return errors.Trace(tc.DeleteFilterByHandle(device, handle))
}

func (tc *kernelTrafficControl) ListClassIDs(
	device string) ([]uint16, error) {

	output, err := common.RunNetworkConfigCommandOutput(
		tc.logger, tc.useSudo,
		"tc", "class", "show", "dev", device)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return parseClassIDs(output), nil
}

func (tc *kernelTrafficControl) ListFilters(
	device string) ([]TrafficFilter, error) {

	output, err := common.RunNetworkConfigCommandOutput(
		tc.logger, tc.useSudo,
		"tc", "filter", "show", "dev", device, "parent", tcRootHandle)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return parseFilters(output), nil
}

func (tc *kernelTrafficControl) findFilterHandle(
	device string, address string) (string, error) {

	filters, err := tc.ListFilters(device)
	if err != nil {
		return "", errors.Trace(err)
	}

	for _, filter := range filters {
		if filter.Address == address {
			return filter.Handle, nil
		}
	}

	return "", nil
}

// parseFilters extracts classifier rules from "tc filter show" output.
//
// The output interleaves rule lines, carrying "fh <handle>" and
// "flowid 1:<id>", with match lines, carrying "match <value>/<mask> at 16"
// where offset 16 is the IPv4 destination address and the value is its
// big-endian hex encoding. Hash table declaration lines ("fh 800:") carry
// no flowid and are skipped.
func parseFilters(output string) []TrafficFilter {

	var filters []TrafficFilter
	var current *TrafficFilter

	for _, line := range strings.Split(output, "\n") {

		fields := strings.Fields(line)

		handle := ""
		classID := uint16(0)
		hasFlowID := false

		for i := 0; i+1 < len(fields); i++ {
			switch fields[i] {
			case "fh":
				handle = fields[i+1]
			case "flowid":
				minor := strings.TrimPrefix(fields[i+1], tcRootHandle)
				value, err := strconv.ParseUint(minor, 16, 16)
				if err == nil {
					classID = uint16(value)
					hasFlowID = true
				}
			}
		}

		if handle != "" && hasFlowID {
			filters = append(
				filters,
				TrafficFilter{Handle: handle, ClassID: classID})
			current = &filters[len(filters)-1]
			continue
		}

		if current == nil {
			continue
		}

		for i := 0; i+3 < len(fields); i++ {
			if fields[i] == "match" &&
				fields[i+2] == "at" &&
				fields[i+3] == "16" {
				address := decodeHexIPv4(
					strings.SplitN(fields[i+1], "/", 2)[0])
				if address != "" {
					current.Address = address
				}
			}
		}
	}

	return filters
}

func decodeHexIPv4(hexValue string) string {

	if len(hexValue) != 8 {
		return ""
	}

	value, err := strconv.ParseUint(hexValue, 16, 32)
	if err != nil {
		return ""
	}

	return net.IPv4(
		byte(value>>24), byte(value>>16), byte(value>>8), byte(value)).String()
}

// parseClassIDs extracts class identifiers from "tc class show" output
// lines of the form "class htb 1:6 root ..." or "class htb 1:6 parent ...".
func parseClassIDs(output string) []uint16 {

	var classIDs []uint16

	for _, line := range strings.Split(output, "\n") {

		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "class" {
			continue
		}

		handle := fields[2]
		if !strings.HasPrefix(handle, tcRootHandle) {
			continue
		}

		minor := strings.TrimPrefix(handle, tcRootHandle)
		value, err := strconv.ParseUint(minor, 16, 16)
		if err != nil {
			continue
		}

		classIDs = append(classIDs, uint16(value))
	}

	return classIDs
}
