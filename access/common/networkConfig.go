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

package common

import (
	"fmt"
	"os/exec"

	"github.com/vpn-access/vpn-access-core/access/common/errors"
)

// RunNetworkConfigCommand execs a network config command, such as "tc" or
// "iptables". The process is expected to hold CAP_NET_ADMIN, or "sudo" will
// be used when useSudo is true.
//
// The command and its output are logged at log level debug.
func RunNetworkConfigCommand(
	logger Logger,
	useSudo bool,
	commandName string, commandArgs ...string) error {

	_, err := RunNetworkConfigCommandOutput(
		logger, useSudo, commandName, commandArgs...)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// RunNetworkConfigCommandOutput is RunNetworkConfigCommand, additionally
// returning the combined output of the command for callers which parse
// kernel-reported state, such as classifier handles.
func RunNetworkConfigCommandOutput(
	logger Logger,
	useSudo bool,
	commandName string, commandArgs ...string) (string, error) {

	if useSudo {
		commandArgs = append([]string{commandName}, commandArgs...)
		commandName = "sudo"
	}

	cmd := exec.Command(commandName, commandArgs...)
	output, err := cmd.CombinedOutput()

	logger.WithTraceFields(LogFields{
		"command": commandName,
		"args":    commandArgs,
		"output":  string(output),
		"error":   err,
	}).Debug("exec")

	if err != nil {
		err := fmt.Errorf(
			"command %s %+v failed with %s", commandName, commandArgs, string(output))
		return string(output), errors.Trace(err)
	}
	return string(output), nil
}
