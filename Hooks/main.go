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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vpn-access/vpn-access-core/access/service"
)

func usage() {
	fmt.Fprintf(
		os.Stderr,
		"usage: %s [-config <filename>] generate | auth <credentials-file> | connect | disconnect | reconcile\n",
		os.Args[0])
	os.Exit(2)
}

func main() {

	configFilename := flag.String(
		"config", service.ACCESS_CONFIG_FILENAME, "service config file")
	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		usage()
	}

	if args[0] == "generate" {
		configJSON, err := service.GenerateConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate failed: %s\n", err)
			os.Exit(1)
		}
		err = os.WriteFile(*configFilename, configJSON, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error writing configuration file: %s\n", err)
			os.Exit(1)
		}
		return
	}

	configJSON, err := os.ReadFile(*configFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
		os.Exit(1)
	}

	config, err := service.LoadConfig(configJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration file: %s\n", err)
		os.Exit(1)
	}

	err = service.InitLogging(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging failed: %s\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "auth":
		if len(args) < 2 {
			usage()
		}
		err = service.RunAuthHook(config, args[1])
	case "connect":
		err = service.RunConnectHook(config)
	case "disconnect":
		err = service.RunDisconnectHook(config)
	case "reconcile":
		err = service.RunReconcile(config)
	default:
		usage()
	}

	// Errors are logged where they occur; the exit status is the
	// interface consumed by the tunnel daemon.
	if err != nil {
		os.Exit(1)
	}
}
