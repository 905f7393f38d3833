// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Thermobase - Thermostat Base Station
//
// Bridges a radio-linked thermostat node to upload sinks and a TCP control
// protocol, with tools for inspecting the radio link.

package main

import (
	"os"

	"github.com/Thermoquad/thermobase/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
