// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Radio flags
	nodeAddress string
	layoutName  string
	elevation   float64
)

var rootCmd = &cobra.Command{
	Use:   "thermobase",
	Short: "Thermostat base station",
	Long: `Thermobase - base station for a radio-linked thermostat node.

Receives sensor telemetry from the node, uploads it, and relays thermostat
commands from local clients to the node with acknowledgement and retry.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the THERMOBASE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Telemetry layouts:
  preamble: 17-byte router header before the sensor records
  compact:  SENSOR_DATA opcode byte before the sensor records`,
	Version: "1.0.0",
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Radio flags
	rootCmd.PersistentFlags().StringVar(&nodeAddress, "node", "000000000000FFFF", "64-bit radio address of the thermostat node (hex)")
	rootCmd.PersistentFlags().StringVar(&layoutName, "layout", "preamble", "Telemetry layout (preamble or compact)")
	rootCmd.PersistentFlags().Float64Var(&elevation, "elevation", thermolink.DefaultElevation, "Station elevation in meters for pressure correction")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
