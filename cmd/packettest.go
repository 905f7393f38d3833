// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid radio frame",
	Long: `Wait for a valid radio frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any radio
frame that passes the checksum. Noise and rejected frames are skipped.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking the radio bridge before starting the base station.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Thermobase - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid radio frame...\n\n")

	link := radio.NewLink(conn)

	// Channel for frame reception
	frameChan := make(chan *thermolink.LinkFrame, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		rejected := 0
		for {
			lf, err := link.ReadFrame()
			if errors.Is(err, radio.ErrTransport) {
				errChan <- err
				return
			}
			if err != nil {
				rejected++
				continue
			}
			if rejected > 0 {
				fmt.Printf("(skipped %d rejected frames before sync)\n", rejected)
			}
			frameChan <- lf
			return
		}
	}()

	// Wait for frame or timeout
	select {
	case lf := <-frameChan:
		payload := thermolink.Destuff(lf.Payload())
		op, _ := thermolink.Opcode(payload)
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", thermolink.FormatOpcode(op), op)
		fmt.Printf("  Address: 0x%016X\n", lf.Address())
		fmt.Printf("  Length: %d bytes\n", len(lf.Payload()))
		fmt.Printf("  Checksum: 0x%02X\n", lf.Checksum())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
