// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/spf13/cobra"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw radio frames in human-readable format",
	Long: `Continuously decode and display radio frames as they arrive.

Each frame is shown with timestamp, opcode, address and de-stuffed payload.
Telemetry is decoded with the --layout flag; rule tables and
acknowledgements are decoded as well.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	decoder, err := sensorDecoder()
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Thermobase - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Layout: %s\n", decoder.Layout())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	link := radio.NewLink(conn)
	for {
		lf, err := link.ReadFrame()
		if err != nil {
			if errors.Is(err, radio.ErrTransport) {
				// For WebSocket connections, a read error usually means
				// the connection is permanently closed - exit gracefully
				if errors.Is(err, ErrConnectionClosed) {
					log.Printf("Connection closed")
					return nil
				}
				return err
			}
			fmt.Printf("[ERROR] %v\n", err)
			continue
		}
		text, _, _ := describeFrame(lf, decoder)
		fmt.Print(text)
	}
}

// describeFrame formats a link frame and whatever its payload decodes to.
// Telemetry frames also return the decoded packet. The returned error is the
// payload decode error, if any.
func describeFrame(lf *thermolink.LinkFrame, decoder *thermolink.SensorDecoder) (string, *thermolink.SensorPacket, error) {
	text := thermolink.FormatLinkFrame(lf)
	payload := thermolink.Destuff(lf.Payload())

	op, ok := thermolink.Opcode(payload)
	if !ok {
		return text, nil, nil
	}

	switch {
	case op == thermolink.OpAck || op == thermolink.OpNack:
		result, err := thermolink.ParseAck(payload)
		if err != nil {
			return text + fmt.Sprintf("  [DECODE ERROR] %v\n", err), nil, err
		}
		return text + fmt.Sprintf("  Result: %s\n", result), nil, nil

	case op == thermolink.OpRuleChange:
		// Inbound rule frames are query responses
		rules, err := thermolink.DecodeRuleSet(payload[1:])
		if err != nil {
			return text + fmt.Sprintf("  [DECODE ERROR] %v\n", err), nil, err
		}
		return text + thermolink.FormatRuleSet(rules), nil, nil

	case op == thermolink.OpThermoPower, op == thermolink.OpOverride:
		if len(payload) > 1 {
			text += fmt.Sprintf("  Action: %s\n", thermolink.FormatSubAction(op, payload[1]))
		}
		return text, nil, nil
	}

	packet, err := decoder.DecodeFrame(lf.SourceID(), payload)
	if err != nil {
		return text + fmt.Sprintf("  [DECODE ERROR] %v\n", err), nil, err
	}
	return text + thermolink.FormatSensorPacket(packet), packet, nil
}
