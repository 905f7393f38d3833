// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/spf13/cobra"
)

var (
	sendAckTimeout time.Duration
	sendRetryPause time.Duration
	sendRetries    uint64
	sendTimeout    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <request>",
	Short: "Send one control request to the node",
	Long: `Send one control request to the node and print the result.

The request uses the control protocol syntax:
  thermobase send TS:ON
  thermobase send PO:ON:21.5:90
  thermobase send TR:GET
  thermobase send DR

DR waits for the next telemetry packet instead of sending a frame.

Exit codes:
  0 - Node acknowledged the command
  1 - Node rejected the command, or the request was invalid
  2 - No answer from the node (status unknown)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addTransmitFlags(sendCmd)
}

// addTransmitFlags registers the retry flags shared by one-shot commands
func addTransmitFlags(c *cobra.Command) {
	c.Flags().DurationVar(&sendAckTimeout, "ack-timeout", radio.DefaultAckTimeout, "Wait for an acknowledgement before resending")
	c.Flags().DurationVar(&sendRetryPause, "retry-pause", radio.DefaultRetryPause, "Pause between resends")
	c.Flags().Uint64Var(&sendRetries, "retries", 5, "Resends before giving up")
	c.Flags().DurationVar(&sendTimeout, "timeout", time.Minute, "Overall time limit")
}

// startOneShot opens the radio session and starts its reader. The returned
// stop function cancels the reader and closes the connection.
func startOneShot() (context.Context, *radioSession, *radio.Transmitter, func(), error) {
	session, err := openRadioSession(nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, cancelSignal := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancelTimeout := context.WithTimeout(ctx, sendTimeout)

	tx := session.newTransmitter(
		radio.WithAckTimeout(sendAckTimeout),
		radio.WithRetryPolicy(radio.LimitedRetry(sendRetryPause, sendRetries)),
		radio.WithStateHook(func(id string, s radio.State) {
			if s == radio.StateRetrying {
				fmt.Printf("  no answer, resending...\n")
			}
		}),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.run(ctx, false)
	}()

	stop := func() {
		cancelTimeout()
		cancelSignal()
		<-done
		session.close()
	}
	return ctx, session, tx, stop, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	line := strings.Join(args, " ")
	command, err := control.Parse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request: %v\n", err)
		os.Exit(1)
	}

	ctx, session, tx, stop, err := startOneShot()
	if err != nil {
		return err
	}

	fmt.Printf("Thermobase - Send\n")
	fmt.Printf("Connection: %s\n", session.info())
	fmt.Printf("Node: %016X\n", session.node)
	fmt.Printf("Request: %s\n\n", strings.ToUpper(strings.TrimSpace(line)))

	code := 0
	switch c := command.(type) {
	case control.DataRequest:
		code = awaitTelemetry(ctx, session)

	case control.RuleChange:
		if c.Op != control.RuleGet {
			_, err = tx.Transmit(ctx, c)
			code = reportSendError(err)
			break
		}
		code = printRules(ctx, tx)

	default:
		result, err := tx.Transmit(ctx, command)
		if err != nil {
			code = reportSendError(err)
			break
		}
		code = reportResult(result)
	}

	stop()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// awaitTelemetry prints the next telemetry packet from the node
func awaitTelemetry(ctx context.Context, session *radioSession) int {
	packets := make(chan *thermolink.SensorPacket, 1)
	session.routeTelemetry(func(f radio.Frame) {
		packet, err := session.decoder.DecodeFrame(f.Link.SourceID(), f.Payload)
		if err != nil {
			fmt.Printf("  [DECODE ERROR] %v\n", err)
			return
		}
		select {
		case packets <- packet:
		default:
		}
	})

	fmt.Printf("Waiting for telemetry...\n")
	select {
	case p := <-packets:
		fmt.Print(thermolink.FormatSensorPacket(p))
		return 0
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "TIMEOUT: no telemetry received\n")
		return 2
	}
}

// printRules queries and prints the node's rule table
func printRules(ctx context.Context, tx *radio.Transmitter) int {
	rules, result, err := tx.QueryRules(ctx)
	if err != nil {
		return reportSendError(err)
	}
	if !result.Success {
		return reportResult(result)
	}
	fmt.Printf("Rules (%d):\n", len(rules))
	fmt.Print(thermolink.FormatRuleSet(rules))
	return 0
}

func reportResult(result thermolink.CommandResult) int {
	if result.Success {
		fmt.Printf("SUCCESS: %s\n", result.Detail)
		return 0
	}
	fmt.Printf("FAILED: %s\n", result.Detail)
	return 1
}

func reportSendError(err error) int {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	if errors.Is(err, radio.ErrStatusUnknown) {
		return 2
	}
	return 1
}
