// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/spf13/cobra"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to the node with rule queries",
	Long: `Send rule queries to the node and time the responses.

A rule query changes nothing on the node, so it can exercise the
full path: radio bridge, radio link and node firmware. Each query is sent
once, without resends.

Exit codes:
  0 - All queries answered
  1 - One or more queries timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each query")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of queries to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	session, err := openRadioSession(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		session.run(ctx, false)
	}()

	tx := session.newTransmitter(
		radio.WithAckTimeout(time.Duration(pingTimeout)*time.Second),
		radio.WithRetryPolicy(radio.LimitedRetry(0, 0)),
	)

	fmt.Printf("Thermobase - Ping\n")
	fmt.Printf("Connection: %s\n", session.info())
	fmt.Printf("Node: %016X\n", session.node)
	fmt.Printf("Timeout: %d seconds per query\n", pingTimeout)
	fmt.Printf("Count: %d queries\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Query %d/%d: ", i, pingCount)

		startTime := time.Now()
		rules, result, err := tx.QueryRules(ctx)
		rtt := time.Since(startTime)

		switch {
		case err != nil:
			fmt.Printf("TIMEOUT (%v)\n", err)
			failCount++
		case !result.Success:
			// A rejection still proves the round trip
			fmt.Printf("NACK from node (%s), rtt=%v\n", result.Detail, rtt.Round(time.Millisecond))
			successCount++
		default:
			fmt.Printf("reply from node, %d rules, rtt=%v\n", len(rules), rtt.Round(time.Millisecond))
			successCount++
		}

		// Small delay between queries
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-readerDone
	session.close()

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d queries sent, %d answered, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
