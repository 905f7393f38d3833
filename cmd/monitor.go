// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/thermobase/pkg/radio"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for watching and controlling the node",
	Long: `Monitor telemetry and send control requests through an interactive terminal UI.

Features:
  - Live readings per node
  - Control requests typed in the protocol syntax (TS:ON, PO:ON:21.5, TR:GET, DR)
  - Link statistics
  - Event logging
  - Automatic reconnection on connection loss

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&sendAckTimeout, "ack-timeout", radio.DefaultAckTimeout, "Wait for an acknowledgement before resending")
	monitorCmd.Flags().DurationVar(&sendRetryPause, "retry-pause", radio.DefaultRetryPause, "Pause between resends")
	monitorCmd.Flags().Uint64Var(&sendRetries, "retries", 5, "Resends before giving up")
}

// monitorEvent is one reader-side event queued for the TUI
type monitorEvent struct {
	frame     *radio.Frame
	linkErr   error
	lost      error
	reconnect string
}

func runMonitor(cmd *cobra.Command, args []string) error {
	session, err := openRadioSession(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx := session.newTransmitter(
		radio.WithAckTimeout(sendAckTimeout),
		radio.WithRetryPolicy(radio.LimitedRetry(sendRetryPause, sendRetries)),
	)

	m := initialMonitorModel(ctx, session, tx)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Buffered channel for batching updates
	events := make(chan monitorEvent, 100)
	queue := func(ev monitorEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	session.routeTelemetry(func(f radio.Frame) { queue(monitorEvent{frame: &f}) })
	session.onLinkError = func(err error) { queue(monitorEvent{linkErr: err}) }
	session.onLost = func(err error) { queue(monitorEvent{lost: err}) }
	session.onReconnect = func(info string) { queue(monitorEvent{reconnect: info}) }

	// Batch sender goroutine - sends batched updates to TUI at fixed rate
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var batch monitorBatchMsg

				// Drain all available events
			drainLoop:
				for {
					select {
					case ev := <-events:
						batch = append(batch, ev)
					default:
						break drainLoop
					}
				}

				if len(batch) > 0 {
					p.Send(batch)
				}
			}
		}
	}()

	readerDone := make(chan error, 1)
	go func() { readerDone <- session.run(ctx, true) }()

	_, err = p.Run()
	cancel()
	<-readerDone
	session.close()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
