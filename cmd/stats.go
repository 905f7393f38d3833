// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"error_detection"},
	Short:   "Track link errors and malformed telemetry",
	Long: `Track frame errors and malformed telemetry with statistics.

This command decodes each frame and detects:
  - Checksum failures and link framing errors
  - Telemetry with a bad length or an unknown sensor type
  - Truncated rule tables and invalid day types
  - Implausible readings (out-of-range values, NaN, repeated sensors)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.

Errors before the first valid frame are counted as sync noise, not as errors.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	statsCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// frameEvent is the outcome of reading one frame from the link
type frameEvent struct {
	frame     *thermolink.LinkFrame
	packet    *thermolink.SensorPacket
	text      string
	linkErr   error
	decodeErr error
	anomalies []thermolink.ValidationError
}

// frameReader reads frames from a link and tracks synchronization. Link
// errors before the first good frame are counted, not reported.
type frameReader struct {
	link         *radio.Link
	decoder      *thermolink.SensorDecoder
	synchronized bool
	skipped      int
}

// next blocks until there is an event to report. A transport error ends
// the stream.
func (r *frameReader) next() (frameEvent, error) {
	for {
		lf, err := r.link.ReadFrame()
		if errors.Is(err, radio.ErrTransport) {
			return frameEvent{}, err
		}
		if err != nil {
			if !r.synchronized {
				r.skipped++
				continue
			}
			return frameEvent{linkErr: err}, nil
		}

		r.synchronized = true
		text, packet, decodeErr := describeFrame(lf, r.decoder)
		ev := frameEvent{frame: lf, packet: packet, text: text, decodeErr: decodeErr}
		if packet != nil {
			ev.anomalies = thermolink.ValidateSensorPacket(packet)
		}
		return ev, nil
	}
}

func runStats(cmd *cobra.Command, args []string) error {
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

	reader := &frameReader{link: radio.NewLink(conn), decoder: decoder}

	if useTUI {
		return runStatsTUI(reader, connInfo)
	}
	return runStatsText(reader, connInfo)
}

// printFrameError prints a rejected frame in highlighted format
func printFrameError(ev frameEvent) {
	timestamp := time.Now().Format("15:04:05.000")
	if ev.linkErr != nil {
		fmt.Printf("[%s] \033[1;31mLINK ERROR:\033[0m %v\n", timestamp, ev.linkErr)
		fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
		return
	}
	fmt.Printf("[%s] \033[1;33mDECODE ERROR:\033[0m %v\n", timestamp, ev.decodeErr)
	fmt.Print(ev.text)
	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}

// printAnomalies prints a decoded packet with implausible readings
func printAnomalies(ev frameEvent) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mANOMALY:\033[0m %d implausible readings\n", timestamp, len(ev.anomalies))
	for i, a := range ev.anomalies {
		fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, a.Message)
	}
	fmt.Print(ev.text)
	fmt.Println()
}

// runStatsTUI runs the statistics view in TUI mode
func runStatsTUI(reader *frameReader, connInfo string) error {
	m := initialStatsModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		reported := false
		for {
			ev, err := reader.next()
			if err != nil {
				p.Send(statsLostMsg{err: err})
				return
			}
			if !reported && reader.synchronized {
				reported = true
				p.Send(syncMsg{skipped: reader.skipped})
			}
			p.Send(frameMsg(ev))
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runStatsText runs the statistics view in text mode
func runStatsText(reader *frameReader, connInfo string) error {
	fmt.Printf("Thermobase - Link Statistics\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := thermolink.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	events := make(chan frameEvent, 10)
	readErr := make(chan error, 1)
	go func() {
		reported := false
		for {
			ev, err := reader.next()
			if err != nil {
				readErr <- err
				return
			}
			if !reported && reader.synchronized {
				reported = true
				if reader.skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d rejected frames\n\n", reader.skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			}
			events <- ev
		}
	}()

	for {
		select {
		case ev := <-events:
			stats.Update(ev.linkErr, ev.decodeErr)
			stats.RecordAnomalies(ev.anomalies)
			if ev.linkErr != nil || ev.decodeErr != nil {
				printFrameError(ev)
			} else if len(ev.anomalies) > 0 {
				printAnomalies(ev)
			} else if showAll {
				fmt.Print(ev.text)
			}

		case err := <-readErr:
			fmt.Println()
			fmt.Print(stats.String())
			if errors.Is(err, ErrConnectionClosed) {
				log.Printf("Connection closed")
				return nil
			}
			return err

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
