// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/spf13/cobra"
)

var (
	discoveryTimeout int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "List the nodes sending telemetry",
	Long: `Listen for telemetry and list every node heard before the timeout.

Nodes do not answer a discovery request; they report on their own schedule,
so the timeout should cover at least one reporting interval.

The address shown is the one to pass as --node.

Exit codes:
  0 - At least one node found
  1 - No telemetry before timeout
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 60, "Seconds to listen")
}

// discoveredNode is one node heard during discovery
type discoveredNode struct {
	address  uint64
	sourceID []byte
	packets  int
	errors   int
	kinds    map[thermolink.SensorKind]bool
	lastSeen time.Time
}

func (n *discoveredNode) sensors() string {
	names := make([]string, 0, len(n.kinds))
	for k := range n.kinds {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	decoder, err := sensorDecoder()
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Thermobase - Node Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Layout: %s\n", decoder.Layout())
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	link := radio.NewLink(conn)
	frames := make(chan *thermolink.LinkFrame, 10)
	errChan := make(chan error, 1)

	go func() {
		for {
			lf, err := link.ReadFrame()
			if errors.Is(err, radio.ErrTransport) {
				errChan <- err
				return
			}
			if err == nil {
				frames <- lf
			}
		}
	}()

	nodes := make(map[uint64]*discoveredNode)
	deadline := time.After(time.Duration(discoveryTimeout) * time.Second)

listen:
	for {
		select {
		case lf := <-frames:
			payload := thermolink.Destuff(lf.Payload())
			if op, ok := thermolink.Opcode(payload); ok && op <= thermolink.OpRuleChange {
				// Command traffic, not telemetry
				continue
			}

			node, seen := nodes[lf.Address()]
			if !seen {
				node = &discoveredNode{
					address:  lf.Address(),
					sourceID: lf.SourceID(),
					kinds:    make(map[thermolink.SensorKind]bool),
				}
				nodes[lf.Address()] = node
			}
			node.lastSeen = time.Now()

			packet, err := decoder.DecodeFrame(lf.SourceID(), payload)
			if err != nil {
				node.errors++
				continue
			}
			node.packets++
			for _, r := range packet.Readings {
				node.kinds[r.Kind] = true
			}

			if !seen {
				fmt.Printf("Node found:\n")
				fmt.Printf("  Address: 0x%016X\n", node.address)
				fmt.Printf("  Radio ID: %x\n", node.sourceID)
				fmt.Printf("  Sensors: %s\n\n", node.sensors())
			}

		case err := <-errChan:
			fmt.Printf("READ FAILED: %v\n", err)
			os.Exit(2)

		case <-deadline:
			break listen
		}
	}

	// Summary
	fmt.Printf("--- Discovery summary ---\n")
	fmt.Printf("Nodes found: %d\n", len(nodes))

	if len(nodes) == 0 {
		fmt.Printf("No telemetry received. Check the radio bridge and the --layout flag.\n")
		os.Exit(1)
	}

	for _, n := range nodes {
		fmt.Printf("  %016X  id=%x  packets=%d  errors=%d  sensors=%s\n",
			n.address, n.sourceID, n.packets, n.errors, n.sensors())
	}
	return nil
}
