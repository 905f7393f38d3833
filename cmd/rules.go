// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the node's temperature rule table",
	Long: `Query the node for its temperature rules and print them in table order.

Same as "send TR:GET".`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	addTransmitFlags(rulesCmd)
}

func runRules(cmd *cobra.Command, args []string) error {
	ctx, session, tx, stop, err := startOneShot()
	if err != nil {
		return err
	}

	fmt.Printf("Thermobase - Rules\n")
	fmt.Printf("Connection: %s\n", session.info())
	fmt.Printf("Node: %016X\n\n", session.node)

	code := printRules(ctx, tx)
	stop()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
