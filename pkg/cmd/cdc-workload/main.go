// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// cdc-workload runs a transactional workload against an in-memory node and
// consumes its change feeds, reporting what each feed observed.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var runFlags = pflag.NewFlagSet("run", pflag.ExitOnError)

var (
	configPath  = runFlags.String("config", "", "path to a change feed config file (yaml)")
	numRegions  = runFlags.Int("regions", 4, "number of regions to split the keyspace into")
	numFeeds    = runFlags.Int("feeds", 2, "number of consumer connections, each subscribed to all regions")
	numTxns     = runFlags.Int("txns", 1000, "number of transactions to run")
	concurrency = runFlags.Int("concurrency", 8, "number of concurrent workload workers")
	numKeys     = runFlags.Int("keys", 1000, "size of the keyspace")
	splitEvery  = runFlags.Int("split-every", 0, "split a region after every n transactions (0 disables)")
	metricsAddr = runFlags.String("metrics-addr", "", "serve prometheus metrics on this address")
	oldValues   = runFlags.Bool("old-values", false, "request old values on every feed")
	seed        = runFlags.Int64("seed", 0, "random seed (0 picks one)")
)

var rootCmd = &cobra.Command{
	Use:   "cdc-workload",
	Short: "exercise the change feed endpoint with a synthetic workload",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a workload and print what the feeds observed",
	Long: `run starts an in-memory node, subscribes a number of consumer
connections to all of its regions and drives random transactions against it.
Once the workload is done it waits for every feed to resolve past the last
commit and prints a summary.

Examples:

  cdc-workload run --regions 8 --feeds 3 --txns 10000
  cdc-workload run --config cdc.yaml --metrics-addr :9090
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkload(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().AddFlagSet(runFlags)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
