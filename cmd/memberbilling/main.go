// Command memberbilling runs the membership billing service: the member
// billing API, the Stripe webhook endpoint and scheduled reconciliation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/membermatters/billing/pkg/config"
)

var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configLoader loads and validates the service configuration.
type configLoader func() (*config.Config, error)

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "memberbilling",
		Short:         "Membership billing and access activation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of .env")

	load := func() (*config.Config, error) {
		if envFile == "" {
			return config.Load()
		}
		return config.Load(envFile)
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(reconcileCmd(load))
	rootCmd.AddCommand(seedCmd(load))

	return rootCmd
}
