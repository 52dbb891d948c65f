// escrowctl is the operator CLI for the escrow daemon: currency
// registration, treasury fee management, and session inspection, with
// requests signed by the wallet key in ~/.escrowctl/config.toml.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate a session escrow daemon from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newCurrencyCmd(),
		newFeesCmd(),
		newSessionCmd(),
		newVaultCmd(),
	)
	return rootCmd
}

// client builds a Client lazily so read-only commands work without a key and
// `escrowctl help` works without any config at all.
func client() (*Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClient(cfg)
}
