package main

import (
	"github.com/spf13/cobra"
)

func newCurrencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "currency",
		Short: "Manage the accepted-currency registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <currency> <min-deposit>",
			Short: "Register a currency with its minimum session deposit",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Post(cmd.Context(), "/api/admin/currencies", "add-currency", "", map[string]string{
					"currency":    args[0],
					"min_deposit": args[1],
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Show every accepted currency and its minimum deposit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Get(cmd.Context(), "/currencies")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
	)
	return cmd
}

func newFeesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Inspect and withdraw accrued treasury fees",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <currency>",
			Short: "Show the accrued fee balance for a currency",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Get(cmd.Context(), "/treasury/fees/"+args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "withdraw <currency>",
			Short: "Drain accrued fees to the treasury address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Post(cmd.Context(), "/api/admin/treasury/withdraw", "withdraw-fees", "", map[string]string{
					"currency": args[0],
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
	)
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and settle escrow sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Show the full session record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Get(cmd.Context(), "/sessions/"+args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "proofs <session-id>",
			Short: "Show the per-session proof audit log",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Get(cmd.Context(), "/sessions/"+args[0]+"/proofs")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "complete <session-id>",
			Short: "Settle a session on the normal path (participant key required)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Post(cmd.Context(), "/api/sessions/"+args[0]+"/complete", "complete-session", args[0], struct{}{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "timeout <session-id>",
			Short: "Settle an expired session (any key may trigger this)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Post(cmd.Context(), "/api/sessions/"+args[0]+"/timeout", "timeout-session", args[0], struct{}{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
	)
	return cmd
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect deposit vault balances",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "balance <address> <currency>",
			Short: "Show a wallet's vault balance in a currency",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				body, err := cl.Get(cmd.Context(), "/vault/"+args[0]+"/"+args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
	)
	return cmd
}
