package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect or reset the persisted session identifier",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the session identifier, creating one if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := sessionProvider()
		if err != nil {
			return err
		}
		id, err := sessions.SessionID(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to resolve session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var identityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the session identifier; the next conversation starts fresh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := sessionProvider()
		if err != nil {
			return err
		}
		if err := sessions.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), metaStyle.Render("session identifier cleared"))
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityClearCmd)
	rootCmd.AddCommand(identityCmd)
}
