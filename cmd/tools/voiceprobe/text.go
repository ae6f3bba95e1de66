package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var speak bool

var textCmd = &cobra.Command{
	Use:   "text <message>",
	Short: "Send a typed message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		panel, cleanup, err := newPanel(panelOptions{speaker: speak})
		if err != nil {
			return err
		}
		defer cleanup()

		updates, unsubscribe := panel.Subscribe()
		defer unsubscribe()

		if err := panel.Open(ctx); err != nil {
			return err
		}
		snap, err := waitForConnection(ctx, updates)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		renderHeader(out, snap)

		baseline := completedReplies(panel.Snapshot())
		if err := panel.SendText(ctx, strings.Join(args, " ")); err != nil {
			return err
		}

		snap, err = waitForReply(ctx, updates, baseline)
		renderTranscript(out, snap)
		if err != nil {
			return err
		}

		if speak {
			waitForSilence(ctx, panel.Snapshot)
		}
		return nil
	},
}

func init() {
	textCmd.Flags().BoolVar(&speak, "speak", false, "Play the spoken reply through ffplay")
	rootCmd.AddCommand(textCmd)
}
