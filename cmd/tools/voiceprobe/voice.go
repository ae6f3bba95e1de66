package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

var speakFor time.Duration

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Stream the microphone for a while and print the conversation",
	Long: `Opens the microphone through ffmpeg, streams it to the assistant for the
given duration, then commits the utterance and waits for the reply. The reply
audio is played through ffplay.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), speakFor+timeout)
		defer cancel()

		panel, cleanup, err := newPanel(panelOptions{microphone: true, speaker: true})
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
		if err := panel.StartVoice(ctx); err != nil {
			renderTranscript(out, panel.Snapshot())
			return fmt.Errorf("voice mode unavailable: %w", err)
		}
		fmt.Fprintln(out, metaStyle.Render(fmt.Sprintf("listening for %s…", speakFor)))

		select {
		case <-time.After(speakFor):
		case <-ctx.Done():
		}
		if err := panel.StopVoice(context.WithoutCancel(ctx)); err != nil {
			return err
		}

		snap, err = waitForReply(ctx, updates, baseline)
		renderTranscript(out, snap)
		if err != nil {
			return err
		}
		waitForSilence(ctx, panel.Snapshot)
		return nil
	},
}

// waitForSilence lets queued reply audio finish before the process exits.
func waitForSilence(ctx context.Context, snapshot func() model.Snapshot) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for snapshot().AssistantSpeaking {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	voiceCmd.Flags().DurationVar(&speakFor, "duration", 5*time.Second, "How long to keep the microphone open")
	rootCmd.AddCommand(voiceCmd)
}
