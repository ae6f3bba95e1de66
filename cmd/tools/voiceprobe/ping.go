package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/model/envelope"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
)

var pingCount int

// pongWatcher forwards pong envelopes and ignores the rest of the conversation.
type pongWatcher struct {
	pongs chan struct{}
}

func (p pongWatcher) HandleEnvelope(in envelope.Inbound) {
	if in.Type != envelope.KindPong {
		return
	}
	select {
	case p.pongs <- struct{}{}:
	default:
	}
}

func (pongWatcher) HandleState(model.ConnectionState) {}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the application-level round trip to the assistant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		sessions, err := sessionProvider()
		if err != nil {
			return err
		}
		sessionID, err := sessions.SessionID(ctx)
		if err != nil {
			return err
		}

		watcher := pongWatcher{pongs: make(chan struct{}, 1)}
		channel := transport.New(transport.Config{
			BaseURL:   cfg.Assistant.BaseURL,
			SessionID: sessionID,
		}, watcher, logger.Named("transport"))
		defer channel.Close()

		start := time.Now()
		if err := channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", cfg.Assistant.BaseURL, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, metaStyle.Render(fmt.Sprintf("connected in %s", time.Since(start).Round(time.Millisecond))))

		var total time.Duration
		for i := 1; i <= pingCount; i++ {
			sent := time.Now()
			if err := channel.Send(ctx, envelope.Ping()); err != nil {
				return err
			}
			select {
			case <-watcher.pongs:
			case <-ctx.Done():
				return fmt.Errorf("ping %d: no pong: %w", i, ctx.Err())
			}
			rtt := time.Since(sent)
			total += rtt
			fmt.Fprintf(out, "pong %d  %s\n", i, rtt.Round(time.Microsecond))
		}

		if pingCount > 0 {
			avg := total / time.Duration(pingCount)
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("avg %s", avg.Round(time.Microsecond))))
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "Number of pings to send")
	rootCmd.AddCommand(pingCmd)
}
