package main

import (
	"context"
	"fmt"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

func completedReplies(snap model.Snapshot) int {
	n := 0
	for _, msg := range snap.Transcript {
		if msg.Role == model.RoleAssistant && msg.Complete {
			n++
		}
	}
	return n
}

func lastError(snap model.Snapshot) (string, bool) {
	if len(snap.Transcript) == 0 {
		return "", false
	}
	last := snap.Transcript[len(snap.Transcript)-1]
	return last.Content, last.Error
}

// waitForReply blocks until a finalized assistant reply beyond baseline arrives.
// An error entry or a dropped channel ends the wait early.
func waitForReply(ctx context.Context, updates <-chan model.Snapshot, baseline int) (model.Snapshot, error) {
	var snap model.Snapshot
	for {
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("no reply from assistant: %w", ctx.Err())
		case snap = <-updates:
			if completedReplies(snap) > baseline {
				return snap, nil
			}
			if msg, isErr := lastError(snap); isErr {
				return snap, fmt.Errorf("assistant error: %s", msg)
			}
			if snap.Connection == model.ConnectionDisconnected {
				return snap, fmt.Errorf("assistant channel closed")
			}
		}
	}
}

// waitForConnection blocks until the channel settles.
func waitForConnection(ctx context.Context, updates <-chan model.Snapshot) (model.Snapshot, error) {
	var snap model.Snapshot
	for {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case snap = <-updates:
			switch snap.Connection {
			case model.ConnectionConnected:
				return snap, nil
			case model.ConnectionDisconnected:
				return snap, fmt.Errorf("assistant unavailable at %s", cfg.Assistant.BaseURL)
			}
		}
	}
}
