package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/config"
	"github.com/zhouzirui/voice-storefront/client/internal/service/identity"
)

var (
	verbose bool
	baseURL string
	timeout time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voiceprobe",
	Short: "Exercise the storefront assistant from a terminal",
	Long: `voiceprobe talks to the storefront assistant service the same way the
shop's assistant panel does: it opens the conversation channel with the
persisted session identifier, sends text or microphone audio, and prints the
transcript as the panel would show it.

Quick Start:
  voiceprobe text "do you have blue mugs?"   # Ask a question
  voiceprobe voice --duration 5s             # Speak for five seconds
  voiceprobe ping --count 3                  # Measure round trips
  voiceprobe identity show                   # Print the session identifier`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if baseURL != "" {
			loaded.Assistant.BaseURL = baseURL
		}
		cfg = loaded

		logCfg := config.LogConfig{Level: "warn", Format: "console"}
		if verbose {
			logCfg.Level = "debug"
		}
		logger, err = logCfg.NewLogger()
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Assistant service base URL (overrides ASSISTANT_BASE_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 45*time.Second, "How long to wait for the assistant")
}

func sessionProvider() (*identity.Provider, error) {
	var store identity.Store
	switch cfg.Identity.Backend {
	case config.IdentityMemory:
		store = identity.NewMemoryStore()
	case config.IdentityKeyring:
		store = identity.NewKeyringStore(cfg.Identity.KeyringService)
	default:
		fs, err := identity.NewFileStore(cfg.Identity.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	return identity.NewProvider(store, logger.Named("identity")), nil
}
