package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/config"
	"github.com/zhouzirui/voice-storefront/client/internal/handler"
	"github.com/zhouzirui/voice-storefront/client/internal/service/assistant"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio/device"
	"github.com/zhouzirui/voice-storefront/client/internal/service/identity"
	"github.com/zhouzirui/voice-storefront/client/internal/service/storefront"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	store, err := newIdentityStore(cfg.Identity)
	if err != nil {
		logger.Fatal("failed to initialize session identity store", zap.Error(err))
	}
	sessions := identity.NewProvider(store, logger.Named("identity"))

	shop := storefront.NewHooks(
		storefront.NewClient(cfg.Storefront.BaseURL, storefront.WithTimeout(cfg.Storefront.Timeout)),
		logger.Named("storefront"),
	)

	mic := device.NewMicrophone(cfg.Audio.FFmpegPath, cfg.Audio.InputDevice, logger.Named("microphone"))
	speaker := device.NewSpeaker(cfg.Audio.FFplayPath, cfg.Audio.SampleRate, logger.Named("speaker"))
	defer func() { _ = speaker.Close() }()

	panel := assistant.New(assistant.Options{
		Sessions: sessions,
		Transport: transport.Config{
			BaseURL:           cfg.Assistant.BaseURL,
			KeepaliveInterval: cfg.Assistant.KeepaliveInterval,
			SendQueue:         cfg.Assistant.SendQueue,
		},
		Source: mic,
		Player: speaker,
		Format: audio.Format{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         1,
			BlockSize:        cfg.Audio.BlockSize,
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
		},
		SpeechThreshold: cfg.Audio.SpeechThreshold,
		Cart:            shop,
		Products:        shop,
		Logger:          logger.Named("panel"),
	})
	defer panel.Shutdown()

	router := handler.NewRouter(panel, shop, cfg.Server.AllowedOrigins, logger)

	logger.Info("voice storefront assistant starting",
		zap.String("assistant", cfg.Assistant.BaseURL),
		zap.String("storefront", cfg.Storefront.BaseURL),
		zap.String("identity", cfg.Identity.Backend),
	)
	startServer(ctx, cfg.Server, router, logger)
}

func newIdentityStore(cfg config.IdentityConfig) (identity.Store, error) {
	switch cfg.Backend {
	case config.IdentityMemory:
		return identity.NewMemoryStore(), nil
	case config.IdentityKeyring:
		return identity.NewKeyringStore(cfg.KeyringService), nil
	case config.IdentityFile:
		return identity.NewFileStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown identity backend %q", cfg.Backend)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("assistant shell listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
