package main

import (
	"github.com/zhouzirui/voice-storefront/client/internal/service/assistant"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio/device"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
)

type panelOptions struct {
	microphone bool
	speaker    bool
}

// newPanel builds a panel wired like the shop's, minus the storefront hooks.
func newPanel(opts panelOptions) (*assistant.Panel, func(), error) {
	sessions, err := sessionProvider()
	if err != nil {
		return nil, nil, err
	}

	format := audio.Format{
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         1,
		BlockSize:        cfg.Audio.BlockSize,
		EchoCancellation: cfg.Audio.EchoCancellation,
		NoiseSuppression: cfg.Audio.NoiseSuppression,
	}

	panelOpts := assistant.Options{
		Sessions: sessions,
		Transport: transport.Config{
			BaseURL:           cfg.Assistant.BaseURL,
			KeepaliveInterval: cfg.Assistant.KeepaliveInterval,
			SendQueue:         cfg.Assistant.SendQueue,
		},
		Format:          format,
		SpeechThreshold: cfg.Audio.SpeechThreshold,
		Logger:          logger.Named("panel"),
	}

	var speaker *device.Speaker
	if opts.microphone {
		panelOpts.Source = device.NewMicrophone(cfg.Audio.FFmpegPath, cfg.Audio.InputDevice, logger.Named("microphone"))
	}
	if opts.speaker {
		speaker = device.NewSpeaker(cfg.Audio.FFplayPath, cfg.Audio.SampleRate, logger.Named("speaker"))
		panelOpts.Player = speaker
	}

	panel := assistant.New(panelOpts)
	cleanup := func() {
		panel.Shutdown()
		if speaker != nil {
			_ = speaker.Close()
		}
	}
	return panel, cleanup, nil
}
