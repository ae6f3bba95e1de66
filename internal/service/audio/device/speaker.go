package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
)

// Speaker 通过 ffplay 播放 f32le 采样，取消时重启进程以丢弃已缓冲的音频。
type Speaker struct {
	ffplayPath string
	sampleRate int
	logger     *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	busyUntil time.Time
	closed    bool
}

// NewSpeaker 创建播放设备，进程在首次播放时启动。
func NewSpeaker(ffplayPath string, sampleRate int, logger *zap.Logger) *Speaker {
	if ffplayPath == "" {
		ffplayPath = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Speaker{ffplayPath: ffplayPath, sampleRate: sampleRate, logger: logger}
}

// SpeakerArgs builds the ffplay invocation reading raw floats from stdin.
func SpeakerArgs(sampleRate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "f32le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// Play writes samples to ffplay and blocks for their duration.
func (s *Speaker) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("speaker closed")
	}
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if _, err := s.stdin.Write(audio.EncodeFloat32(samples)); err != nil {
		s.stopLocked()
		s.mu.Unlock()
		return fmt.Errorf("write ffplay stdin: %w", err)
	}

	now := time.Now()
	start := s.busyUntil
	if start.Before(now) {
		start = now
	}
	length := time.Duration(int64(len(samples)) * int64(time.Second) / int64(s.sampleRate))
	s.busyUntil = start.Add(length)
	wait := time.Until(s.busyUntil)
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		s.reset()
		return ctx.Err()
	}
}

func (s *Speaker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.busyUntil = time.Time{}
}

func (s *Speaker) startLocked() error {
	if _, err := exec.LookPath(s.ffplayPath); err != nil {
		return fmt.Errorf("ffplay not found: %w", err)
	}
	cmd := exec.Command(s.ffplayPath, SpeakerArgs(s.sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.logger.Debug("ffplay started", zap.Int("sampleRate", s.sampleRate))
	return nil
}

func (s *Speaker) stopLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}

// Close kills ffplay. Further Play calls fail.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
	return nil
}
