package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
)

var ErrUnsupportedPlatform = errors.New("microphone capture is not supported on this platform")

// Microphone 通过 ffmpeg 读取系统麦克风，输出 f32le 单声道采样块。
type Microphone struct {
	ffmpegPath string
	input      string
	goos       string
	logger     *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	blocks   chan []float32
	readDone chan struct{}
}

// NewMicrophone 创建麦克风源，input 为空时使用系统默认设备。
func NewMicrophone(ffmpegPath, input string, logger *zap.Logger) *Microphone {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Microphone{ffmpegPath: ffmpegPath, input: input, goos: runtime.GOOS, logger: logger}
}

// MicrophoneArgs builds the ffmpeg invocation for the given platform.
func MicrophoneArgs(goos, input string, format audio.Format) ([]string, error) {
	var source []string
	switch goos {
	case "darwin":
		if input == "" {
			input = ":0"
		}
		source = []string{"-f", "avfoundation", "-i", input}
	case "linux":
		if input == "" {
			input = "default"
		}
		source = []string{"-f", "pulse", "-i", input}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, source...)
	if format.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args,
		"-ac", strconv.Itoa(max(format.Channels, 1)),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

// Start launches ffmpeg and streams fixed-size blocks until Close or ctx ends.
func (m *Microphone) Start(ctx context.Context, format audio.Format) (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return nil, errors.New("microphone already started")
	}
	if _, err := exec.LookPath(m.ffmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	args, err := MicrophoneArgs(m.goos, m.input, format)
	if err != nil {
		return nil, err
	}
	if format.EchoCancellation {
		m.logger.Debug("echo cancellation requested but not available through ffmpeg capture")
	}

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg capture: %w", err)
	}

	m.cmd = cmd
	m.stdout = stdout
	m.blocks = make(chan []float32, 1)
	m.readDone = make(chan struct{})

	blockSize := format.BlockSize
	if blockSize <= 0 {
		blockSize = audio.BlockSize
	}
	go m.readLoop(stdout, blockSize*4, m.blocks, m.readDone)

	m.logger.Info("microphone started", zap.Strings("args", args))
	return m.blocks, nil
}

func (m *Microphone) readLoop(r io.Reader, frameBytes int, out chan []float32, done chan struct{}) {
	defer close(done)
	defer close(out)

	buf := make([]byte, frameBytes)
	dropped := 0
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if dropped > 0 {
				m.logger.Debug("microphone blocks dropped", zap.Int("count", dropped))
			}
			return
		}
		samples := audio.DecodeFloat32(buf)
		select {
		case out <- samples:
		default:
			dropped++
		}
	}
}

// Close stops ffmpeg and waits for the reader to exit.
func (m *Microphone) Close() error {
	m.mu.Lock()
	cmd, done := m.cmd, m.readDone
	m.cmd, m.stdout, m.blocks, m.readDone = nil, nil, nil, nil
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	_ = cmd.Wait()
	m.logger.Info("microphone released")
	return nil
}
