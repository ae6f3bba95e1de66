package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/analysis/activity"
)

var (
	ErrCaptureRunning    = errors.New("capture already running")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrSourceEnded       = errors.New("microphone stream ended")
)

// Format describes what the capture side asks of the input device.
// EchoCancellation and NoiseSuppression are requests; devices may ignore them.
type Format struct {
	SampleRate       int
	Channels         int
	BlockSize        int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultFormat matches the assistant channel: mono PCM at 24 kHz.
func DefaultFormat() Format {
	return Format{
		SampleRate:       SampleRate,
		Channels:         1,
		BlockSize:        BlockSize,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Source produces fixed-size blocks of normalized mono samples. The returned
// channel is the only hand-off between the device and the pipeline; sources
// drop blocks instead of blocking when the reader falls behind.
type Source interface {
	Start(ctx context.Context, format Format) (<-chan []float32, error)
	Close() error
}

// Sink receives the pipeline output. Frame returns an error when the frame was
// not transmitted (for example the channel is not connected); the frame is dropped.
// Ended is called once if the source stops on its own; the device is already
// released and Stop is a no-op by then. It is never called after Stop.
type Sink interface {
	Frame(pcm []byte) error
	Activity(speaking bool)
	Ended(err error)
}

// Capture turns microphone blocks into PCM16 frames plus a local speaking estimate.
type Capture struct {
	source   Source
	sink     Sink
	format   Format
	detector *activity.Detector
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sent atomic.Uint64
	shed atomic.Uint64
}

// NewCapture wires a source to a sink.
func NewCapture(source Source, sink Sink, format Format, detector *activity.Detector, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = activity.NewDetector(activity.DefaultThreshold, 0)
	}
	if format.SampleRate == 0 {
		format = DefaultFormat()
	}
	return &Capture{
		source:   source,
		sink:     sink,
		format:   format,
		detector: detector,
		logger:   logger,
	}
}

// Start opens the device and begins forwarding frames.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCaptureRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	blocks, err := c.source.Start(runCtx, c.format)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c.detector.Reset()
	c.sent.Store(0)
	c.shed.Store(0)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, blocks, c.done)
	return nil
}

// Stop halts the loop and releases the device. It returns once no more frames can be emitted.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	<-done

	err := c.source.Close()
	if c.detector.Speaking() {
		c.sink.Activity(false)
	}
	c.detector.Reset()

	c.logger.Debug("capture stopped",
		zap.Uint64("framesSent", c.sent.Load()),
		zap.Uint64("framesShed", c.shed.Load()),
	)
	if err != nil {
		return fmt.Errorf("release microphone: %w", err)
	}
	return nil
}

// Running reports whether the device is open.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stats returns the number of frames sent and shed since Start.
func (c *Capture) Stats() (sent, shed uint64) {
	return c.sent.Load(), c.shed.Load()
}

func (c *Capture) run(ctx context.Context, blocks <-chan []float32, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				c.sourceEnded()
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.process(block)
		}
	}
}

// sourceEnded tears the capture down after the device went away under it.
func (c *Capture) sourceEnded() {
	c.mu.Lock()
	if !c.running {
		// Stop got here first
		c.mu.Unlock()
		return
	}
	err := c.source.Close()
	c.running = false
	c.cancel()
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if c.detector.Speaking() {
		c.sink.Activity(false)
	}
	c.detector.Reset()

	c.logger.Warn("microphone stream ended",
		zap.Uint64("framesSent", c.sent.Load()),
		zap.Uint64("framesShed", c.shed.Load()),
		zap.NamedError("releaseError", err),
	)
	c.sink.Ended(ErrSourceEnded)
}

func (c *Capture) process(block []float32) {
	decision := c.detector.Analyze(block)
	if decision.Changed {
		c.sink.Activity(decision.Speaking)
	}

	if err := c.sink.Frame(EncodePCM16(block)); err != nil {
		c.shed.Add(1)
		return
	}
	c.sent.Add(1)
}
