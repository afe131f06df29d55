// Package pipeline wires the capture stream to the encoder boundary: frames
// arrive from the delivery queue, pass through the zero-copy bridge, and are
// handed to the encoder sink, with per-session metrics along the way.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skylight-stream/host/internal/capture"
	"github.com/skylight-stream/host/internal/logging"
	"github.com/skylight-stream/host/internal/zerocopy"
)

const defaultStartTimeout = 10 * time.Second

// FrameSource is the capture surface the streamer drives. *capture.Stream
// implements it; tests substitute fakes.
type FrameSource interface {
	zerocopy.StreamConfigurator

	Capture(capture.FrameCallback) (<-chan struct{}, error)
	WaitStarted(time.Duration) error
	StopCapture()
	CaptureSingleFrame(func(*capture.Sample, error)) bool
	Err() error
	HDRActive() bool
}

// EncoderSink is the encoder boundary: it receives the bridged frame once
// per conversion. Frame allocation and submission machinery live on the
// other side of this interface.
type EncoderSink interface {
	SubmitFrame(*zerocopy.Frame) error
}

// DiscardSink counts submissions and drops the frames. Used for soak runs
// and diagnostics when no encoder is attached.
type DiscardSink struct {
	mu        sync.Mutex
	submitted uint64
}

func (d *DiscardSink) SubmitFrame(*zerocopy.Frame) error {
	d.mu.Lock()
	d.submitted++
	d.mu.Unlock()
	return nil
}

func (d *DiscardSink) Submitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

// Config is the per-session streaming configuration.
type Config struct {
	DisplayID    uint32
	FrameRate    int
	Width        int
	Height       int
	Format       zerocopy.PixelFormatKind
	HDR          bool
	HideCursor   bool
	StartTimeout time.Duration
}

// Streamer owns one capture-to-encoder session: a frame source, the
// zero-copy bridge, the reused encoder frame, and the sink.
type Streamer struct {
	source FrameSource
	bridge *zerocopy.Bridge
	frame  *zerocopy.Frame
	sink   EncoderSink

	metrics *Metrics
	log     *slog.Logger

	startTimeout time.Duration

	mu      sync.Mutex
	running bool
}

// New builds a streamer on the platform capture stream.
func New(cfg Config, sink EncoderSink) (*Streamer, error) {
	stream, err := capture.NewStream(cfg.DisplayID, cfg.FrameRate)
	if err != nil {
		return nil, err
	}
	if cfg.HDR {
		if err := stream.SetCaptureHDR(true); err != nil {
			return nil, err
		}
	}
	if cfg.HideCursor {
		if err := stream.SetShowCursor(false); err != nil {
			return nil, err
		}
	}
	return newWithSource(cfg, stream, sink)
}

func newWithSource(cfg Config, source FrameSource, sink EncoderSink) (*Streamer, error) {
	if sink == nil {
		return nil, fmt.Errorf("nil encoder sink")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}

	s := &Streamer{
		source:       source,
		bridge:       &zerocopy.Bridge{},
		sink:         sink,
		metrics:      newMetrics(),
		log:          logging.L("pipeline").With(logging.KeyDisplay, cfg.DisplayID),
		startTimeout: cfg.StartTimeout,
	}

	// Negotiation: pixel format at init, geometry at frame bind. Both land
	// on the capture session through the configurator.
	if err := s.bridge.Init(uintptr(cfg.DisplayID), cfg.Format, source); err != nil {
		return nil, err
	}
	s.frame = &zerocopy.Frame{Width: cfg.Width, Height: cfg.Height}
	if err := s.bridge.BindFrame(s.frame, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins continuous streaming and blocks until the capture session
// confirms start-up or fails.
func (s *Streamer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return capture.ErrAlreadyCapturing
	}
	s.running = true
	s.mu.Unlock()

	if _, err := s.source.Capture(s.onFrame); err != nil {
		s.setStopped()
		return err
	}
	if err := s.source.WaitStarted(s.startTimeout); err != nil {
		s.source.StopCapture()
		s.setStopped()
		return err
	}

	s.log.Info("streaming started", "hdr", s.source.HDRActive())
	return nil
}

// onFrame runs on the capture delivery queue, once per frame, no overlap.
// Conversion failures drop the frame but keep the stream alive; the capture
// layer reports terminal errors through its own channel.
func (s *Streamer) onFrame(sample *capture.Sample) bool {
	s.metrics.RecordDelivered()

	t0 := time.Now()
	if err := s.bridge.Convert(sample); err != nil {
		s.metrics.RecordDrop()
		s.log.Warn("frame conversion failed", logging.KeyError, err.Error())
		return true
	}
	s.metrics.RecordConvert(time.Since(t0))

	if err := s.sink.SubmitFrame(s.frame); err != nil {
		s.metrics.RecordDrop()
		s.log.Warn("encoder sink rejected frame", logging.KeyError, err.Error())
		return true
	}
	s.metrics.RecordSubmit()
	return true
}

// Stop ends streaming and releases the frame's backing references.
// Idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.source.StopCapture()
	s.frame.Release()

	if err := s.source.Err(); err != nil {
		s.log.Warn("session ended with error", logging.KeyError, err.Error())
	}
	s.log.Info("streaming stopped", "submitted", s.metrics.Snapshot().FramesSubmitted)
}

// Running reports whether a continuous session is active.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SingleFrameGrabber is the one-shot capture surface GrabFrameOnce drives.
// *capture.Stream implements it.
type SingleFrameGrabber interface {
	CaptureSingleFrame(func(*capture.Sample, error)) bool
}

// GrabFrameOnce captures a single frame with a bounded wait. The returned
// sample owns a buffer reference; the caller releases it. Fails with
// ErrAlreadyCapturing when a capture is already in flight.
func GrabFrameOnce(g SingleFrameGrabber, timeout time.Duration) (*capture.Sample, error) {
	type result struct {
		sample *capture.Sample
		err    error
	}
	ch := make(chan result, 1)

	if !g.CaptureSingleFrame(func(sample *capture.Sample, err error) {
		ch <- result{sample: sample, err: err}
	}) {
		return nil, capture.ErrAlreadyCapturing
	}

	select {
	case r := <-ch:
		return r.sample, r.err
	case <-time.After(timeout):
		// The capture layer delivers exactly one completion per accepted
		// grab. A completion landing after the deadline still carries a
		// buffer reference nobody will consume; drain it and release.
		go func() {
			if r := <-ch; r.sample != nil {
				r.sample.Buffer.Release()
			}
		}()
		return nil, fmt.Errorf("snapshot timed out after %s", timeout)
	}
}

// Snapshot grabs a single frame through the source's one-shot path. Fails
// with ErrAlreadyCapturing while a continuous session runs.
func (s *Streamer) Snapshot(timeout time.Duration) (*capture.Sample, error) {
	return GrabFrameOnce(s.source, timeout)
}

// HDRActive reports whether the capture session is delivering HDR frames.
func (s *Streamer) HDRActive() bool {
	return s.source.HDRActive()
}

// Metrics returns a point-in-time copy of session counters.
func (s *Streamer) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

func (s *Streamer) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
