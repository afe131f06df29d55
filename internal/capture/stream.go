package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skylight-stream/host/internal/logging"
)

// stopTimeout bounds how long StopCapture waits for the delivery queue to
// confirm teardown before forcing local state back to idle.
const stopTimeout = 3 * time.Second

type streamState int

const (
	stateIdle streamState = iota
	stateStreaming
	stateStopping
	stateSingle
)

// Stream owns a live screen-capture session bound to one display.
//
// Lifecycle: NewStream → setters (SetFrameSize, SetPixelFormat, SetCaptureHDR)
// → Capture or CaptureSingleFrame → StopCapture. While capture is running the
// configuration is frozen; setters fail with ErrAlreadyCapturing.
type Stream struct {
	mu      sync.Mutex
	cfg     streamConfig
	backend streamBackend
	log     *slog.Logger

	state    streamState
	callback FrameCallback
	started  chan struct{}
	done     chan struct{}
	err      error

	// inCallback is set for the duration of each frame callback so
	// StopCapture invoked from within the callback does not wait on the
	// delivery queue it is running on.
	inCallback atomic.Bool
}

// NewStream constructs a session bound to a display at a target frame rate.
// It does not start capturing.
func NewStream(displayID uint32, frameRate int) (*Stream, error) {
	if frameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", frameRate)
	}
	backend, err := newPlatformBackend()
	if err != nil {
		return nil, err
	}
	return newStreamWithBackend(displayID, frameRate, backend), nil
}

func newStreamWithBackend(displayID uint32, frameRate int, backend streamBackend) *Stream {
	return &Stream{
		cfg: streamConfig{
			displayID:   displayID,
			frameRate:   frameRate,
			pixelFormat: FormatNV12,
			showCursor:  true,
		},
		backend: backend,
		log:     logging.L("capture").With(logging.KeyDisplay, displayID),
	}
}

// SetFrameSize configures the target output dimensions. Fails with
// ErrAlreadyCapturing once capture has started.
func (s *Stream) SetFrameSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyCapturing
	}
	s.cfg.width = width
	s.cfg.height = height
	return nil
}

// SetPixelFormat configures the hardware pixel format requested from the
// capture session. Fails with ErrAlreadyCapturing once capture has started.
func (s *Stream) SetPixelFormat(format FourCC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyCapturing
	}
	s.cfg.pixelFormat = format
	return nil
}

// SetCaptureHDR requests HDR capture. Whether HDR is actually negotiated is
// reported by HDRActive once the stream is running.
func (s *Stream) SetCaptureHDR(hdr bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyCapturing
	}
	s.cfg.captureHDR = hdr
	return nil
}

// SetShowCursor controls whether the cursor is composited into captured
// frames. Defaults to true.
func (s *Stream) SetShowCursor(show bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyCapturing
	}
	s.cfg.showCursor = show
	return nil
}

// ApplyResolution and ApplyPixelFormat are the configuration hooks consumed
// by the zero-copy bridge during encoder negotiation. The display argument is
// the opaque handle the bridge was initialized with; the stream is already
// bound to its display so only the values matter here.

func (s *Stream) ApplyResolution(display uintptr, width, height int) {
	if err := s.SetFrameSize(width, height); err != nil {
		s.log.Warn("resolution update rejected", "width", width, "height", height, logging.KeyError, err.Error())
	}
}

func (s *Stream) ApplyPixelFormat(display uintptr, format FourCC) {
	if err := s.SetPixelFormat(format); err != nil {
		s.log.Warn("pixel format update rejected", "format", format.String(), logging.KeyError, err.Error())
	}
}

// Capture starts continuous delivery. Each compositor frame is passed to cb
// on the backend's delivery queue, one at a time, in capture order. The
// returned channel closes once the stream has fully started; block on it (or
// WaitStarted) for the start-up handshake. Start failures after this call
// returns surface through Err and Done, never through cb.
func (s *Stream) Capture(cb FrameCallback) (<-chan struct{}, error) {
	if cb == nil {
		return nil, fmt.Errorf("nil frame callback")
	}

	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	s.state = stateStreaming
	s.callback = cb
	s.started = make(chan struct{})
	s.done = make(chan struct{})
	s.err = nil
	cfg := s.cfg
	started := s.started
	s.mu.Unlock()

	s.log.Info("starting capture",
		"fps", cfg.frameRate,
		"width", cfg.width,
		"height", cfg.height,
		"format", cfg.pixelFormat.String(),
		"hdr", cfg.captureHDR,
	)

	if err := s.backend.Start(cfg, s); err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.callback = nil
		s.err = err
		s.mu.Unlock()
		return nil, err
	}
	return started, nil
}

// WaitStarted blocks until the stream confirms start-up, fails to start, or
// the timeout elapses. Never hangs forever.
func (s *Stream) WaitStarted(timeout time.Duration) error {
	s.mu.Lock()
	started := s.started
	done := s.done
	s.mu.Unlock()

	if started == nil {
		return fmt.Errorf("capture was not started")
	}

	select {
	case <-started:
		return nil
	case <-done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrDeviceUnavailable
	case <-time.After(timeout):
		return ErrStartTimeout
	}
}

// Done returns a channel that closes when the current capture run ends, for
// any reason. Nil before the first Capture call.
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports the terminal error of the most recent capture run, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StopCapture requests termination of the delivery queue and releases the
// underlying session. Idempotent: safe before Capture, after a previous stop,
// and from within the delivery callback (where it does not block).
func (s *Stream) StopCapture() {
	s.mu.Lock()
	if s.state != stateStreaming && s.state != stateStopping {
		s.mu.Unlock()
		return
	}
	alreadyStopping := s.state == stateStopping
	s.state = stateStopping
	done := s.done
	s.mu.Unlock()

	if !alreadyStopping {
		s.backend.Stop()
	}

	// Called from the delivery callback: the queue we'd wait on is the one
	// we're running on. The stop request above is enough; teardown completes
	// once the callback returns.
	if s.inCallback.Load() {
		return
	}

	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.log.Warn("capture did not confirm stop in time, forcing teardown")
		s.mu.Lock()
		if s.state == stateStopping {
			s.state = stateIdle
			s.callback = nil
		}
		s.mu.Unlock()
	}
}

// CaptureSingleFrame delivers exactly one sample, or one error, to completion
// and tears down the transient session it used. Returns false when a
// single-frame or continuous capture is already in progress.
func (s *Stream) CaptureSingleFrame(completion func(*Sample, error)) bool {
	if completion == nil {
		return false
	}

	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return false
	}
	s.state = stateSingle
	cfg := s.cfg
	s.mu.Unlock()

	go func() {
		sample, err := s.backend.GrabFrame(cfg)

		s.mu.Lock()
		if s.state == stateSingle {
			s.state = stateIdle
		}
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("single-frame capture failed", logging.KeyError, err.Error())
		}
		completion(sample, err)
	}()
	return true
}

// HDRSupported reports whether the bound display can capture HDR at all.
func (s *Stream) HDRSupported() bool {
	s.mu.Lock()
	displayID := s.cfg.displayID
	s.mu.Unlock()
	return s.backend.HDRSupported(displayID)
}

// HDRActive reports whether the running session negotiated HDR. Only
// meaningful after Capture has started; false otherwise.
func (s *Stream) HDRActive() bool {
	s.mu.Lock()
	streaming := s.state == stateStreaming
	s.mu.Unlock()
	if !streaming {
		return false
	}
	return s.backend.HDRActive()
}

// frameSink — backend event delivery. All three run on backend goroutines.

func (s *Stream) streamStarted() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started == nil {
		return
	}
	select {
	case <-started:
	default:
		close(started)
	}
}

func (s *Stream) streamFrame(sample *Sample) bool {
	s.mu.Lock()
	cb := s.callback
	active := s.state == stateStreaming
	s.mu.Unlock()

	if !active || cb == nil {
		return false
	}

	s.inCallback.Store(true)
	cont := cb(sample)
	s.inCallback.Store(false)

	if !cont {
		return false
	}

	// A stop may have been requested from inside the callback.
	s.mu.Lock()
	active = s.state == stateStreaming
	s.mu.Unlock()
	return active
}

func (s *Stream) streamStopped(err error) {
	s.mu.Lock()
	if s.state != stateStreaming && s.state != stateStopping {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.err = err
	}
	s.state = stateIdle
	s.callback = nil
	done := s.done
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("capture stopped with error", logging.KeyError, err.Error())
	} else {
		s.log.Info("capture stopped")
	}

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}
