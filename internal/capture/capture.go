// Package capture owns the macOS screen-capture session. A Stream binds to a
// single display, negotiates resolution, frame rate, pixel format, and HDR,
// and delivers each compositor frame to a registered callback on a delivery
// queue owned by the OS capture framework.
package capture

import (
	"errors"
	"fmt"
)

// FourCC is a four-character pixel format code as used by CoreVideo.
type FourCC uint32

const (
	// FormatNV12 is kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange ('420v'),
	// the 8-bit bi-planar format hardware encoders consume directly.
	FormatNV12 FourCC = 0x34323076

	// FormatP010 is kCVPixelFormatType_420YpCbCr10BiPlanarVideoRange ('x420'),
	// the 10-bit bi-planar format used for HDR capture.
	FormatP010 FourCC = 0x78343230
)

func (f FourCC) String() string {
	b := []byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// FrameCallback is invoked once per delivered sample on the delivery queue.
// The return value is a continue flag: false stops delivery. The sample's
// pixel buffer is only valid for the duration of the call unless retained.
type FrameCallback func(*Sample) bool

// ErrNotSupported is returned when screen capture is not supported on the platform
var ErrNotSupported = errors.New("screen capture not supported on this platform")

// ErrPermissionDenied is returned when screen capture permissions are not granted
var ErrPermissionDenied = errors.New("screen capture permission denied")

// ErrDisplayNotFound is returned when the specified display is not found
var ErrDisplayNotFound = errors.New("display not found")

// ErrDeviceUnavailable is returned when the display disconnects or the
// capture session is lost mid-stream.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// ErrUnsupportedFormat is returned when pixel format negotiation fails.
var ErrUnsupportedFormat = errors.New("unsupported capture format")

// ErrAlreadyCapturing is returned on re-entrant start attempts.
var ErrAlreadyCapturing = errors.New("capture already in progress")

// ErrStartTimeout is returned by WaitStarted when the stream does not
// confirm start-up within the caller's deadline.
var ErrStartTimeout = errors.New("capture start timed out")

// streamConfig is the negotiated session configuration. Mutated only through
// Stream setters before capture starts; the delivery path reads it after.
type streamConfig struct {
	displayID   uint32
	frameRate   int
	width       int
	height      int
	pixelFormat FourCC
	captureHDR  bool
	showCursor  bool
}

// streamBackend abstracts the OS capture session so the Stream lifecycle can
// be exercised without ScreenCaptureKit. The darwin/cgo backend is the real
// one; tests inject fakes.
type streamBackend interface {
	// Start begins asynchronous delivery. Synchronous setup failures are
	// returned directly; async start-up completion and errors flow through
	// the sink. Exactly one streamStopped call ends each run.
	Start(cfg streamConfig, sink frameSink) error

	// Stop requests termination of the delivery queue. Must be idempotent
	// and must not require the delivery queue's cooperation indefinitely.
	Stop()

	// GrabFrame captures a single frame with a transient session and tears
	// it down afterwards.
	GrabFrame(cfg streamConfig) (*Sample, error)

	HDRSupported(displayID uint32) bool
	HDRActive() bool
}

// frameSink receives backend events. Implemented by Stream.
type frameSink interface {
	streamStarted()
	streamFrame(*Sample) bool
	streamStopped(err error)
}
