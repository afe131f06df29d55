package zerocopy

import (
	"errors"
	"log/slog"

	"github.com/skylight-stream/host/internal/capture"
	"github.com/skylight-stream/host/internal/logging"
)

// ErrInvalidInput is returned when a conversion input carries no backing
// pixel buffer.
var ErrInvalidInput = errors.New("captured image has no backing pixel buffer")

// ErrUnsupportedFormat is returned when an encoder frame's geometry cannot be
// served by the capture session.
var ErrUnsupportedFormat = errors.New("unsupported frame format")

// PixelFormatKind is the abstract pixel format requested by the encoder
// pipeline, mapped to a concrete hardware format at Init.
type PixelFormatKind int

const (
	KindNV12 PixelFormatKind = iota
	KindP010
)

func (k PixelFormatKind) String() string {
	switch k {
	case KindNV12:
		return "nv12"
	case KindP010:
		return "p010"
	default:
		return "unknown"
	}
}

// StreamConfigurator is the negotiation surface the bridge drives during
// setup: it tells the capture session which resolution and hardware pixel
// format to produce. capture.Stream implements it.
type StreamConfigurator interface {
	ApplyResolution(display uintptr, width, height int)
	ApplyPixelFormat(display uintptr, format capture.FourCC)
}

// Bridge attaches captured pixel buffers to an encoder frame as backing
// storage, reference-counted, with no pixel copy.
//
// Lifecycle: zero Bridge → Init → BindFrame → repeated Convert calls, one per
// delivered frame on the delivery queue. No teardown state; the owning
// encoder pipeline's destruction is external.
type Bridge struct {
	display uintptr
	conf    StreamConfigurator
	frame   *Frame
	log     *slog.Logger
}

// Init maps the abstract pixel format kind to its hardware identifier and
// hands it to the configurator so the capture session requests that format.
// Kinds outside the enumerated set fall back to NV12; the fallback is
// documented behavior, not an error.
func (b *Bridge) Init(display uintptr, kind PixelFormatKind, conf StreamConfigurator) error {
	if conf == nil {
		return ErrInvalidInput
	}

	var format capture.FourCC
	switch kind {
	case KindP010:
		format = capture.FormatP010
	case KindNV12:
		format = capture.FormatNV12
	default:
		format = capture.FormatNV12
	}

	conf.ApplyPixelFormat(display, format)

	b.display = display
	b.conf = conf
	b.log = logging.L("bridge")
	b.log.Debug("bridge initialized", "kind", kind.String(), "format", format.String())
	return nil
}

// BindFrame stores the encoder frame for subsequent conversions and pushes
// its geometry to the capture session. hwFramesCtx is the encoder's opaque
// hardware frames context, unused by this adapter. NV12/P010 are bi-planar
// 4:2:0 formats, so odd dimensions cannot be represented.
func (b *Bridge) BindFrame(frame *Frame, hwFramesCtx uintptr) error {
	if frame == nil {
		return ErrInvalidInput
	}
	if frame.Width <= 0 || frame.Height <= 0 || frame.Width%2 != 0 || frame.Height%2 != 0 {
		return ErrUnsupportedFormat
	}

	b.frame = frame
	if b.conf != nil {
		b.conf.ApplyResolution(b.display, frame.Width, frame.Height)
	}
	return nil
}

// Convert attaches img's pixel buffer to the bound frame as plane-0 backing
// storage. The previous backing reference is released, the new buffer is
// retained, and a BufferRef is installed whose free callback releases the
// buffer back to the system when the encoder frame is done with it. The raw
// plane-3 pointer carries the opaque buffer handle.
//
// Runs once per frame on the delivery queue; single writer, does not block.
// Fails with ErrInvalidInput, mutating nothing, when img has no buffer.
func (b *Bridge) Convert(img *capture.Sample) error {
	if img == nil || img.Buffer == nil || img.Buffer.Handle() == 0 {
		return ErrInvalidInput
	}
	if b.frame == nil {
		return ErrInvalidInput
	}

	buf := img.Buffer

	b.frame.Buf[0].Unref()

	buf.Retain()
	b.frame.Buf[0] = NewBufferRef(buf.Release)
	b.frame.Data[OpaquePlane] = buf.Handle()
	b.frame.Width = img.Width
	b.frame.Height = img.Height

	return nil
}
