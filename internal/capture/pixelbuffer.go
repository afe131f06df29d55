package capture

// PixelBuffer is a retain-counted handle to a GPU- or OS-managed image.
// The underlying pixels are never copied; ownership transfers by retain
// count only. On darwin the handle is a CVPixelBufferRef and the hooks call
// CVPixelBufferRetain/CVPixelBufferRelease; tests inject counting hooks.
type PixelBuffer struct {
	handle  uintptr
	width   int
	height  int
	format  FourCC
	retain  func(uintptr)
	release func(uintptr)
}

// NewPixelBuffer wraps a native buffer handle. The wrapper does not take a
// reference of its own; callers that outlive the delivery callback must
// Retain first.
func NewPixelBuffer(handle uintptr, width, height int, format FourCC, retain, release func(uintptr)) *PixelBuffer {
	return &PixelBuffer{
		handle:  handle,
		width:   width,
		height:  height,
		format:  format,
		retain:  retain,
		release: release,
	}
}

// Handle returns the opaque native buffer handle. Zero for a nil buffer.
func (b *PixelBuffer) Handle() uintptr {
	if b == nil {
		return 0
	}
	return b.handle
}

func (b *PixelBuffer) Width() int {
	if b == nil {
		return 0
	}
	return b.width
}

func (b *PixelBuffer) Height() int {
	if b == nil {
		return 0
	}
	return b.height
}

func (b *PixelBuffer) Format() FourCC {
	if b == nil {
		return 0
	}
	return b.format
}

// Retain extends the buffer's lifetime by one reference.
func (b *PixelBuffer) Retain() {
	if b != nil && b.retain != nil {
		b.retain(b.handle)
	}
}

// Release drops one reference, returning the buffer to the system when the
// count reaches zero.
func (b *PixelBuffer) Release() {
	if b != nil && b.release != nil {
		b.release(b.handle)
	}
}

// Sample is one delivered capture frame: the backing pixel buffer plus the
// dimensions reported by the capture session.
type Sample struct {
	Buffer *PixelBuffer
	Width  int
	Height int

	// PTSNanos is the presentation timestamp of the frame in nanoseconds,
	// relative to the capture clock.
	PTSNanos int64
}
