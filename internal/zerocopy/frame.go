// Package zerocopy adapts captured pixel buffers into the encoder's frame
// representation without copying pixel data. Ownership crosses the boundary
// by reference count only: the bridge retains each buffer for exactly as long
// as the encoder frame needs it and releases it exactly once.
package zerocopy

import (
	"sync/atomic"
)

// NumPlanes is the number of plane slots on an encoder frame.
const NumPlanes = 4

// OpaquePlane is the plane index whose raw pointer carries the opaque
// hardware buffer handle for hardware-backed planar formats.
const OpaquePlane = 3

// BufferRef owns a reference to backing storage and runs its free callback
// exactly once, when the reference count reaches zero.
type BufferRef struct {
	refs atomic.Int64
	free func()
}

// NewBufferRef creates a reference with count 1. free may be nil.
func NewBufferRef(free func()) *BufferRef {
	r := &BufferRef{free: free}
	r.refs.Store(1)
	return r
}

// Ref takes an additional reference.
func (r *BufferRef) Ref() *BufferRef {
	if r == nil {
		return nil
	}
	r.refs.Add(1)
	return r
}

// Unref drops one reference and frees the backing storage when the count
// reaches zero. Safe on a nil receiver.
func (r *BufferRef) Unref() {
	if r == nil {
		return
	}
	if r.refs.Add(-1) == 0 && r.free != nil {
		r.free()
	}
}

// Refs reports the current reference count. The atomic decrement in Unref
// doubles as the release barrier frames need when the encoder reads them
// from another thread.
func (r *BufferRef) Refs() int64 {
	if r == nil {
		return 0
	}
	return r.refs.Load()
}

// Frame is the encoder's frame representation: per-plane raw data pointers
// and backing references plus dimensions. One instance is reused across
// conversions; between conversions plane 0's BufferRef exclusively owns the
// retained pixel buffer.
type Frame struct {
	Width  int
	Height int
	Data   [NumPlanes]uintptr
	Buf    [NumPlanes]*BufferRef
}

// Release drops all plane backing references. Used when the owning encoder
// pipeline tears the frame down.
func (f *Frame) Release() {
	for i := range f.Buf {
		f.Buf[i].Unref()
		f.Buf[i] = nil
		f.Data[i] = 0
	}
}
