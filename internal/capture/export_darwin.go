//go:build darwin && cgo

package capture

/*
#include <CoreVideo/CoreVideo.h>
#include <stdint.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

// retainPixelBuffer and releasePixelBuffer are the ownership hooks installed
// on every PixelBuffer produced by the darwin backend.

func retainPixelBuffer(h uintptr) {
	C.CVPixelBufferRetain(C.CVPixelBufferRef(unsafe.Pointer(h)))
}

func releasePixelBuffer(h uintptr) {
	C.CVPixelBufferRelease(C.CVPixelBufferRef(unsafe.Pointer(h)))
}

func backendFromHandle(handle uintptr) *sckitBackend {
	if handle == 0 {
		return nil
	}
	b, ok := cgo.Handle(handle).Value().(*sckitBackend)
	if !ok {
		return nil
	}
	return b
}

//export skGoStreamFrame
func skGoStreamFrame(handle C.uintptr_t, buffer C.CVPixelBufferRef, width, height C.int, ptsNs C.int64_t) C.int {
	// A stale handle after teardown would panic on Value(); never crash the
	// delivery queue.
	defer func() { _ = recover() }()

	b := backendFromHandle(uintptr(handle))
	if b == nil || buffer == nil {
		return 0
	}

	format := FourCC(C.CVPixelBufferGetPixelFormatType(buffer))
	pb := NewPixelBuffer(uintptr(unsafe.Pointer(buffer)), int(width), int(height), format,
		retainPixelBuffer, releasePixelBuffer)

	sample := &Sample{
		Buffer:   pb,
		Width:    int(width),
		Height:   int(height),
		PTSNanos: int64(ptsNs),
	}

	if b.deliverFrame(sample) {
		return 1
	}
	return 0
}

//export skGoStreamStarted
func skGoStreamStarted(handle C.uintptr_t) {
	defer func() { _ = recover() }()

	if b := backendFromHandle(uintptr(handle)); b != nil {
		b.started()
	}
}

//export skGoStreamStopped
func skGoStreamStopped(handle C.uintptr_t, errClass C.int, msg *C.char) {
	defer func() { _ = recover() }()

	b := backendFromHandle(uintptr(handle))
	if b == nil {
		return
	}
	b.stopped(int(errClass), C.GoString(msg))
}
