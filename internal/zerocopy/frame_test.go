package zerocopy

import "testing"

func TestBufferRefFreesExactlyOnceAtZero(t *testing.T) {
	frees := 0
	r := NewBufferRef(func() { frees++ })

	r.Ref()
	r.Unref()
	if frees != 0 {
		t.Fatalf("freed with %d references outstanding", r.Refs())
	}

	r.Unref()
	if frees != 1 {
		t.Fatalf("free ran %d times, want 1", frees)
	}
}

func TestBufferRefNilSafe(t *testing.T) {
	var r *BufferRef
	r.Unref()
	if r.Ref() != nil {
		t.Fatal("Ref on nil returned non-nil")
	}
	if r.Refs() != 0 {
		t.Fatalf("Refs on nil = %d, want 0", r.Refs())
	}
}

func TestBufferRefNilFreeCallback(t *testing.T) {
	r := NewBufferRef(nil)
	r.Unref() // must not panic
}

func TestFrameReleaseDropsAllPlanes(t *testing.T) {
	frees := 0
	f := &Frame{Width: 1920, Height: 1080}
	f.Buf[0] = NewBufferRef(func() { frees++ })
	f.Data[OpaquePlane] = 0xabc

	f.Release()

	if frees != 1 {
		t.Fatalf("plane-0 free ran %d times, want 1", frees)
	}
	if f.Buf[0] != nil || f.Data[OpaquePlane] != 0 {
		t.Fatal("Release left plane state behind")
	}

	// Safe to call again.
	f.Release()
	if frees != 1 {
		t.Fatalf("second Release re-freed: %d", frees)
	}
}
