//go:build darwin && cgo

package capture

import "testing"

// An async stop event can end a run before Start finishes storing the stream
// output. A backend whose run already ended must refuse the output so the
// retained object is released instead of stranded on an inactive backend.
func TestAdoptOutputAfterRunEnded(t *testing.T) {
	b := &sckitBackend{}
	if b.adoptOutput(nil) {
		t.Fatal("inactive backend adopted a run output")
	}
	if b.output != nil {
		t.Fatal("inactive backend retained a run output")
	}

	b.active = true
	if !b.adoptOutput(nil) {
		t.Fatal("active backend refused the run output")
	}
}
