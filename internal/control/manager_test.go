package control

import (
	"errors"
	"testing"

	"github.com/skylight-stream/host/internal/zerocopy"
)

func TestManagerStopWithoutSession(t *testing.T) {
	m := NewManager(nil)
	if err := m.StopStream(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("StopStream = %v, want ErrNoSession", err)
	}
}

func TestManagerMetricsWithoutSession(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Metrics(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Metrics = %v, want ErrNoSession", err)
	}
}

func TestManagerStatusIdle(t *testing.T) {
	m := NewManager(nil)
	if status := m.Status(); status.Running {
		t.Fatal("fresh manager should not report a running session")
	}
}

func TestManagerHealthStartsIdle(t *testing.T) {
	m := NewManager(nil)
	summary := m.Health()
	if summary["status"] != "healthy" {
		t.Fatalf("overall = %v, want healthy", summary["status"])
	}
	components := summary["components"].(map[string]string)
	if components["capture"] != "healthy" {
		t.Fatalf("capture = %v, want healthy", components["capture"])
	}
}

func TestManagerRejectsUnknownPixelFormat(t *testing.T) {
	m := NewManager(nil)
	err := m.StartStream(StreamRequest{DisplayID: 1, FrameRate: 60, PixelFormat: "rgb24"})
	if err == nil {
		t.Fatal("StartStream with unknown pixel format should fail")
	}
}

func TestParsePixelFormat(t *testing.T) {
	cases := []struct {
		name string
		want zerocopy.PixelFormatKind
		ok   bool
	}{
		{"", zerocopy.KindNV12, true},
		{"nv12", zerocopy.KindNV12, true},
		{"NV12", zerocopy.KindNV12, true},
		{"p010", zerocopy.KindP010, true},
		{"P010", zerocopy.KindP010, true},
		{"yuyv", 0, false},
	}
	for _, tc := range cases {
		kind, err := parsePixelFormat(tc.name)
		if tc.ok != (err == nil) {
			t.Fatalf("parsePixelFormat(%q) error = %v, want ok=%v", tc.name, err, tc.ok)
		}
		if tc.ok && kind != tc.want {
			t.Fatalf("parsePixelFormat(%q) = %v, want %v", tc.name, kind, tc.want)
		}
	}
}
