package control

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skylight-stream/host/internal/capture"
	"github.com/skylight-stream/host/internal/health"
	"github.com/skylight-stream/host/internal/logging"
	"github.com/skylight-stream/host/internal/pipeline"
	"github.com/skylight-stream/host/internal/zerocopy"
)

var log = logging.L("control")

// ErrNoSession is returned for session-scoped commands when no stream runs.
var ErrNoSession = errors.New("no active streaming session")

// Controller is the host surface the control server drives. *Manager
// implements it; tests substitute fakes.
type Controller interface {
	ListDisplays() ([]capture.DisplayInfo, error)
	HDRSupported(displayID uint32) (bool, error)
	StartStream(req StreamRequest) error
	StopStream() error
	Status() StreamStatus
	Metrics() (pipeline.MetricsSnapshot, error)
	Snapshot(displayID uint32, timeout time.Duration) (SnapshotInfo, error)
	Health() map[string]any
}

// Manager owns at most one streaming session and exposes the host
// operations the control plane needs.
type Manager struct {
	mu        sync.Mutex
	streamer  *pipeline.Streamer
	displayID uint32
	sink      pipeline.EncoderSink
	monitor   *health.Monitor
}

// NewManager builds a manager that feeds frames to sink. A nil sink gets
// a discard sink, useful for capture soak runs without an encoder.
func NewManager(sink pipeline.EncoderSink) *Manager {
	if sink == nil {
		sink = &pipeline.DiscardSink{}
	}
	m := &Manager{sink: sink, monitor: health.NewMonitor()}
	m.monitor.Update("capture", health.Healthy, "idle")
	return m
}

func (m *Manager) ListDisplays() ([]capture.DisplayInfo, error) {
	return capture.DisplayNames()
}

func (m *Manager) HDRSupported(displayID uint32) (bool, error) {
	// The stream never starts capturing here; it only queries the display.
	stream, err := capture.NewStream(displayID, 30)
	if err != nil {
		return false, err
	}
	return stream.HDRSupported(), nil
}

func (m *Manager) StartStream(req StreamRequest) error {
	format, err := parsePixelFormat(req.PixelFormat)
	if err != nil {
		return err
	}

	// Zero geometry means native display size; the encoder frame needs
	// concrete dimensions, so resolve them up front.
	if req.Width <= 0 || req.Height <= 0 {
		width, height, err := nativeSize(req.DisplayID)
		if err != nil {
			return err
		}
		req.Width, req.Height = width, height
	}
	// 4:2:0 formats cannot represent odd dimensions.
	req.Width -= req.Width % 2
	req.Height -= req.Height % 2

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer != nil && m.streamer.Running() {
		return capture.ErrAlreadyCapturing
	}

	cfg := pipeline.Config{
		DisplayID:  req.DisplayID,
		FrameRate:  req.FrameRate,
		Width:      req.Width,
		Height:     req.Height,
		Format:     format,
		HDR:        req.HDR,
		HideCursor: req.HideCursor,
	}
	streamer, err := pipeline.New(cfg, m.sink)
	if err != nil {
		m.monitor.Update("capture", health.Unhealthy, err.Error())
		return err
	}
	if err := streamer.Start(); err != nil {
		m.monitor.Update("capture", health.Unhealthy, err.Error())
		return err
	}

	m.monitor.Update("capture", health.Healthy, "streaming")
	m.streamer = streamer
	m.displayID = req.DisplayID
	log.Info("session started",
		logging.KeyDisplay, req.DisplayID, "format", format.String(), "hdr", req.HDR)
	return nil
}

func (m *Manager) StopStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer == nil {
		return ErrNoSession
	}
	m.streamer.Stop()
	m.streamer = nil
	m.monitor.Update("capture", health.Healthy, "idle")
	log.Info("session stopped", logging.KeyDisplay, m.displayID)
	return nil
}

// Health reports per-component status for the control channel.
func (m *Manager) Health() map[string]any {
	return m.monitor.Summary()
}

func (m *Manager) Status() StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer == nil || !m.streamer.Running() {
		return StreamStatus{}
	}
	return StreamStatus{
		Running:   true,
		DisplayID: m.displayID,
		HDRActive: m.streamer.HDRActive(),
	}
}

func (m *Manager) Metrics() (pipeline.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer == nil {
		return pipeline.MetricsSnapshot{}, ErrNoSession
	}
	return m.streamer.Metrics(), nil
}

// Snapshot grabs one frame from the display through a transient capture
// stream, independent of any continuous session.
func (m *Manager) Snapshot(displayID uint32, timeout time.Duration) (SnapshotInfo, error) {
	stream, err := capture.NewStream(displayID, 30)
	if err != nil {
		return SnapshotInfo{}, err
	}

	sample, err := pipeline.GrabFrameOnce(stream, timeout)
	if err != nil {
		return SnapshotInfo{}, err
	}
	defer sample.Buffer.Release()

	return SnapshotInfo{
		Width:  sample.Width,
		Height: sample.Height,
		Format: sample.Buffer.Format().String(),
	}, nil
}

func nativeSize(displayID uint32) (int, int, error) {
	displays, err := capture.DisplayNames()
	if err != nil {
		return 0, 0, err
	}
	for _, d := range displays {
		if d.ID == displayID {
			return d.Width, d.Height, nil
		}
	}
	return 0, 0, capture.ErrDisplayNotFound
}

func parsePixelFormat(name string) (zerocopy.PixelFormatKind, error) {
	switch strings.ToLower(name) {
	case "", "nv12":
		return zerocopy.KindNV12, nil
	case "p010":
		return zerocopy.KindP010, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", name)
	}
}
