package pipeline

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Metrics tracks real-time performance data for a streaming session.
type Metrics struct {
	mu sync.RWMutex

	FramesDelivered uint64
	FramesConverted uint64
	FramesSubmitted uint64
	FramesDropped   uint64

	LastConvertTime time.Duration

	startTime time.Time
	proc      *process.Process
}

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

func (m *Metrics) RecordDelivered() {
	m.mu.Lock()
	m.FramesDelivered++
	m.mu.Unlock()
}

func (m *Metrics) RecordConvert(d time.Duration) {
	m.mu.Lock()
	m.FramesConverted++
	m.LastConvertTime = d
	m.mu.Unlock()
}

func (m *Metrics) RecordSubmit() {
	m.mu.Lock()
	m.FramesSubmitted++
	m.mu.Unlock()
}

func (m *Metrics) RecordDrop() {
	m.mu.Lock()
	m.FramesDropped++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of metrics for logging and the
// control channel.
type MetricsSnapshot struct {
	FramesDelivered uint64  `json:"framesDelivered"`
	FramesConverted uint64  `json:"framesConverted"`
	FramesSubmitted uint64  `json:"framesSubmitted"`
	FramesDropped   uint64  `json:"framesDropped"`
	ConvertMs       float64 `json:"convertMs"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	HostCPUPercent  float64 `json:"hostCpuPercent"`
	HostRSSBytes    uint64  `json:"hostRssBytes"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	snap := MetricsSnapshot{
		FramesDelivered: m.FramesDelivered,
		FramesConverted: m.FramesConverted,
		FramesSubmitted: m.FramesSubmitted,
		FramesDropped:   m.FramesDropped,
		ConvertMs:       float64(m.LastConvertTime.Microseconds()) / 1000.0,
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
	}
	proc := m.proc
	m.mu.RUnlock()

	if proc != nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			snap.HostCPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			snap.HostRSSBytes = mem.RSS
		}
	}
	return snap
}
