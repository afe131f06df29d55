package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend simulates the OS capture session: it delivers frames on its own
// goroutine, honors the continue flag, and reports lifecycle events through
// the sink exactly like the ScreenCaptureKit backend.
type fakeBackend struct {
	mu       sync.Mutex
	stop     chan struct{}
	stopped  bool
	running  bool
	retains  atomic.Int64
	releases atomic.Int64

	startErr      error // synchronous Start failure
	asyncStartErr error // failure reported through the sink instead of started
	neverStarts   bool  // neither started nor stopped is ever signaled

	grabSample *Sample
	grabErr    error
	grabDelay  time.Duration

	hdrSupported bool
	hdrActive    bool
}

func (f *fakeBackend) Start(cfg streamConfig, sink frameSink) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.stop = make(chan struct{})
	f.stopped = false
	f.running = true
	f.mu.Unlock()

	go f.run(cfg, sink)
	return nil
}

func (f *fakeBackend) run(cfg streamConfig, sink frameSink) {
	if f.neverStarts {
		<-f.stop
		sink.streamStopped(nil)
		return
	}
	if f.asyncStartErr != nil {
		sink.streamStopped(f.asyncStartErr)
		return
	}

	sink.streamStarted()
	for {
		select {
		case <-f.stop:
			sink.streamStopped(nil)
			return
		default:
		}

		sample := &Sample{
			Buffer: f.newBuffer(cfg),
			Width:  cfg.width,
			Height: cfg.height,
		}
		if !sink.streamFrame(sample) {
			sink.streamStopped(nil)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeBackend) newBuffer(cfg streamConfig) *PixelBuffer {
	return NewPixelBuffer(0xbeef, cfg.width, cfg.height, cfg.pixelFormat,
		func(uintptr) { f.retains.Add(1) },
		func(uintptr) { f.releases.Add(1) },
	)
}

func (f *fakeBackend) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running && !f.stopped {
		f.stopped = true
		close(f.stop)
	}
}

func (f *fakeBackend) GrabFrame(cfg streamConfig) (*Sample, error) {
	if f.grabDelay > 0 {
		time.Sleep(f.grabDelay)
	}
	if f.grabErr != nil {
		return nil, f.grabErr
	}
	if f.grabSample != nil {
		return f.grabSample, nil
	}
	return &Sample{Buffer: f.newBuffer(cfg), Width: cfg.width, Height: cfg.height}, nil
}

func (f *fakeBackend) HDRSupported(uint32) bool { return f.hdrSupported }
func (f *fakeBackend) HDRActive() bool          { return f.hdrActive }

func newTestStream(backend streamBackend) *Stream {
	s := newStreamWithBackend(1, 60, backend)
	if err := s.SetFrameSize(1920, 1080); err != nil {
		panic(err)
	}
	return s
}

func TestCaptureDeliversFramesUntilStopped(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStream(backend)

	var frames atomic.Int64
	started, err := s.Capture(func(sample *Sample) bool {
		if sample.Width != 1920 || sample.Height != 1080 {
			t.Errorf("sample dims = %dx%d, want 1920x1080", sample.Width, sample.Height)
		}
		frames.Add(1)
		return true
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not signal start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if frames.Load() < 3 {
		t.Fatalf("expected at least 3 frames, got %d", frames.Load())
	}

	s.StopCapture()

	// No further callbacks after stop confirms.
	after := frames.Load()
	time.Sleep(20 * time.Millisecond)
	if got := frames.Load(); got != after {
		t.Fatalf("callbacks after stop: %d -> %d", after, got)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("clean stop left error: %v", err)
	}
}

func TestWaitStartedBoundedTimeout(t *testing.T) {
	s := newTestStream(&fakeBackend{neverStarts: true})

	if _, err := s.Capture(func(*Sample) bool { return true }); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer s.StopCapture()

	if err := s.WaitStarted(30 * time.Millisecond); !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("WaitStarted = %v, want ErrStartTimeout", err)
	}
}

func TestStartFailureBypassesFrameCallback(t *testing.T) {
	wantErr := ErrPermissionDenied
	s := newTestStream(&fakeBackend{asyncStartErr: wantErr})

	var callbacks atomic.Int64
	if _, err := s.Capture(func(*Sample) bool {
		callbacks.Add(1)
		return true
	}); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if err := s.WaitStarted(time.Second); !errors.Is(err, wantErr) {
		t.Fatalf("WaitStarted = %v, want %v", err, wantErr)
	}
	if callbacks.Load() != 0 {
		t.Fatalf("start failure leaked into frame callback %d times", callbacks.Load())
	}
	if !errors.Is(s.Err(), wantErr) {
		t.Fatalf("Err = %v, want %v", s.Err(), wantErr)
	}
}

func TestReentrantCaptureFails(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	if _, err := s.Capture(func(*Sample) bool { return true }); err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	defer s.StopCapture()

	if _, err := s.Capture(func(*Sample) bool { return true }); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("second Capture = %v, want ErrAlreadyCapturing", err)
	}
}

func TestStopCaptureIdempotent(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	// Before any capture.
	s.StopCapture()

	started, err := s.Capture(func(*Sample) bool { return true })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	<-started

	done := make(chan struct{})
	go func() {
		s.StopCapture()
		s.StopCapture()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("double StopCapture deadlocked")
	}
}

func TestStopCaptureFromDeliveryCallback(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	stopped := make(chan struct{})
	var once sync.Once
	if _, err := s.Capture(func(*Sample) bool {
		once.Do(func() {
			s.StopCapture()
			close(stopped)
		})
		return true
	}); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopCapture inside the callback deadlocked")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not wind down after in-callback stop")
	}
}

func TestContinueFlagFalseEndsDelivery(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	var frames atomic.Int64
	if _, err := s.Capture(func(*Sample) bool {
		return frames.Add(1) < 1
	}); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dropping the continue flag did not end delivery")
	}

	after := frames.Load()
	time.Sleep(20 * time.Millisecond)
	if got := frames.Load(); got != after {
		t.Fatalf("callbacks after continue=false: %d -> %d", after, got)
	}
}

func TestCaptureSingleFrameDeliversExactlyOne(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStream(backend)

	results := make(chan *Sample, 1)
	if ok := s.CaptureSingleFrame(func(sample *Sample, err error) {
		if err != nil {
			t.Errorf("completion error: %v", err)
		}
		results <- sample
	}); !ok {
		t.Fatal("CaptureSingleFrame returned false on idle stream")
	}

	select {
	case sample := <-results:
		if sample.Width != 1920 || sample.Height != 1080 {
			t.Fatalf("sample dims = %dx%d, want 1920x1080", sample.Width, sample.Height)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("single-frame completion never fired")
	}

	// Stream is reusable afterwards.
	if ok := s.CaptureSingleFrame(func(*Sample, error) {}); !ok {
		t.Fatal("stream not idle after single-frame capture")
	}
}

func TestCaptureSingleFrameDeliversError(t *testing.T) {
	wantErr := ErrDeviceUnavailable
	s := newTestStream(&fakeBackend{grabErr: wantErr})

	errs := make(chan error, 1)
	if ok := s.CaptureSingleFrame(func(sample *Sample, err error) {
		if sample != nil {
			t.Error("completion got both a sample and an error")
		}
		errs <- err
	}); !ok {
		t.Fatal("CaptureSingleFrame returned false on idle stream")
	}

	select {
	case err := <-errs:
		if !errors.Is(err, wantErr) {
			t.Fatalf("completion error = %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("single-frame completion never fired")
	}
}

func TestSingleFrameExclusiveWithContinuousCapture(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	started, err := s.Capture(func(*Sample) bool { return true })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	<-started
	defer s.StopCapture()

	var completions atomic.Int64
	if ok := s.CaptureSingleFrame(func(*Sample, error) {
		completions.Add(1)
	}); ok {
		t.Fatal("CaptureSingleFrame succeeded during continuous capture")
	}
	time.Sleep(20 * time.Millisecond)
	if completions.Load() != 0 {
		t.Fatalf("rejected single-frame capture still delivered %d completions", completions.Load())
	}
}

func TestSingleFrameExclusiveWithSingleFrame(t *testing.T) {
	s := newTestStream(&fakeBackend{grabDelay: 100 * time.Millisecond})

	if ok := s.CaptureSingleFrame(func(*Sample, error) {}); !ok {
		t.Fatal("first CaptureSingleFrame rejected")
	}
	if ok := s.CaptureSingleFrame(func(*Sample, error) {}); ok {
		t.Fatal("overlapping CaptureSingleFrame accepted")
	}
}

func TestSettersFailWhileCapturing(t *testing.T) {
	s := newTestStream(&fakeBackend{})

	started, err := s.Capture(func(*Sample) bool { return true })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	<-started
	defer s.StopCapture()

	if err := s.SetFrameSize(1280, 720); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("SetFrameSize = %v, want ErrAlreadyCapturing", err)
	}
	if err := s.SetPixelFormat(FormatP010); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("SetPixelFormat = %v, want ErrAlreadyCapturing", err)
	}
	if err := s.SetCaptureHDR(true); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("SetCaptureHDR = %v, want ErrAlreadyCapturing", err)
	}
}

func TestHDRActiveOnlyWhileStreaming(t *testing.T) {
	backend := &fakeBackend{hdrSupported: true, hdrActive: true}
	s := newTestStream(backend)

	if !s.HDRSupported() {
		t.Fatal("HDRSupported = false, want true")
	}
	if s.HDRActive() {
		t.Fatal("HDRActive before capture, want false")
	}

	started, err := s.Capture(func(*Sample) bool { return true })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	<-started

	if !s.HDRActive() {
		t.Fatal("HDRActive while streaming, want true")
	}

	s.StopCapture()
	if s.HDRActive() {
		t.Fatal("HDRActive after stop, want false")
	}
}

func TestNewStreamRejectsInvalidFrameRate(t *testing.T) {
	if _, err := NewStream(1, 0); err == nil {
		t.Fatal("NewStream accepted zero frame rate")
	}
	if _, err := NewStream(1, -30); err == nil {
		t.Fatal("NewStream accepted negative frame rate")
	}
}

func TestFourCCString(t *testing.T) {
	if got := FormatNV12.String(); got != "420v" {
		t.Fatalf("FormatNV12.String() = %q, want %q", got, "420v")
	}
	if got := FormatP010.String(); got != "x420" {
		t.Fatalf("FormatP010.String() = %q, want %q", got, "x420")
	}
	if got := FourCC(0x01020304).String(); got != "0x01020304" {
		t.Fatalf("non-printable FourCC = %q, want hex form", got)
	}
}
