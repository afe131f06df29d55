//go:build darwin && !cgo

package capture

// Screen capture requires the ScreenCaptureKit Objective-C frameworks via
// CGO; without it the platform backend is unavailable.

func newPlatformBackend() (streamBackend, error) {
	return nil, ErrNotSupported
}

func platformDisplayNames() ([]DisplayInfo, error) {
	return nil, ErrNotSupported
}
