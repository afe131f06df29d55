//go:build !darwin

package capture

// This package is the macOS implementation of the host's capture capability.
// Other platforms provide their own.

func newPlatformBackend() (streamBackend, error) {
	return nil, ErrNotSupported
}

func platformDisplayNames() ([]DisplayInfo, error) {
	return nil, ErrNotSupported
}
