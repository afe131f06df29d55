package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/skylight-stream/host/internal/logging"
)

var log = logging.L("config")

var knownPixelFormats = map[string]bool{
	"nv12": true,
	"p010": true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the capture session are clamped to
// safe defaults. Other validation errors are logged as warnings but do not
// prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	// Clamp frame rate to the range the capture session accepts.
	if c.FrameRate < 1 {
		errs = append(errs, fmt.Errorf("frame_rate %d is below minimum 1, clamping", c.FrameRate))
		c.FrameRate = 1
	} else if c.FrameRate > 240 {
		errs = append(errs, fmt.Errorf("frame_rate %d exceeds maximum 240, clamping", c.FrameRate))
		c.FrameRate = 240
	}

	// Width/height of zero mean native display size. Non-zero values must
	// be even for 4:2:0 chroma subsampling.
	if c.Width < 0 || c.Height < 0 {
		errs = append(errs, fmt.Errorf("width/height %dx%d is negative, resetting to native", c.Width, c.Height))
		c.Width, c.Height = 0, 0
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("width/height %dx%d is not even, rounding down", c.Width, c.Height))
		c.Width -= c.Width % 2
		c.Height -= c.Height % 2
	}

	if c.PixelFormat != "" && !knownPixelFormats[strings.ToLower(c.PixelFormat)] {
		errs = append(errs, fmt.Errorf("pixel_format %q is not valid (use nv12 or p010)", c.PixelFormat))
	}

	if c.ControlListen != "" {
		if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
			errs = append(errs, fmt.Errorf("control_listen %q is not a valid host:port: %w", c.ControlListen, err))
		}
	}

	// Clamp control worker count to a sane range.
	if c.ControlWorkers < 1 {
		errs = append(errs, fmt.Errorf("control_workers %d is below minimum 1, clamping", c.ControlWorkers))
		c.ControlWorkers = 1
	} else if c.ControlWorkers > 64 {
		errs = append(errs, fmt.Errorf("control_workers %d exceeds maximum 64, clamping", c.ControlWorkers))
		c.ControlWorkers = 64
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		log.Warn("config validation", logging.KeyError, err)
	}

	return errs
}
