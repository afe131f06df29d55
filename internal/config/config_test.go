package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultValidatesCleanly(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config has validation errors: %v", errs)
	}
}

func TestSaveToLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")

	cfg := Default()
	cfg.DisplayID = 2
	cfg.FrameRate = 120
	cfg.Width = 2560
	cfg.Height = 1440
	cfg.PixelFormat = "p010"
	cfg.HDR = true
	cfg.ShowCursor = false
	cfg.ControlListen = "127.0.0.1:48100"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	// Drop the in-memory overrides so Load reads back from the file.
	viper.Reset()
	defer viper.Reset()

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *loaded != *cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}
