package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	DisplayID      uint32 `mapstructure:"display_id"`
	FrameRate      int    `mapstructure:"frame_rate"`
	Width          int    `mapstructure:"width"`
	Height         int    `mapstructure:"height"`
	PixelFormat    string `mapstructure:"pixel_format"`
	HDR            bool   `mapstructure:"hdr"`
	ShowCursor     bool   `mapstructure:"show_cursor"`
	Autostart      bool   `mapstructure:"autostart"`
	ControlListen  string `mapstructure:"control_listen"`
	ControlWorkers int    `mapstructure:"control_workers"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		FrameRate:      60,
		PixelFormat:    "nv12",
		ShowCursor:     true,
		ControlListen:  "127.0.0.1:47990",
		ControlWorkers: 4,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("host")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SKYLIGHT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("display_id", cfg.DisplayID)
	viper.Set("frame_rate", cfg.FrameRate)
	viper.Set("width", cfg.Width)
	viper.Set("height", cfg.Height)
	viper.Set("pixel_format", cfg.PixelFormat)
	viper.Set("hdr", cfg.HDR)
	viper.Set("show_cursor", cfg.ShowCursor)
	viper.Set("autostart", cfg.Autostart)
	viper.Set("control_listen", cfg.ControlListen)
	viper.Set("control_workers", cfg.ControlWorkers)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "host.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	return viper.WriteConfigAs(cfgPath)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Skylight")
	case "darwin":
		return "/Library/Application Support/Skylight"
	default:
		return "/etc/skylight"
	}
}
