package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/skylight-stream/host/internal/capture"
	"github.com/skylight-stream/host/internal/config"
	"github.com/skylight-stream/host/internal/control"
	"github.com/skylight-stream/host/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "skylight-host",
	Short: "Skylight streaming host",
	Long:  `Skylight Host - zero-copy screen capture and streaming host for macOS`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the streaming host",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List available displays",
	Run: func(cmd *cobra.Command, args []string) {
		listDisplays()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running host over its control socket",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the host configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to disk",
	Run: func(cmd *cobra.Command, args []string) {
		writeConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Skylight Host v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /Library/Application Support/Skylight/host.yaml)")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(displaysCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHost() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Validate()

	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log := logging.L("main")
	log.Info("starting host", "version", version, "controlListen", cfg.ControlListen)

	manager := control.NewManager(nil)
	server := control.NewServer(control.Config{
		Listen:  cfg.ControlListen,
		Workers: cfg.ControlWorkers,
	}, manager)
	if err := server.Start(); err != nil {
		log.Error("control server failed to start", logging.KeyError, err.Error())
		os.Exit(1)
	}

	if cfg.Autostart {
		err := manager.StartStream(control.StreamRequest{
			DisplayID:   cfg.DisplayID,
			FrameRate:   cfg.FrameRate,
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: cfg.PixelFormat,
			HDR:         cfg.HDR,
			HideCursor:  !cfg.ShowCursor,
		})
		if err != nil {
			log.Error("autostart failed", logging.KeyDisplay, cfg.DisplayID, logging.KeyError, err.Error())
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.StopStream()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("control server shutdown", logging.KeyError, err.Error())
	}
}

func writeConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	for _, verr := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", verr)
	}

	if cfgFile != "" {
		err = config.SaveTo(cfg, cfgFile)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}

	if cfgFile != "" {
		fmt.Printf("Configuration written to %s\n", cfgFile)
	} else {
		fmt.Println("Configuration written to the default location")
	}
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws://"+cfg.ControlListen+"/ws", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Host not reachable at %s: %v\n", cfg.ControlListen, err)
		os.Exit(1)
	}
	defer conn.Close()

	for _, cmdType := range []string{"status", "health", "metrics"} {
		if err := conn.WriteJSON(control.Command{ID: cmdType, Type: cmdType}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to send %s: %v\n", cmdType, err)
			os.Exit(1)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var result control.Result
		if err := conn.ReadJSON(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s result: %v\n", cmdType, err)
			os.Exit(1)
		}
		if result.Status != "ok" {
			fmt.Printf("%s: %s\n", cmdType, result.Error)
			continue
		}
		out, _ := json.MarshalIndent(result.Result, "", "  ")
		fmt.Printf("%s: %s\n", cmdType, out)
	}
}

func listDisplays() {
	displays, err := capture.DisplayNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enumerate displays: %v\n", err)
		os.Exit(1)
	}

	for _, d := range displays {
		primary := ""
		if d.IsPrimary {
			primary = " (primary)"
		}
		fmt.Printf("%d: %s %dx%d%s\n", d.ID, d.Name, d.Width, d.Height, primary)
	}
}
