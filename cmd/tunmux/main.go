package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunmux/internal/backend"
	"tunmux/internal/capture"
	"tunmux/internal/core"
	"tunmux/internal/engine"
	"tunmux/internal/policy"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunmux %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	core.Log.Infof("Core", "tunmux %s starting...", version)

	// === 1. Core components ===
	bus := core.NewEventBus()

	cfgManager := core.NewConfigManager(*configPath, bus)
	if err := cfgManager.Load(); err != nil {
		core.Log.Fatalf("Core", "Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()
	core.Log.Configure(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === 2. Routing engine ===
	router := engine.NewRouter(engine.Options{
		Bus:            bus,
		DNSTunnelID:    cfg.DNS.TunnelID,
		ConnTTL:        time.Duration(cfg.Engine.ConnectionTTL),
		MaxConnections: cfg.Engine.MaxConnections,
		QueueTimeout:   time.Duration(cfg.Engine.QueueTimeout),
		MaxQueueSize:   cfg.Engine.MaxQueueSize,
	})

	// === 3. Identity policy ===
	policy.Bind(policy.FromConfig(cfgManager, bus), router.Tracker())

	// === 4. Tunnel backends ===
	for _, tc := range cfg.Tunnels {
		be, err := buildBackend(tc)
		if err != nil {
			core.Log.Fatalf("Core", "Tunnel %q: %v", tc.ID, err)
		}
		if err := router.AddTunnel(tc.ID, be); err != nil {
			core.Log.Fatalf("Core", "Tunnel %q: %v", tc.ID, err)
		}
	}
	for _, tc := range cfg.Tunnels {
		if err := router.ConnectTunnel(ctx, tc.ID); err != nil {
			core.Log.Errorf("Core", "Tunnel %q failed to connect: %v", tc.ID, err)
		}
	}

	// === 5. Capture edge ===
	var tun *capture.TUN
	if cfg.Capture.Interface != "" {
		var err error
		tun, err = capture.Open(cfg.Capture.Interface)
		if err != nil {
			core.Log.Fatalf("Core", "Failed to open capture edge: %v", err)
		}
		defer tun.Close()
		router.SetEdge(tun)
	} else {
		core.Log.Warnf("Core", "No capture interface configured, running without packet loop")
	}

	// === 6. Packet loop ===
	loopDone := make(chan error, 1)
	if tun != nil {
		go func() {
			loopDone <- router.Run(ctx)
		}()
	}

	// === 7. Signals: SIGHUP reloads config, SIGINT/SIGTERM shut down ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				core.Log.Infof("Core", "SIGHUP received, reloading config")
				if err := cfgManager.Load(); err != nil {
					core.Log.Errorf("Core", "Config reload failed: %v", err)
				}
				continue
			}
			core.Log.Infof("Core", "Signal %v received, shutting down", sig)
			shutdown(router, cfgManager)
			cancel()
			if tun != nil {
				tun.Close()
				<-loopDone
			}
			return
		case err := <-loopDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				core.Log.Errorf("Core", "Packet loop exited: %v", err)
			}
			shutdown(router, cfgManager)
			return
		}
	}
}

// buildBackend constructs the backend for one tunnel config.
func buildBackend(tc core.TunnelConfig) (backend.TunnelBackend, error) {
	switch tc.Protocol {
	case "loopback":
		cfg, err := backend.ParseLoopbackSettings(tc.Settings)
		if err != nil {
			return nil, fmt.Errorf("loopback settings: %w", err)
		}
		return backend.NewLoopback(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tunnel protocol %q", tc.Protocol)
	}
}

// shutdown closes all tunnels and logs final counters.
func shutdown(router *engine.Router, cfgManager *core.ConfigManager) {
	for _, tc := range cfgManager.GetTunnels() {
		if err := router.CloseTunnel(tc.ID); err != nil {
			core.Log.Warnf("Core", "Tunnel %q close: %v", tc.ID, err)
		}
	}
	s := router.Stats()
	core.Log.Infof("Core", "Final counters: forwarded=%d queued=%d direct=%d dropped=%d overflow=%d expired=%d",
		s.Forwarded, s.Queued, s.Direct, s.Dropped, s.QueueOverflow, s.QueueExpired)
}
