package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/ble"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/bridge"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/config"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/freelift/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write a default config file and exit")
	scanOnly := flag.Bool("scan", false, "scan for trainers and exit")
	address := flag.String("address", "", "trainer address (overrides config)")

	echoMode := flag.Bool("echo", false, "run an echo session instead of a program")
	echoLevel := flag.String("echo-level", "hard", "echo level: light, moderate, hard, max")
	eccentric := flag.Int("eccentric", 100, "echo eccentric percentage [0,150]")

	mode := flag.String("mode", "old-school", "program mode: old-school, pump, time-under-tension, eccentric-only, elastic")
	reps := flag.Int("reps", 10, "working rep target")
	kg := flag.Float64("kg", 10, "per-cable load in kg")
	progression := flag.Float64("progression", 0, "per-rep load delta in kg [-3,3]")
	justLift := flag.Bool("just-lift", false, "open-ended set, ended by the auto-stop gate")
	stopAtTop := flag.Bool("stop-at-top", false, "finish the set at the top of the final rep")
	weightLimit := flag.Float64("weight-limit", 0, "freeze a positive progression at this per-cable kg (0 = off)")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("writing default config: %v", err)
		}
		if path == "" {
			fmt.Println("Config file already exists:", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote default config to", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	adapter := ble.NewNativeAdapter()

	if *scanOnly {
		runScan(adapter, cfg)
		return
	}

	printBanner(cfg)

	target := cfg.Device.Address
	if *address != "" {
		target = *address
	}
	if target == "" {
		target = findTrainer(adapter, cfg)
	}

	transport := ble.New(adapter, target, ble.Options{
		ConnectTimeout: cfg.Device.ConnectTimeout.Std(),
		OpTimeout:      cfg.Device.OpTimeout.Std(),
	})

	ctx := context.Background()
	if err := transport.Connect(ctx); err != nil {
		log.Fatalf("connecting to %s: %v", target, err)
	}
	defer transport.Disconnect()

	ctrl := session.NewController(transport, session.Config{
		MonitorPollInterval:  cfg.Polling.Monitor.Std(),
		PropertyPollInterval: cfg.Polling.Property.Std(),
		WarmupTarget:         cfg.Session.WarmupReps,
		AutoStopDwell:        cfg.Session.AutoStopDwell.Std(),
		StopRetries:          cfg.Session.StopRetries,
		StopRetryBackoff:     cfg.Session.StopRetryBackoff.Std(),
	})
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("initializing trainer: %v", err)
	}

	if err := startSession(ctx, ctrl, *echoMode, *echoLevel, *eccentric, *mode, *reps, *kg, *progression, *justLift, *stopAtTop, *weightLimit); err != nil {
		log.Fatalf("starting session: %v", err)
	}

	if cfg.Bridge.Enabled {
		b := bridge.New(cfg.Bridge.Listen)
		bridgeCtx, bridgeCancel := context.WithCancel(ctx)
		defer bridgeCancel()
		go func() {
			if err := b.Run(bridgeCtx, ctrl.Events()); err != nil {
				log.Printf("ERROR: event bridge: %v", err)
			}
		}()
		// The bridge consumes the stream; mirror nothing locally.
		waitForSignalThenStop(ctrl, transport)
		return
	}

	runEventLoop(ctrl, transport)
}

func startSession(ctx context.Context, ctrl *session.Controller, echo bool, echoLevel string, eccentric int,
	mode string, reps int, kg, progression float64, justLift, stopAtTop bool, weightLimit float64) error {
	if echo {
		level, ok := protocol.ParseEchoLevel(echoLevel)
		if !ok {
			return fmt.Errorf("unknown echo level %q", echoLevel)
		}
		req := session.EchoRequest{Level: level, EccentricPct: eccentric, JustLift: justLift}
		if !justLift {
			req.TargetReps = reps
		}
		return ctrl.StartEcho(ctx, req)
	}

	baseMode, ok := protocol.ParseBaseMode(mode)
	if !ok {
		return fmt.Errorf("unknown program mode %q", mode)
	}
	var req session.ProgramRequest
	if justLift {
		req = session.JustLiftProgram(baseMode, kg)
	} else {
		req = session.FixedProgram(baseMode, reps, kg, progression)
		req.StopAtTop = stopAtTop
		req.WeightLimitKg = weightLimit
	}
	return ctrl.StartProgram(ctx, req)
}

// runEventLoop prints the session feed until the session ends or the user
// interrupts.
func runEventLoop(ctrl *session.Controller, transport *ble.Transport) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev := <-ctrl.Events():
			switch ev.Type {
			case session.EventRepCompleted:
				if ev.Rep.Warmup {
					fmt.Printf("Warmup rep %d\n", ev.Rep.WarmupReps)
				} else {
					fmt.Printf("Rep %d\n", ev.Rep.WorkingReps)
				}
			case session.EventAutoStopProgress:
				if ev.AutoStop.Armed && ev.AutoStop.Fraction > 0 {
					fmt.Printf("Auto-stop in %.0f%%\n", (1-ev.AutoStop.Fraction)*100)
				}
			case session.EventSessionCompleted:
				s := ev.Summary
				fmt.Printf("Session %s: %d warmup + %d working reps in %s\n",
					s.Reason, s.WarmupReps, s.WorkingReps,
					s.EndTime.Sub(s.StartTime).Round(time.Second))
				return
			case session.EventDisconnected:
				fmt.Println("Trainer disconnected")
				return
			}

		case sig := <-sigCh:
			log.Printf("Received %s, stopping session...", sig)
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := ctrl.Stop(stopCtx); err != nil {
				log.Printf("ERROR: stop: %v", err)
			}
			cancel()
			transport.Disconnect()
			return
		}
	}
}

// waitForSignalThenStop blocks until interrupt when the bridge owns the
// event stream.
func waitForSignalThenStop(ctrl *session.Controller, transport *ble.Transport) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	if ctrl.Active() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ctrl.Stop(stopCtx); err != nil {
			log.Printf("ERROR: stop: %v", err)
		}
		cancel()
	}
	transport.Disconnect()
}

func runScan(adapter ble.Adapter, cfg *config.Config) {
	transport := ble.New(adapter, "", ble.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("Scanning for trainers (10s)...")
	devices, err := transport.Scan(ctx)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("No trainers found")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %s  %-20s  RSSI %d\n", d.Address, d.Name, d.RSSI)
	}
}

// findTrainer scans until a device matching the configured name prefix
// appears and returns its address.
func findTrainer(adapter ble.Adapter, cfg *config.Config) string {
	transport := ble.New(adapter, "", ble.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Device.ConnectTimeout.Std())
	defer cancel()

	slog.Info("[MAIN] scanning for trainer", "prefix", cfg.Device.NamePrefix)
	devices, err := transport.Scan(ctx)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	for _, d := range devices {
		if strings.HasPrefix(d.Name, cfg.Device.NamePrefix) {
			return d.Address
		}
	}
	log.Fatalf("no trainer matching %q found; try -scan to list devices", cfg.Device.NamePrefix)
	return ""
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== freelift ===")
	fmt.Printf("  Device:  %s (prefix %q)\n", orAuto(cfg.Device.Address), cfg.Device.NamePrefix)
	fmt.Printf("  Polls:   monitor %s, property %s\n", cfg.Polling.Monitor.Std(), cfg.Polling.Property.Std())
	fmt.Printf("  Session: %d warmup reps, auto-stop %s\n", cfg.Session.WarmupReps, cfg.Session.AutoStopDwell.Std())
	if cfg.Bridge.Enabled {
		fmt.Printf("  Bridge:  ws://%s/ws\n", cfg.Bridge.Listen)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}

func orAuto(s string) string {
	if s == "" {
		return "auto"
	}
	return s
}
