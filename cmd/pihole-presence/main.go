// Pihole-presence is a device presence bridge for Home Assistant.
//
// It polls a Pi-hole appliance's REST API for DHCP leases and network
// device activity (optionally augmented by an ARP table fetched over
// SSH), merges them into per-device presence records keyed by MAC
// address, and publishes home/away state to Home Assistant via MQTT
// discovery. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	pihole-presence serve      Start the presence daemon
//	pihole-presence check      Poll once and print the device table
//	pihole-presence version    Print version and build information
//	pihole-presence -o json check   Output the device table as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/pihole-presence/internal/arp"
	"github.com/nugget/pihole-presence/internal/buildinfo"
	"github.com/nugget/pihole-presence/internal/config"
	"github.com/nugget/pihole-presence/internal/connwatch"
	"github.com/nugget/pihole-presence/internal/history"
	"github.com/nugget/pihole-presence/internal/mqtt"
	"github.com/nugget/pihole-presence/internal/pihole"
	"github.com/nugget/pihole-presence/internal/poller"
	"github.com/nugget/pihole-presence/internal/presence"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the pihole-presence command. All
// OS-level dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the poll loop and the MQTT connection.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "status":
		return runStatus(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// pihole-presence is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pihole-presence - Pi-hole device presence bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pihole-presence [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the presence daemon")
	fmt.Fprintln(w, "  check     Poll the appliance once and print the device table")
	fmt.Fprintln(w, "  status    Show recorded device states and recent transitions")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/pihole-presence/config.yaml,")
	fmt.Fprintln(w, "  /etc/pihole-presence/config.yaml")
	return nil
}

// runCheck handles the "pihole-presence check" subcommand. It performs
// a single poll cycle against the appliance (and the SSH ARP source if
// configured) and prints the merged device table. Useful for verifying
// credentials and the merge output before running the daemon.
func runCheck(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr here so stdout stays parseable.
	logger := newLogger(stderr, slog.LevelWarn, "text")

	client := pihole.NewClient(cfg.Pihole, logger)

	leases, err := client.GetLeases(ctx)
	if err != nil {
		return fmt.Errorf("fetch leases: %w", err)
	}
	devices, err := client.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}

	var arpTable map[string]string
	if cfg.SSH.Configured() {
		fetcher := arp.NewFetcher(cfg.SSH, logger)
		arpTable, err = fetcher.Fetch(ctx)
		if err != nil {
			// ARP is additive; report and continue with threshold-only data.
			fmt.Fprintf(stderr, "warning: arp fetch failed: %s\n", err)
		}
	}

	merged := presence.Merge(leases, devices, arpTable)

	macs := make([]string, 0, len(merged))
	for mac := range merged {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	now := time.Now()
	considerAway := time.Duration(cfg.Tracker.ConsiderAwaySec) * time.Second

	if outputFmt == "json" {
		type row struct {
			presence.Device
			IsHome bool `json:"is_home"`
		}
		rows := make([]row, 0, len(macs))
		for _, mac := range macs {
			d := merged[mac]
			rows = append(rows, row{Device: *d, IsHome: d.Home(now, considerAway)})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tNAME\tIPS\tLAST SEEN\tARP\tSTATE")
	for _, mac := range macs {
		d := merged[mac]
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = now.Sub(d.LastSeen).Round(time.Second).String() + " ago"
		}
		state := "not_home"
		if d.Home(now, considerAway) {
			state = "home"
		}
		arpMark := ""
		if d.ARPLive {
			arpMark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.MAC, d.Name, strings.Join(d.IPs, ","), lastSeen, arpMark, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d devices (threshold %s)\n", len(macs), considerAway)
	return nil
}

// runStatus handles the "pihole-presence status" subcommand. It reads
// the history database without touching the appliance: last recorded
// state per device plus the most recent transition events. Useful while
// the daemon is running or after it has stopped.
func runStatus(stdout io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.DataDir + "/history.db")
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer store.Close()

	devices, err := store.Devices()
	if err != nil {
		return fmt.Errorf("load device states: %w", err)
	}
	transitions, err := store.RecentTransitions(20)
	if err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Devices     []history.DeviceRow       `json:"devices"`
			Transitions []history.TransitionEvent `json:"transitions"`
		}{devices, transitions})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tNAME\tVENDOR\tLAST SEEN\tSTATE\tRECORDED")
	for _, d := range devices {
		state := "not_home"
		if d.Home {
			state = "home"
		}
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.MAC, d.Name, d.Vendor, lastSeen, state,
			d.Updated.Local().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(transitions) > 0 {
		fmt.Fprintln(stdout, "\nRecent transitions (newest first):")
		for _, ev := range transitions {
			verb := "departed"
			if ev.Home {
				verb = "arrived"
			}
			fmt.Fprintf(stdout, "  %s  %s %s\n",
				ev.At.Local().Format(time.RFC3339), ev.MAC, verb)
		}
	}
	return nil
}

// runServe handles the "pihole-presence serve" subcommand. It is the
// primary operating mode: loads config, opens the history database,
// seeds the tracker with the last known states, starts the poll loop
// and the MQTT publisher, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher sends a retained "offline" and disconnects
//  3. The poll loop, watchers, and the history store close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting pihole-presence", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"pihole_url", cfg.Pihole.URL,
		"poll_interval_sec", cfg.Tracker.PollIntervalSec,
		"consider_away_sec", cfg.Tracker.ConsiderAwaySec,
	)

	// --- Data directory ---
	// Persistent state (the history database and the MQTT instance ID)
	// lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- History store ---
	// SQLite-backed device history. Seeds the tracker on startup so a
	// restart does not replay arrival events for devices that never left.
	store, err := history.NewStore(cfg.DataDir + "/history.db")
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer store.Close()

	// --- Presence tracker ---
	considerAway := time.Duration(cfg.Tracker.ConsiderAwaySec) * time.Second
	tracker := presence.NewTracker(considerAway, cfg.Tracker.Devices, logger)

	if states, err := store.States(); err != nil {
		logger.Warn("history state load failed, starting cold", "error", err)
	} else if len(states) > 0 {
		tracker.SeedStates(states)
		logger.Info("tracker seeded from history", "devices", len(states))
	}

	// --- Pi-hole client ---
	client := pihole.NewClient(cfg.Pihole, logger)

	// --- ARP fetcher ---
	// Optional. Without SSH configured, presence falls back to the
	// last-seen threshold alone.
	var arpSource poller.ARPSource
	if cfg.SSH.Configured() {
		arpSource = arp.NewFetcher(cfg.SSH, logger)
		logger.Info("arp liveness enabled", "host", cfg.SSH.Host, "command", cfg.SSH.Command)
	} else {
		logger.Info("arp liveness disabled (ssh not configured)")
	}

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for the
	// appliance and (when enabled) the MQTT broker. The poll loop keeps
	// running regardless; the watchers give operators visibility into
	// which dependency is down and recover quietly when it returns.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "pihole",
		Probe:   func(pCtx context.Context) error { return client.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	mqttDone := make(chan struct{})
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, tracker, logger)
		go func() {
			defer close(mqttDone)
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		close(mqttDone)
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Poll loop ---
	// Blocks until ctx is cancelled. Polls immediately on start, then
	// on every tick.
	p := poller.New(poller.Config{
		Source:   client,
		ARP:      arpSource,
		Tracker:  tracker,
		History:  store,
		Interval: time.Duration(cfg.Tracker.PollIntervalSec) * time.Second,
		Logger:   logger,
	})
	p.Start(ctx)

	logger.Info("shutdown signal received")

	// Publish MQTT offline status before disconnecting.
	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		<-mqttDone
	}

	logger.Info("pihole-presence stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
