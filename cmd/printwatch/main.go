// Printwatch monitors a Bambu Lab 3D printer over its local MQTT broker
// and runs a notifier executable whenever a print stops running
// (finished, failed, paused or cancelled).
//
// Usage:
//
//	printwatch [-config path] <host> <access_code> <serial_number> <callback_notifier>
//	printwatch [-config path] history [limit]
//	printwatch version
//
// Positional arguments override values from the optional YAML config
// file (see [config.DefaultSearchPaths]). The notifier is invoked as
//
//	<callback_notifier> "Print Status: FINISH at 100% completion."
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/printwatch/internal/buildinfo"
	"github.com/nugget/printwatch/internal/config"
	"github.com/nugget/printwatch/internal/journal"
	"github.com/nugget/printwatch/internal/mirror"
	"github.com/nugget/printwatch/internal/monitor"
	"github.com/nugget/printwatch/internal/notify"
	"github.com/nugget/printwatch/internal/session"
)

// errUsage signals that usage has already been printed and the process
// should exit with status 1.
var errUsage = errors.New("usage")

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the lifetime of the
// process; SIGINT and SIGTERM are layered on top of it. Logs go to
// stderr; command output (version, history) goes to stdout.
//
// Arguments are parsed by hand, as the flag package's globals would
// get in the way of calling run from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var positional []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			printUsage(stdout)
			return nil
		case strings.HasPrefix(args[i], "-") && args[i] != "-":
			fmt.Fprintf(stderr, "unknown flag: %s\n", args[i])
			printUsage(stderr)
			return errUsage
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) == 1 && positional[0] == "version" {
		return runVersion(stdout)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if len(positional) > 0 && positional[0] == "history" {
		return runHistory(stdout, cfg, positional[1:])
	}

	switch len(positional) {
	case 0:
		// Everything must come from the config file.
	case 4:
		cfg.Printer.Host = positional[0]
		cfg.Printer.AccessCode = positional[1]
		cfg.Printer.Serial = positional[2]
		cfg.Notifier.Path = positional[3]
	default:
		printUsage(stderr)
		return errUsage
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		printUsage(stderr)
		return errUsage
	}

	return runMonitor(ctx, stderr, cfg)
}

// runMonitor wires the session, tracker, notifier and optional extras
// and blocks until interrupted.
func runMonitor(ctx context.Context, stderr io.Writer, cfg *config.Config) error {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	session.SetTransportLogger(logger.With("component", "paho"))

	logger.Info("starting Bambu Lab printer monitor",
		"version", buildinfo.Version,
		"host", cfg.Printer.Host,
		"serial", cfg.Printer.Serial,
		"notifier", cfg.Notifier.Path,
	)
	if cfg.Printer.InsecureSkipVerify {
		logger.Info("printer certificate verification disabled", "insecure_skip_verify", true)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier := notify.NewExec(notify.ExecConfig{
		Path:    cfg.Notifier.Path,
		Timeout: cfg.Notifier.Timeout(),
	}, logger)

	var opts []monitor.Option

	if cfg.Journal.Enabled() {
		store, err := journal.NewStore(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		opts = append(opts, monitor.WithJournal(store))
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	if cfg.Mirror.Configured() {
		pub := mirror.New(cfg.Mirror, cfg.Printer.Serial, logger.With("component", "mirror"))
		if err := pub.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Error("mirror shutdown failed", "error", err)
			}
		}()
		opts = append(opts, monitor.WithMirror(pub))
		logger.Info("home assistant mirror enabled",
			"broker", cfg.Mirror.Broker,
			"device_name", cfg.Mirror.DeviceName,
		)
	}

	mon := monitor.New(cfg.Printer.Serial, notifier, logger, opts...)
	sess := session.New(cfg.Printer, cfg.ReconnectDelay(), mon.HandleMessage, logger,
		session.WithStateHook(mon.ConnectionChanged),
	)

	if err := sess.Run(ctx); err != nil {
		return err
	}

	logger.Info("program terminated by user")
	return nil
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runHistory prints the most recent notifications and transitions from
// the journal.
func runHistory(w io.Writer, cfg *config.Config, args []string) error {
	if !cfg.Journal.Enabled() {
		return errors.New("history requires journal.path in the config file")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid history limit %q", args[0])
		}
		limit = n
	}

	store, err := journal.NewStore(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	notes, err := store.RecentNotifications(limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Notifications:")
	if len(notes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, n := range notes {
		status := "delivered"
		if !n.Delivered {
			status = "FAILED: " + n.Error
		}
		fmt.Fprintf(w, "  %s  %-8s %3d%%  %s\n", n.Timestamp.Local().Format(time.DateTime), n.State, n.Percent, status)
	}

	trs, err := store.RecentTransitions(limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Transitions:")
	if len(trs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, tr := range trs {
		from := tr.From
		if from == "" {
			from = "unknown"
		}
		fmt.Fprintf(w, "  %s  %s -> %s at %d%%\n", tr.Timestamp.Local().Format(time.DateTime), from, tr.To, tr.Percent)
	}
	return nil
}

// printUsage writes the help text to w.
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Printwatch - Bambu Lab printer job monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  printwatch [-config path] <host> <access_code> <serial_number> <callback_notifier>")
	fmt.Fprintln(w, "  printwatch [-config path] history [limit]")
	fmt.Fprintln(w, "  printwatch version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Arguments:")
	fmt.Fprintln(w, "  host               Printer IPv4 address")
	fmt.Fprintln(w, "  access_code        LAN access code from the printer screen")
	fmt.Fprintln(w, "  serial_number      Printer serial number")
	fmt.Fprintln(w, "  callback_notifier  Executable run with the status message as its argument")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// loadConfig locates and parses the optional YAML configuration file.
// With no file, the defaults are returned.
func loadConfig(explicit string) (*config.Config, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, err
	}
	if cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, nil
}
