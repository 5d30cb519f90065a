// flightlog ingests a stream of application events, keeps a bounded
// history per severity level, and when a sufficiently severe event
// arrives records an incident artifact: the buffered history, the
// trigger, and a trailing window of what happened next. Finished
// artifacts are catalogued in SQLite for listing and inspection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/setevik/flightlog/internal/config"
	"github.com/setevik/flightlog/internal/event"
	"github.com/setevik/flightlog/internal/flog"
	"github.com/setevik/flightlog/internal/format"
	"github.com/setevik/flightlog/internal/incident"
	"github.com/setevik/flightlog/internal/logger"
	"github.com/setevik/flightlog/internal/source"
	"github.com/setevik/flightlog/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "list":
			runList(os.Args[2:])
			return
		case "dump":
			runDump(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "version":
			fmt.Println("flightlog", version)
			return
		}
	}

	// Default: run daemon.
	runDaemon(os.Args[1:])
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("flightlog", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	pipePath := fs.String("pipe", "", "read events from this named pipe instead of stdin")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("flightlog", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if *pipePath != "" {
		cfg.Source.Pipe = *pipePath
	}

	setupLogging(cfg.Log.Level)

	slog.Info("flightlog starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"threshold", cfg.Incidents.Threshold,
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Open the incident catalog.
	db, err := store.Open(cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("opening incident catalog: %w", err)
	}
	defer db.Close()

	slog.Info("incident catalog opened", "path", cfg.CatalogPath())

	// Report working copies left behind by a crash mid-capture.
	orphans, err := incident.ScanOrphans(cfg.IncidentDir())
	if err != nil {
		slog.Warn("orphan scan failed", "error", err)
	}
	for _, path := range orphans {
		slog.Warn("found orphaned working copy from interrupted capture", "path", path)
	}

	log := logger.New(
		logger.WithSource(cfg.Instance.ID),
		logger.WithThreshold(cfg.Incidents.Threshold),
		logger.WithBufferSize(cfg.History.Size),
		logger.WithReporterOptions(
			incident.WithTrailingDelay(cfg.Incidents.TrailingDelay.Duration),
			incident.WithTrailingLimit(cfg.Incidents.TrailingLimit),
		),
	)
	defer log.Close()

	log.OnIncidentRecorded(func(path string) {
		if err := indexArtifact(db, path); err != nil {
			slog.Error("failed to catalog incident", "error", err, "path", path)
		}
	})

	if err := log.SetIncidentDir(cfg.IncidentDir()); err != nil {
		return fmt.Errorf("enabling incident recording: %w", err)
	}

	// Event source: a supervised named pipe, or stdin.
	var src source.Source
	if cfg.Source.Pipe != "" {
		pipe := cfg.Source.Pipe
		src = source.NewSupervisedSource(
			func() source.Source { return source.NewPipeSource(pipe) },
			5*time.Second, // restart wait
			0,             // unlimited restarts
		)
	} else {
		src = source.NewReaderSource(os.Stdin)
	}

	events, err := src.Events(ctx)
	if err != nil {
		return fmt.Errorf("starting event source: %w", err)
	}

	// Notify systemd we are ready (sd_notify).
	sdNotify("READY=1")

	// Start watchdog ticker if WatchdogSec is configured.
	var watchdogTicker *time.Ticker
	if wdInterval := watchdogInterval(); wdInterval > 0 {
		// Ping at half the watchdog interval.
		watchdogTicker = time.NewTicker(wdInterval / 2)
		defer watchdogTicker.Stop()
		slog.Info("systemd watchdog enabled", "interval", wdInterval)
	}

	slog.Info("watching for events",
		"incident_dir", cfg.IncidentDir(),
		"trailing_delay", cfg.Incidents.TrailingDelay.Duration,
		"trailing_limit", cfg.Incidents.TrailingLimit,
	)

	drainTimeout := cfg.Incidents.TrailingDelay.Duration + 5*time.Second

	for {
		// Watchdog channel (nil if disabled, select skips nil channels).
		var watchdogCh <-chan time.Time
		if watchdogTicker != nil {
			watchdogCh = watchdogTicker.C
		}

		select {
		case ev, ok := <-events:
			if !ok {
				slog.Info("event stream ended")
				drainIncidents(log, drainTimeout)
				return nil
			}
			log.Publish(ev)

		case <-watchdogCh:
			sdNotify("WATCHDOG=1")

		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			sdNotify("STOPPING=1")
			cancel()
			drainIncidents(log, drainTimeout)
			return nil
		}
	}
}

// drainIncidents lets captures still inside their trailing window
// finalize before the logger shuts down.
func drainIncidents(log *logger.Logger, timeout time.Duration) {
	log.Flush()
	if !log.WaitIncidents(timeout) {
		slog.Warn("shutting down with incident captures still in flight")
	}
}

// indexArtifact reads a finished artifact's header and inserts a catalog
// row for it.
func indexArtifact(db *store.DB, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	f, err := flog.Open(path)
	if err != nil {
		return err
	}
	rec, err := f.Next()
	f.Close()
	if err != nil {
		return fmt.Errorf("reading artifact header: %w", err)
	}
	if !rec.IsHeader() {
		return fmt.Errorf("artifact %s does not start with a header", path)
	}

	inc := store.NewIncident(path, rec.Header.Trigger, info.Size())
	if err := db.Insert(inc); err != nil {
		return err
	}

	slog.Info("incident catalogued",
		"name", inc.Name,
		"trigger_level", inc.TriggerLevel,
		"size", format.Bytes(inc.SizeBytes),
	)
	return nil
}

// --- list subcommand ---

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "30d", "time window (e.g. 24h, 7d, 30d)")
	minLevel := fs.String("min-level", "", "only incidents triggered at or above this level")
	limit := fs.Int("limit", 50, "max incidents to show")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error") // quiet for CLI output

	db, err := store.Open(cfg.CatalogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening catalog: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	since, err := parseDuration(*last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -last value %q: %v\n", *last, err)
		os.Exit(1)
	}

	filter := store.QueryFilter{
		Since: time.Now().Add(-since),
		Limit: *limit,
	}
	if *minLevel != "" {
		lv, err := event.ParseLevel(*minLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -min-level value: %v\n", err)
			os.Exit(1)
		}
		filter.MinLevel = lv
	}

	incidents, err := db.Query(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	if len(incidents) == 0 {
		fmt.Println("No incidents found.")
		return
	}

	printIncidents(incidents)
}

func printIncidents(incidents []*store.Incident) {
	for _, inc := range incidents {
		ts := inc.RecordedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%s  [%s] %s  %s  (%s)\n",
			ts, inc.TriggerLevel, inc.Name, format.Bytes(inc.SizeBytes), format.Ago(inc.RecordedAt))
		fmt.Printf("             Trigger: %s (event %d)\n", inc.TriggerMessage, inc.TriggerNum)
		fmt.Println()
	}
	fmt.Printf("Total: %d incident(s)\n", len(incidents))
}

// --- dump subcommand ---

func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	asJSON := fs.Bool("json", false, "print raw records as NDJSON")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flightlog dump [-json] <artifact-name-or-path>")
		os.Exit(1)
	}
	target := fs.Arg(0)

	setupLogging("error")

	path, err := resolveArtifact(*configPath, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	recs, err := flog.ReadAll(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading artifact: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}

	printArtifact(path, recs)
}

// resolveArtifact treats target as a path if it exists on disk, and
// otherwise looks the name up in the catalog.
func resolveArtifact(configPath, target string) (string, error) {
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}

	db, err := store.Open(cfg.CatalogPath())
	if err != nil {
		return "", err
	}
	defer db.Close()

	inc, err := db.ByName(target)
	if err != nil {
		return "", err
	}
	if inc == nil {
		return "", fmt.Errorf("no artifact named %q in the catalog", target)
	}
	return inc.Path, nil
}

func printArtifact(path string, recs []flog.Record) {
	fmt.Printf("Artifact: %s\n", path)

	if len(recs) > 0 && recs[0].IsHeader() {
		h := recs[0].Header
		fmt.Printf("Schema:   %s v%d\n", h.Type, h.Version)
		fmt.Printf("Trigger:  [%s] %s (event %d)\n",
			h.Trigger.Level, h.Trigger.Message, h.Trigger.Num)
		recs = recs[1:]
	}
	fmt.Println()

	for _, rec := range recs {
		if rec.D == nil {
			continue
		}
		ts := rec.ReceivedAt().Local().Format("15:04:05.000")
		fmt.Printf("%6d  %s  [%s] %s\n", rec.D.Num, ts, rec.D.Level, rec.D.Message)

		keys := make([]string, 0, len(rec.D.Fields))
		for k := range rec.D.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("        %s=%v\n", k, rec.D.Fields[k])
		}
	}
	fmt.Printf("\nTotal: %d record(s)\n", len(recs))
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error")

	fmt.Printf("Instance:      %s\n", cfg.Instance.ID)
	fmt.Printf("Incident dir:  %s\n", cfg.IncidentDir())
	fmt.Printf("Threshold:     %s\n", cfg.Incidents.Threshold)
	fmt.Printf("Trailing:      %s or %d events\n",
		cfg.Incidents.TrailingDelay.Duration, cfg.Incidents.TrailingLimit)

	db, err := store.Open(cfg.CatalogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening catalog: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Last incident.
	lastIncidents, err := db.Query(store.QueryFilter{Limit: 1})
	if err == nil && len(lastIncidents) > 0 {
		inc := lastIncidents[0]
		fmt.Printf("Last incident: [%s] %s (%s)\n",
			inc.TriggerLevel, inc.Name, format.Ago(inc.RecordedAt))
	} else {
		fmt.Println("Last incident: none")
	}

	count, _ := db.Count()
	fmt.Printf("Catalogued:    %d incident(s)\n", count)
	fmt.Printf("Catalog path:  %s\n", cfg.CatalogPath())

	orphans, err := incident.ScanOrphans(cfg.IncidentDir())
	if err == nil && len(orphans) > 0 {
		fmt.Printf("Orphans:       %d working copies from interrupted captures\n", len(orphans))
		for _, p := range orphans {
			fmt.Printf("               %s\n", p)
		}
	}
}

// parseDuration extends time.ParseDuration with support for "d" (days) suffix.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		s = strings.TrimSuffix(s, "d")
		var days int
		if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid days format: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// --- sd_notify support ---

// sdNotify sends a notification to systemd via the NOTIFY_SOCKET.
// This is a minimal implementation that doesn't require a C dependency.
func sdNotify(state string) {
	socketAddr := os.Getenv("NOTIFY_SOCKET")
	if socketAddr == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketAddr)
	if err != nil {
		slog.Debug("sd_notify: failed to connect", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Debug("sd_notify: failed to send", "error", err)
	}
}

// watchdogInterval reads WATCHDOG_USEC from the environment and returns the
// watchdog interval as a time.Duration. Returns 0 if not set.
func watchdogInterval() time.Duration {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return 0
	}
	var usec int64
	if _, err := fmt.Sscanf(usecStr, "%d", &usec); err != nil {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}

// --- utilities ---

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
