// Hearthflow ingests the Home Assistant event stream into a time-series
// store, reconciles the device catalog, fans matching events out to
// signed webhooks, and compacts raw history into daily, weekly, and
// monthly aggregates.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearthflow serve             Start the ingestion pipeline and API server
//	hearthflow init [dir]        Write a commented example config
//	hearthflow version           Print version and build information
//	hearthflow -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hearthflow/hearthflow/internal/aggregate"
	"github.com/hearthflow/hearthflow/internal/api"
	"github.com/hearthflow/hearthflow/internal/buildinfo"
	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/connman"
	"github.com/hearthflow/hearthflow/internal/discovery"
	"github.com/hearthflow/hearthflow/internal/enrich"
	"github.com/hearthflow/hearthflow/internal/ingest"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/mqtt"
	"github.com/hearthflow/hearthflow/internal/pipeline"
	"github.com/hearthflow/hearthflow/internal/spool"
	"github.com/hearthflow/hearthflow/internal/status"
	"github.com/hearthflow/hearthflow/internal/tsdb"
	"github.com/hearthflow/hearthflow/internal/webhook"
	"github.com/hearthflow/hearthflow/internal/writer"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hearthflow command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearthflow - Home Assistant event ingestion pipeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearthflow [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the ingestion pipeline and API server")
	fmt.Fprintln(w, "  init [dir]   Write a commented example config (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hearthflow/config.yaml, /etc/hearthflow/config.yaml")
	return nil
}

// exampleConfig is written by "hearthflow init". Tokens are referenced
// through environment variables so the file can be committed.
const exampleConfig = `# hearthflow configuration

listen:
  port: 8093

ha:
  endpoints:
    - name: primary
      url: http://homeassistant.local:8123
      token: ${HA_TOKEN}
    # - name: fallback
    #   url: http://ha-standby.local:8123
    #   token: ${HA_STANDBY_TOKEN}

influx:
  url: http://influx.local:8086
  token: ${INFLUX_TOKEN}
  org: home
  raw_bucket: ha_raw
  daily_bucket: ha_daily
  weekly_bucket: ha_weekly

writer:
  batch_size: 500
  flush_interval: 5s

schedule:
  daily: "03:00"
  weekly: "03:00"
  monthly: "03:00"

enrichment:
  weather:
    entity: weather.home
    ttl: 15m

# mqtt:
#   broker: mqtt://ha.local:1883
#   device_name: hearthflow

data_dir: data
log_level: info
`

// runInit writes the example config into dir, refusing to overwrite.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := dir + "/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s. Edit the endpoints and tokens, then run: hearthflow serve\n", path)
	return nil
}

// runServe is the primary operating mode. The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The supervisor closes the session; no new events enter the queue
//  3. The writer drains its batches (spooling what cannot be written)
//  4. The webhook dispatcher persists in-flight deliveries
//  5. The HTTP server drains and the database closes via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting hearthflow",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port,
		"endpoints", len(cfg.HomeAssistant.Endpoints))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	m := metrics.New()
	statusReg := status.NewRegistry()

	// --- Catalog database ---
	// One sqlite file shared by the catalog, webhook, and job stores.
	db, err := catalog.OpenDB(cfg.DataDir + "/hearthflow.db")
	if err != nil {
		return err
	}
	defer db.Close()

	catalogStore, err := catalog.NewStore(db, m, logger)
	if err != nil {
		return err
	}
	replica := catalog.NewReplica(m)

	webhookStore, err := webhook.NewStore(db)
	if err != nil {
		return err
	}
	jobStore, err := aggregate.NewJobStore(db)
	if err != nil {
		return err
	}

	// --- Time-series store and spool ---
	tsdbClient := tsdb.New(cfg.Influx, logger)
	sp, err := spool.New(cfg.DataDir+"/spool", m, logger)
	if err != nil {
		return err
	}
	// Replay batches stranded by a previous shutdown before new writes
	// start competing for the store.
	for _, bucket := range []string{cfg.Influx.RawBucket, cfg.Influx.DailyBucket, cfg.Influx.WeeklyBucket} {
		if n, err := sp.Replay(ctx, bucket, tsdbClient); err != nil {
			logger.Warn("spool replay incomplete", "bucket", bucket, "error", err)
		} else if n > 0 {
			logger.Info("spooled batches replayed", "bucket", bucket, "batches", n)
		}
	}

	// --- Pipeline ---
	queue := pipeline.NewQueue(cfg.Pipeline.Capacity, m)
	enrichCache := enrich.NewCache(cfg.Enrichment)
	ingestor := ingest.New(replica, queue, m, logger)
	discoverer := discovery.New(catalogStore, replica, logger)

	var wg sync.WaitGroup

	// --- Writer ---
	batchWriter := writer.New(cfg.Writer, cfg.Influx.RawBucket, tsdbClient, queue,
		enrichCache, sp, m, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		statusReg.Report("writer", status.Healthy, nil)
		batchWriter.Run(ctx)
	}()

	// --- Webhook dispatcher ---
	dispatcher := webhook.NewDispatcher(cfg.Webhook, webhookStore, queue.Tee(), m, logger)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start webhook dispatcher: %w", err)
	}
	statusReg.Report("webhook", status.Healthy, nil)

	// --- Aggregator ---
	aggregator := aggregate.New(cfg.Schedule, cfg.Retention, cfg.Influx,
		tsdbClient, jobStore, catalogStore, replica, m, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		statusReg.Report("aggregate", status.Healthy, nil)
		if err := aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("aggregator stopped", "error", err)
			statusReg.Report("aggregate", status.Failed, err)
		}
	}()

	// --- MQTT bridge (optional) ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Broker != "" {
		bridge = mqtt.New(cfg.MQTT, discoverer, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	// --- API server ---
	mgr := connman.New(cfg.HomeAssistant, cfg.Breaker, m, logger, nil)
	apiServer := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, statusReg, m, logger)
	apiServer.SetCatalog(catalogStore)
	apiServer.SetWebhooks(webhookStore, dispatcher)
	apiServer.SetConnman(mgr)
	apiServer.SetWriter(batchWriter)
	apiServer.SetEnrichment(enrichCache)
	apiServer.SetQueue(queue)
	apiServer.SetJobs(jobStore)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
		}
	}()

	// --- Supervisor ---
	// One goroutine owns the Home Assistant session for its whole life:
	// acquire, sweep, subscribe, pump events, and on failure report to
	// the breaker and reacquire after a jittered delay.
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervise(ctx, mgr, discoverer, ingestor, statusReg, logger)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// The writer and supervisor stop via ctx. The dispatcher and API
	// server need explicit stops with their own grace budgets.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	dispatcher.Stop()
	if bridge != nil {
		if err := bridge.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown incomplete", "error", err)
		}
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// degradeAfter is how long the supervisor tolerates having no
// acquirable session before the connection component self-reports
// degraded. Short outages ride through as normal reconnects.
const degradeAfter = 10 * time.Minute

// supervise runs the acquire/subscribe/pump cycle until ctx ends.
func supervise(ctx context.Context, mgr *connman.Manager, discoverer *discovery.Discoverer,
	ingestor *ingest.Ingestor, statusReg *status.Registry, logger *slog.Logger) {
	attempt := 0
	var downSince time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		acq, err := mgr.Acquire(ctx)
		if err != nil {
			if downSince.IsZero() {
				downSince = time.Now()
			}
			if time.Since(downSince) >= degradeAfter {
				statusReg.Report("connection", status.Degraded, err)
			}
			attempt++
			if !connman.SleepCtx(ctx, connman.RetryDelay(attempt)) {
				return
			}
			continue
		}
		attempt = 0
		downSince = time.Time{}
		statusReg.Report("connection", status.Healthy, nil)

		err = runSession(ctx, acq, discoverer, ingestor, statusReg, logger)
		if ctx.Err() != nil {
			return
		}
		mgr.Report(acq.Endpoint, false, fmt.Sprint(err))
		logger.Warn("session ended, reacquiring", "endpoint", acq.Endpoint, "error", err)
	}
}

// runSession drives one live session: registry sweep, subscriptions,
// then the event pump. Returns when the session dies or ctx ends.
func runSession(ctx context.Context, acq *connman.Acquired, discoverer *discovery.Discoverer,
	ingestor *ingest.Ingestor, statusReg *status.Registry, logger *slog.Logger) error {
	defer acq.Close()

	if err := discoverer.Sweep(ctx, acq.Session); err != nil {
		statusReg.Report("discovery", status.Degraded, err)
		return fmt.Errorf("registry sweep: %w", err)
	}
	statusReg.Report("discovery", status.Healthy, nil)

	registryIDs, err := discoverer.SubscribeRegistryUpdates(ctx, acq.Session)
	if err != nil {
		return fmt.Errorf("subscribe registry updates: %w", err)
	}
	registrySubs := make(map[int64]bool, len(registryIDs))
	for _, id := range registryIDs {
		registrySubs[id] = true
	}

	stateSubID, err := ingestor.Subscribe(ctx, acq.Session)
	if err != nil {
		return err
	}
	statusReg.Report("ingest", status.Healthy, nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-acq.Events():
			if !ok {
				return acq.Err()
			}
			switch {
			case ev.SubscriptionID == stateSubID:
				ingestor.Handle(ev.Event)
			case registrySubs[ev.SubscriptionID]:
				if err := discoverer.HandleUpdate(ctx, acq.Session, ev.Event); err != nil {
					logger.Warn("registry update not applied", "error", err)
				}
			}
		}
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
