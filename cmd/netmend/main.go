package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/netmend/internal/audit"
	"github.com/basket/netmend/internal/bus"
	"github.com/basket/netmend/internal/config"
	"github.com/basket/netmend/internal/cron"
	"github.com/basket/netmend/internal/gateway"
	"github.com/basket/netmend/internal/orchestrator"
	otelPkg "github.com/basket/netmend/internal/otel"
	"github.com/basket/netmend/internal/playbook"
	"github.com/basket/netmend/internal/simulator"
	"github.com/basket/netmend/internal/storage"
	"github.com/basket/netmend/internal/telemetry"
	"github.com/basket/netmend/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	name := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the daemon in the foreground (logs to stdout)
  %s -daemon         Start the daemon quietly (logs to %s/logs/system.jsonl)
  %s -version        Print the version and exit
  %s status          Probe a running daemon's /healthz

Configuration is read from %s, created with defaults on
first run. Environment overrides: NETMEND_HOME, NETMEND_BIND_ADDR,
NETMEND_LOG_LEVEL, NETMEND_AUTH_TOKEN, NETMEND_DB_PATH.
`, name, name, name, config.HomeDir(), name, name, config.ConfigPath(config.HomeDir()))
}

func main() {
	flag.Usage = printUsage
	daemonMode := flag.Bool("daemon", false, "run quietly, logging to file only")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("netmend", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Console mirroring is for a human watching the foreground process.
	quietLogs := *daemonMode || !isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	cfg.OTel.ServiceVersion = Version
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if err := store.SeedDevices(ctx); err != nil {
		fatalStartup(logger, "E_DEVICE_SEED", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	sim := simulator.New(store, logger, eventBus)

	catalog := playbook.NewCatalog()
	if err := catalog.LoadDir(cfg.Playbooks.Dir); err != nil {
		fatalStartup(logger, "E_PLAYBOOK_LOAD", err)
	}
	logger.Info("startup phase", "phase", "playbooks_loaded", "count", len(catalog.List()))

	roster := make([]orchestrator.Agent, 0, len(cfg.Agents))
	for _, entry := range cfg.Agents {
		roster = append(roster, orchestrator.Agent{
			ID:   entry.AgentID,
			Name: entry.Name,
			Type: orchestrator.AgentType(entry.Type),
		})
	}
	orch, err := orchestrator.New(orchestrator.Config{
		TickInterval:        cfg.DispatchTick(),
		MaxRetries:          cfg.Scheduler.MaxRetries,
		MaxQueueDepth:       cfg.Scheduler.MaxQueueDepth,
		EventLogCap:         cfg.Scheduler.EventLogCap,
		ConfidenceThreshold: cfg.Workflow.ConfidenceThreshold,
		AutoRemediate:       cfg.Workflow.AutoRemediate,
		Tracer:              otelProvider.Tracer,
	}, logger, eventBus, metrics, orchestrator.Collaborators{
		Devices:   store,
		Incidents: store,
		Control:   sim,
		Playbooks: catalog,
	}, roster)
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}

	flow := workflow.New(workflow.Config{StageTimeout: cfg.StageTimeout()},
		logger, eventBus, metrics, store, sim, workflow.SystemClock(),
		func(ctx context.Context, incidentID string) (string, error) {
			t, err := orch.TriggerIncidentAnalysis(ctx, incidentID)
			if err != nil {
				return "", err
			}
			return t.ID, nil
		})

	orch.Start(ctx)
	flow.Start()
	logger.Info("startup phase", "phase", "scheduler_started",
		"agents", len(roster), "tick_ms", cfg.Scheduler.TickMillis)

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	mustRegister := func(name, expr string, fn cron.JobFunc) {
		if err := sched.Register(name, expr, fn); err != nil {
			fatalStartup(logger, "E_CRON_REGISTER", fmt.Errorf("%s: %w", name, err))
		}
	}
	mustRegister("monitor-sweep", cfg.Cron.MonitorSweep, func(ctx context.Context) error {
		_, err := orch.CreateTask(ctx, orchestrator.TaskOptions{
			Type:     orchestrator.TaskMonitor,
			Priority: orchestrator.PriorityLow,
		})
		if errors.Is(err, orchestrator.ErrQueueSaturated) {
			logger.Warn("monitor sweep skipped, queue saturated")
			return nil
		}
		return err
	})
	mustRegister("metric-sample", cfg.Cron.MetricSample, sim.SampleMetrics)
	mustRegister("metric-prune", "@every 10m", func(ctx context.Context) error {
		pruned, err := store.PruneMetricSamples(ctx, 24*time.Hour)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Debug("pruned metric samples", "count", pruned)
		}
		return nil
	})
	mustRegister("workflow-timeouts", "@every 30s", func(ctx context.Context) error {
		for _, id := range flow.CheckTimeouts() {
			logger.Warn("incident workflow stalled past stage timeout", "incident_id", id)
		}
		return nil
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Playbooks.HotReload {
		watcher := config.NewWatcher(cfg.HomeDir, cfg.Playbooks.Dir, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("file watcher unavailable, hot reload disabled", "error", err)
		} else {
			go func() {
				for ev := range watcher.Events() {
					if filepath.Base(ev.Path) == "config.yaml" {
						logger.Info("config.yaml changed; restart to apply changes")
						continue
					}
					if err := catalog.LoadDir(cfg.Playbooks.Dir); err != nil {
						logger.Error("playbook reload failed", "error", err)
						continue
					}
					logger.Info("playbook catalog reloaded", "count", len(catalog.List()))
				}
			}()
		}
	}

	gw := gateway.New(gateway.Config{
		Orch:              orch,
		Flow:              flow,
		Store:             store,
		Sim:               sim,
		Playbooks:         catalog,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		CronJobs:          sched.Jobs,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight task executions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancelDrain()
	if err := orch.Stop(drainCtx); err != nil {
		logger.Warn("task drain incomplete at shutdown", "error", err)
	}
	flow.Stop()
	sched.Stop()
	logger.Info("shutdown complete")
}

// writeStarterConfig bootstraps config.yaml on first run. Values mirror the
// built-in defaults so the file is a template for edits, not a requirement.
func writeStarterConfig(homeDir string) error {
	starter := `# netmend daemon configuration
bind_addr: "127.0.0.1:18890"
log_level: "info"

# auth_token: ""           # require Bearer token on API endpoints when set
# allow_origins: []        # Origin allowlist for browser websocket clients
# drain_timeout_seconds: 5

scheduler:
  tick_millis: 500
  max_retries: 3
  max_queue_depth: 1000
  event_log_cap: 1000

cron:
  monitor_sweep: "@every 30s"
  metric_sample: "@every 15s"

playbooks:
  hot_reload: true

workflow:
  auto_remediate: true
  confidence_threshold: 80
  stage_timeout_seconds: 120

# Omit agents to get the default roster: one agent per capability type.
# agents:
#   - agent_id: monitor-01
#     type: monitor
#     name: Network Monitor
`
	return os.WriteFile(config.ConfigPath(homeDir), []byte(starter), 0o644)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Action{
		Action:  "runtime.startup",
		Outcome: reasonCode,
		Detail:  message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":%q,"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	_ = audit.Close()
	os.Exit(1)
}
