// Command kraken-agent is the OS-installed singleton worker process: it
// loads agentsettings.json, wires together the token store, auth manager,
// control-plane client, deployment/cleanup/update handlers, and hands them
// to the polling loop (internal/agentruntime), which runs until the process
// is canceled or a shutdown-signal file appears.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/krakendeploy-com/kraken-agent/internal/agentruntime"
	"github.com/krakendeploy-com/kraken-agent/internal/authmgr"
	"github.com/krakendeploy-com/kraken-agent/internal/cleanup"
	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/controlplane"
	"github.com/krakendeploy-com/kraken-agent/internal/deploy"
	"github.com/krakendeploy-com/kraken-agent/internal/history"
	"github.com/krakendeploy-com/kraken-agent/internal/metrics"
	"github.com/krakendeploy-com/kraken-agent/internal/model"
	"github.com/krakendeploy-com/kraken-agent/internal/telemetry"
	"github.com/krakendeploy-com/kraken-agent/internal/tokenstore"
	"github.com/krakendeploy-com/kraken-agent/internal/update"
)

// agentVersion is injected at build time via:
//
//	go build -ldflags "-X main.agentVersion=1.2.3"
var agentVersion = ""

// historyRetainRows bounds the local diagnostics ledger's retained rows per
// table; chosen generously without needing operator configuration.
const historyRetainRows = 2000

func rootInstallDir() string {
	if runtime.GOOS == "windows" {
		return `C:\Kraken`
	}
	return "/opt/kraken"
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("kraken-agent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	flag.Parse()

	if flag.Arg(0) == "history" {
		return runHistory(logger, flag.Args()[1:])
	}
	overlay := flag.Arg(0)

	configDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}

	settings, err := config.Load(configDir, overlay)
	if err != nil {
		return fmt.Errorf("load agentsettings.json: %w", err)
	}

	version := model.ParseAgentVersion(agentVersion)
	logger.Info("kraken-agent: starting", "agentId", settings.Identity.AgentID, "version", version.String())

	root := rootInstallDir()
	if err := os.MkdirAll(root, 0700); err != nil {
		return fmt.Errorf("create install root %s: %w", root, err)
	}

	tokens, err := tokenstore.Load(runtime.GOOS, root)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	auth := authmgr.New(settings.Identity, settings.Endpoint, tokens, root, logger)
	cp := controlplane.New(settings.Identity, settings.Endpoint, auth, logger)

	telProvider, err := telemetry.New(telemetry.Config{
		AgentID: settings.Identity.AgentID.String(),
		Version: version.String(),
		Enabled: true,
	}, logger)
	if err != nil {
		logger.Warn("kraken-agent: telemetry disabled, continuing without tracing", "error", err)
		telProvider, _ = telemetry.New(telemetry.Config{Enabled: false}, logger)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telProvider.Shutdown(shutdownCtx)
	}()
	cp.SetTracer(telProvider.Tracer())

	fetcher := deploy.NewArtifactFetcher()
	deployHandler := deploy.New(cp, fetcher, logger)
	deployHandler.SetTracer(telProvider.Tracer())

	cleanupHandler := cleanup.New(cleanup.ArtifactsRoot(), cleanup.InstallationsRoot(), logger)
	cleanupHandler.SetTracer(telProvider.Tracer())

	updateHandler := update.New(logger)
	probe := metrics.New(time.Now())

	ledger, err := history.Open(filepath.Join(root, "history.db"), historyRetainRows)
	if err != nil {
		logger.Warn("kraken-agent: diagnostics ledger disabled", "error", err)
		ledger = nil
	} else {
		defer func() { _ = ledger.Close() }()
	}

	rt := agentruntime.New(
		settings.Identity,
		version.String(),
		auth,
		cp,
		observedDeploy{deployHandler, ledger},
		observedCleanup{cleanupHandler, ledger},
		updateHandler,
		probe,
		configDir,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent runtime exited: %w", err)
	}
	logger.Info("kraken-agent: stopped")
	return nil
}

// runHistory implements "kraken-agent history": it opens the local
// diagnostics ledger (creating it if absent), writes nothing to it, and prints the most recent poll cycles and
// task dispatches as JSON to stdout, for operator inspection and crash
// diagnostics. It never starts the polling loop.
func runHistory(logger *slog.Logger, args []string) error {
	limit := 50
	if len(args) > 0 {
		if n, err := fmt.Sscanf(args[0], "%d", &limit); err != nil || n != 1 {
			return fmt.Errorf("history: invalid row limit %q", args[0])
		}
	}

	root := rootInstallDir()
	ledger, err := history.Open(filepath.Join(root, "history.db"), historyRetainRows)
	if err != nil {
		return fmt.Errorf("history: open ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	ctx := context.Background()
	polls, err := ledger.RecentPolls(ctx, limit)
	if err != nil {
		return fmt.Errorf("history: read polls: %w", err)
	}
	dispatches, err := ledger.RecentDispatches(ctx, limit)
	if err != nil {
		return fmt.Errorf("history: read dispatches: %w", err)
	}

	out, err := history.AsJSON(polls, dispatches)
	if err != nil {
		return fmt.Errorf("history: render snapshot: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// observedDeploy records each dispatch to the diagnostics ledger around the
// real handler; it never alters the handler's return value or retry
// behavior (the ledger is historical record only).
type observedDeploy struct {
	handler *deploy.Handler
	ledger  *history.Store
}

func (o observedDeploy) Handle(ctx context.Context, task model.DeploymentStepTask, cancel <-chan struct{}) (bool, error) {
	success, err := o.handler.Handle(ctx, task, cancel)
	recordDispatch(ctx, o.ledger, model.TaskDeploy, task.DeploymentID, success, err)
	return success, err
}

type observedCleanup struct {
	handler *cleanup.Handler
	ledger  *history.Store
}

func (o observedCleanup) Handle(agentID string, task model.CleanupTask) {
	o.handler.Handle(agentID, task)
	recordDispatch(context.Background(), o.ledger, model.TaskCleanup, agentID, true, nil)
}

func recordDispatch(ctx context.Context, ledger *history.Store, taskType model.TaskType, taskID string, success bool, err error) {
	if ledger == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	_ = ledger.RecordDispatch(ctx, history.DispatchEvent{
		Timestamp: time.Now().UTC(),
		TaskType:  taskType,
		TaskID:    taskID,
		Success:   success,
		Detail:    detail,
	})
}
