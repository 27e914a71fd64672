// Package agentruntime implements the polling loop: the single
// long-running task that drives every other component, owns the
// AgentStatus/AgentState state machine, and applies jittered backoff
// between cycles.
package agentruntime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/krakendeploy-com/kraken-agent/internal/controlplane"
	"github.com/krakendeploy-com/kraken-agent/internal/metrics"
	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

const (
	defaultPollingInterval = 30 * time.Second
	shortPollingInterval   = 5 * time.Second
	shutdownPollInterval   = time.Second
	shutdownSignalFile     = "shutdown.signal"
)

// AuthManager is the subset of authmgr.Manager the runtime needs.
type AuthManager interface {
	EnsureValid(ctx context.Context)
}

// ControlPlane is the subset of controlplane.Client the runtime needs.
type ControlPlane interface {
	NextTask(ctx context.Context, envelope any) (*model.AgentTask, controlplane.Outcome)
	SetOffline(ctx context.Context)
}

var _ ControlPlane = (*controlplane.Client)(nil)

// DeployHandler is the subset of deploy.Handler the runtime needs.
type DeployHandler interface {
	Handle(ctx context.Context, task model.DeploymentStepTask, cancel <-chan struct{}) (bool, error)
}

// CleanupHandler is the subset of cleanup.Handler the runtime needs.
type CleanupHandler interface {
	Handle(agentID string, task model.CleanupTask)
}

// UpdateHandler is the subset of update.Handler the runtime needs.
type UpdateHandler interface {
	Handle(ctx context.Context, identity model.AgentIdentity, task model.UpdateTask) error
}

// MetricsProbe is the subset of metrics.Probe the runtime needs.
type MetricsProbe interface {
	Sample() metrics.Snapshot
}

// Envelope is the body posted alongside every next-task poll.
type Envelope struct {
	Version string            `json:"version"`
	Status  model.AgentStatus `json:"status"`
	State   model.AgentState  `json:"state"`
	Metrics metrics.Snapshot  `json:"metrics"`
}

// Runtime drives the polling loop.
type Runtime struct {
	identity model.AgentIdentity
	version  string

	auth    AuthManager
	cp      ControlPlane
	deploy  DeployHandler
	cleanup CleanupHandler
	update  UpdateHandler
	probe   MetricsProbe

	workDir string
	logger  *slog.Logger

	mu       sync.Mutex
	status   model.AgentStatus
	state    model.AgentState
	interval time.Duration

	randIntn func(int) int
}

// New creates a Runtime. workDir is the directory the shutdown-signal file
// is watched in (the process's working directory).
func New(
	identity model.AgentIdentity,
	version string,
	auth AuthManager,
	cp ControlPlane,
	deploy DeployHandler,
	cleanup CleanupHandler,
	update UpdateHandler,
	probe MetricsProbe,
	workDir string,
	logger *slog.Logger,
) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		identity: identity,
		version:  version,
		auth:     auth,
		cp:       cp,
		deploy:   deploy,
		cleanup:  cleanup,
		update:   update,
		probe:    probe,
		workDir:  workDir,
		logger:   logger,
		status:   model.StatusHealthy,
		state:    model.StateWaiting,
		interval: defaultPollingInterval,
		randIntn: rand.Intn,
	}
}

// Status and State return the current observable state, e.g. for the
// diagnostics ledger.
func (r *Runtime) Status() model.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runtime) State() model.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes the polling loop until ctx is canceled or the shutdown
// signal file is observed, whichever comes first.
func (r *Runtime) Run(ctx context.Context) error {
	shutdown := make(chan struct{})
	go r.watchShutdown(ctx, shutdown)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			r.cp.SetOffline(ctx)
			return nil
		default:
		}

		r.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			r.cp.SetOffline(ctx)
			return nil
		case <-time.After(r.sleepDuration()):
		}
	}
}

// pollOnce runs exactly one iteration of the loop body. It never panics
// out: an unexpected failure anywhere in dispatch is recovered and
// reported as an unhealthy poll cycle like any other failure.
func (r *Runtime) pollOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agentruntime: poll cycle panicked", "recover", rec)
			r.setStatusState(model.StatusUnhealthy, model.StateWaiting)
		}
	}()

	r.auth.EnsureValid(ctx)

	envelope := Envelope{Version: r.version, Status: r.Status(), State: r.State(), Metrics: r.probe.Sample()}
	task, outcome := r.cp.NextTask(ctx, envelope)

	switch outcome {
	case controlplane.OutcomeOK:
		r.setStatusState(model.StatusHealthy, model.StateBusy)
		r.dispatch(ctx, task)
		r.setStatusState(model.StatusHealthy, model.StateWaiting)
	case controlplane.OutcomeNoWork:
		r.mu.Lock()
		r.interval = defaultPollingInterval
		if r.status == model.StatusOffline {
			r.status = model.StatusHealthy
		}
		r.mu.Unlock()
	case controlplane.OutcomeUnhealthy:
		r.setStatusState(model.StatusUnhealthy, model.StateWaiting)
	case controlplane.OutcomeOffline:
		r.setStatusState(model.StatusOffline, model.StateWaiting)
	}
}

func (r *Runtime) dispatch(ctx context.Context, task *model.AgentTask) {
	switch task.Type {
	case model.TaskDeploy:
		var deployTask model.DeploymentStepTask
		if err := json.Unmarshal(task.Payload, &deployTask); err != nil {
			r.logger.Error("agentruntime: decode deploy payload", "error", err)
			return
		}
		r.mu.Lock()
		r.interval = shortPollingInterval
		r.mu.Unlock()
		if _, err := r.deploy.Handle(ctx, deployTask, ctx.Done()); err != nil {
			r.logger.Warn("agentruntime: deploy step failed", "deploymentId", deployTask.DeploymentID, "error", err)
		}

	case model.TaskCleanup:
		var cleanupTask model.CleanupTask
		if err := json.Unmarshal(task.Payload, &cleanupTask); err != nil {
			r.logger.Error("agentruntime: decode cleanup payload", "error", err)
			return
		}
		r.cleanup.Handle(r.identity.AgentID.String(), cleanupTask)

	case model.TaskUpdate:
		var updateTask model.UpdateTask
		if err := json.Unmarshal(task.Payload, &updateTask); err != nil {
			r.logger.Error("agentruntime: decode update payload", "error", err)
			return
		}
		// Updating is transient: the outer loop resets status to Healthy
		// immediately after dispatch returns, regardless of outcome, since
		// the installer (not this handler) is responsible for eventually
		// replacing this process.
		r.setStatusState(model.StatusUpdating, model.StateBusy)
		if err := r.update.Handle(ctx, r.identity, updateTask); err != nil {
			r.logger.Error("agentruntime: update failed", "error", err)
		}

	default:
		r.logger.Warn("agentruntime: unknown task type, treating as no-op", "type", task.Type)
	}
}

func (r *Runtime) setStatusState(status model.AgentStatus, state model.AgentState) {
	r.mu.Lock()
	r.status = status
	r.state = state
	r.mu.Unlock()
}

// sleepDuration adds uniform jitter in [-1, +2] seconds to the current
// polling interval, flooring the total at 1 second.
func (r *Runtime) sleepDuration() time.Duration {
	r.mu.Lock()
	interval := r.interval
	r.mu.Unlock()

	jitter := time.Duration(r.randIntn(4)-1) * time.Second
	total := interval + jitter
	if total < time.Second {
		total = time.Second
	}
	return total
}

func (r *Runtime) watchShutdown(ctx context.Context, out chan<- struct{}) {
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	path := r.workDir + string(os.PathSeparator) + shutdownSignalFile
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				close(out)
				return
			}
		}
	}
}
