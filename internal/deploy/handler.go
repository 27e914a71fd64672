// Package deploy implements the deployment step handler (spec component G):
// report-started, artifact fetch, variable resolution and platform script
// wrapping, run-and-stream via the script runner, batched log upload, and
// report-finished.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/krakendeploy-com/kraken-agent/internal/controlplane"
	"github.com/krakendeploy-com/kraken-agent/internal/model"
	"github.com/krakendeploy-com/kraken-agent/internal/scriptrunner"
	"github.com/krakendeploy-com/kraken-agent/internal/variables"
)

const controlTypeSelectArtifact = "SelectArtifact"

// ArtifactsRoot returns the platform-specific artifact download root.
func ArtifactsRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\Kraken\Artifacts`
	}
	return "/opt/kraken/Artifacts"
}

// ControlPlane is the subset of controlplane.Client the handler needs.
type ControlPlane interface {
	ReportStarted(ctx context.Context, deploymentID string, step int)
	PostLogs(ctx context.Context, batch controlplane.DeployLogBatch) bool
	ReportStepResult(ctx context.Context, result controlplane.StepResult) bool
}

var _ ControlPlane = (*controlplane.Client)(nil)

// Fetcher downloads a deployment artifact into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string) (string, error)
}

var _ Fetcher = (*ArtifactFetcher)(nil)

// ScriptRunner runs a prepared script body, streaming classified log lines.
type ScriptRunner interface {
	Run(ctx context.Context, installRoot, scriptBody string, onLine scriptrunner.OnLine, cancel <-chan struct{}, env []string) (string, error)
}

var _ ScriptRunner = (*scriptrunner.Runner)(nil)

// RunnerFactory builds a ScriptRunner bound to a per-step line counter.
type RunnerFactory func(lineCounter *atomic.Int64) ScriptRunner

func defaultRunnerFactory(lineCounter *atomic.Int64) ScriptRunner {
	return scriptrunner.New(lineCounter)
}

// Handler executes deployment steps.
type Handler struct {
	cp            ControlPlane
	fetcher       Fetcher
	newRunner     RunnerFactory
	artifactsRoot string
	baseRoot      string
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates a Handler with platform-default artifact/install roots.
func New(cp ControlPlane, fetcher Fetcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cp:            cp,
		fetcher:       fetcher,
		newRunner:     defaultRunnerFactory,
		artifactsRoot: ArtifactsRoot(),
		baseRoot:      scriptrunner.BaseRoot(),
		logger:        logger,
		tracer:        otel.Tracer("kraken-agent/deploy"),
	}
}

// SetTracer overrides the handler's tracer. The span wraps a step end to
// end but never influences success/failure or the reported status.
func (h *Handler) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		h.tracer = tracer
	}
}

// Handle runs one deployment step end to end and returns whether it
// succeeded. It never panics: any failure is reflected in the returned
// error and in the Failed status reported to the control plane.
func (h *Handler) Handle(ctx context.Context, task model.DeploymentStepTask, cancel <-chan struct{}) (bool, error) {
	ctx, span := h.tracer.Start(ctx, "deploy.step")
	span.SetAttributes(
		attribute.String("kraken.deployment_id", task.DeploymentID),
		attribute.Int("kraken.step_order", task.StepOrder),
	)
	defer span.End()

	success, runErr := h.handle(ctx, task, cancel)
	span.SetAttributes(attribute.Bool("kraken.success", success))
	return success, runErr
}

func (h *Handler) handle(ctx context.Context, task model.DeploymentStepTask, cancel <-chan struct{}) (bool, error) {
	h.cp.ReportStarted(ctx, task.DeploymentID, task.StepOrder)

	lineCounter := &atomic.Int64{}
	logs := &stepLogs{}

	flush := func(batch []model.ScriptLogLine) bool {
		return h.cp.PostLogs(ctx, controlplane.DeployLogBatch{
			DeploymentID: task.DeploymentID,
			StepID:       task.StepOrder,
			AgentID:      task.AgentID,
			Logs:         batch,
		})
	}
	buf := newLogBuffer(flush)

	onLine := func(l model.ScriptLogLine) {
		logs.append(l)
		buf.Add(l)
	}
	appendDirect := func(level model.LogLevel, msg string) {
		l := model.ScriptLogLine{Line: lineCounter.Add(1), Timestamp: time.Now().UTC(), Level: level, Message: msg}
		onLine(l)
	}

	allVariables := make(map[string]model.VariableValue, len(task.Variables)+4*len(task.StepParameters))
	for k, v := range task.Variables {
		allVariables[k] = v
	}
	env := make([]string, 0, len(task.Variables)+4*len(task.StepParameters))
	for k, v := range task.Variables {
		env = append(env, k+"="+v.Value)
	}

	for _, p := range task.StepParameters {
		if p.ControlType != controlTypeSelectArtifact {
			env = append(env, fmt.Sprintf("Kraken.Step.%s=%s", p.Name, p.Value))
			allVariables["Step."+p.Name] = model.VariableValue{Value: p.Value, Type: model.VarText}
			continue
		}

		meta := p.ArtifactMeta
		if meta == nil {
			err := fmt.Errorf("deploy: parameter %s declares SelectArtifact with no artifact metadata", p.Name)
			appendDirect(model.LevelError, err.Error())
			buf.FinalFlush()
			h.reportFinished(ctx, task, logs, false)
			return false, err
		}

		destDir := fmt.Sprintf("%s/%s/%s/%s", h.artifactsRoot, task.AgentID, meta.Name, meta.Version)
		appendDirect(model.LevelInfo, fmt.Sprintf("downloading artifact %s version %s", meta.Name, meta.Version))
		if _, err := h.fetcher.Fetch(ctx, meta.URL, destDir); err != nil {
			appendDirect(model.LevelError, err.Error())
			buf.FinalFlush()
			h.reportFinished(ctx, task, logs, false)
			return false, err
		}

		values := map[string]string{"Name": meta.Name, "Version": meta.Version, "Url": meta.URL, "BasePath": destDir}
		for suffix, v := range values {
			allVariables[fmt.Sprintf("Step.%s.%s", p.Name, suffix)] = model.VariableValue{Value: v, Type: model.VarText}
			env = append(env, fmt.Sprintf("Kraken.Step.%s.%s=%s", p.Name, suffix, v))
		}
	}

	resolved := variables.Resolve(task.ScriptToExecute, allVariables)
	wrapped := wrapScript(resolved)

	installRoot := scriptrunner.InstallRoot(h.baseRoot, task.AgentID, task.Environment, task.ReleaseVersion, task.StepOrder)
	runner := h.newRunner(lineCounter)

	_, runErr := runner.Run(ctx, installRoot, wrapped, onLine, cancel, env)
	buf.FinalFlush()

	success := runErr == nil
	if !success {
		h.logger.Warn("deploy: step failed", "deploymentId", task.DeploymentID, "step", task.StepOrder, "error", runErr)
	}
	h.reportFinished(ctx, task, logs, success)
	return success, runErr
}

func (h *Handler) reportFinished(ctx context.Context, task model.DeploymentStepTask, logs *stepLogs, success bool) {
	status := "Failed"
	if success {
		status = "Successful"
	}
	h.cp.ReportStepResult(ctx, controlplane.StepResult{
		DeploymentID: task.DeploymentID,
		AgentID:      task.AgentID,
		Status:       status,
		StepID:       task.StepOrder,
		Logs:         logs.transcript(),
	})
}

func wrapScript(body string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("$ErrorActionPreference = \"Stop\"\ntry { %s } catch { Write-Host 'ERROR: ' + $_.Exception.Message; exit 1 }\nexit 0\n", body)
	}
	return fmt.Sprintf("#!/bin/bash\nset -euo pipefail\n( %s )\n", body)
}
