package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/krakendeploy-com/kraken-agent/internal/controlplane"
	"github.com/krakendeploy-com/kraken-agent/internal/model"
	"github.com/krakendeploy-com/kraken-agent/internal/scriptrunner"
)

type fakeControlPlane struct {
	mu          sync.Mutex
	started     int
	postLogs    []controlplane.DeployLogBatch
	stepResults []controlplane.StepResult
}

func (f *fakeControlPlane) ReportStarted(ctx context.Context, deploymentID string, step int) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeControlPlane) PostLogs(ctx context.Context, batch controlplane.DeployLogBatch) bool {
	f.mu.Lock()
	f.postLogs = append(f.postLogs, batch)
	f.mu.Unlock()
	return true
}

func (f *fakeControlPlane) ReportStepResult(ctx context.Context, result controlplane.StepResult) bool {
	f.mu.Lock()
	f.stepResults = append(f.stepResults, result)
	f.mu.Unlock()
	return true
}

type fakeFetcher struct {
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	f.fetched = append(f.fetched, rawURL)
	return destDir + "/artifact.bin", nil
}

// scriptedRunner emits a fixed set of lines (ignoring the script body) and
// returns a preset error, letting handler tests exercise flush triggers and
// failure paths without spawning a real subprocess.
type scriptedRunner struct {
	lines   []string
	lineLvl model.LogLevel
	err     error

	// capture what the handler resolved into the script body and env.
	gotScript string
	gotEnv    []string
}

func (r *scriptedRunner) Run(ctx context.Context, installRoot, scriptBody string, onLine scriptrunner.OnLine, cancel <-chan struct{}, env []string) (string, error) {
	r.gotScript = scriptBody
	r.gotEnv = env
	for _, msg := range r.lines {
		onLine(model.ScriptLogLine{Level: r.lineLvl, Message: msg})
	}
	return "", r.err
}

func newHandlerWithRunner(cp ControlPlane, fetcher Fetcher, runner *scriptedRunner) *Handler {
	h := New(cp, fetcher, nil)
	h.newRunner = func(counter *atomic.Int64) ScriptRunner {
		return &lineCountingRunner{inner: runner, counter: counter}
	}
	return h
}

// lineCountingRunner assigns the monotonic Line number the real scriptrunner
// would have assigned, since scriptedRunner's canned lines don't know about
// the handler's shared atomic counter.
type lineCountingRunner struct {
	inner   *scriptedRunner
	counter *atomic.Int64
}

func (r *lineCountingRunner) Run(ctx context.Context, installRoot, scriptBody string, onLine scriptrunner.OnLine, cancel <-chan struct{}, env []string) (string, error) {
	return r.inner.Run(ctx, installRoot, scriptBody, func(l model.ScriptLogLine) {
		l.Line = r.counter.Add(1)
		onLine(l)
	}, cancel, env)
}

func TestHandleDeploySuccessReportsSuccessfulWithArtifactVariable(t *testing.T) {
	cp := &fakeControlPlane{}
	fetcher := &fakeFetcher{}
	runner := &scriptedRunner{lines: []string{"build ok"}, lineLvl: model.LevelInfo}
	h := newHandlerWithRunner(cp, fetcher, runner)

	task := model.DeploymentStepTask{
		AgentID:        "agent-1",
		DeploymentID:   "dep-1",
		StepOrder:      1,
		Environment:    "prod",
		ReleaseVersion: "1.2.3",
		StepParameters: []model.StepParameter{
			{
				Name:        "myapp",
				ControlType: controlTypeSelectArtifact,
				ArtifactMeta: &model.ArtifactMetadata{
					Name: "myapp", Version: "1.2.3", URL: "https://example.com/myapp.zip",
				},
			},
		},
		ScriptToExecute: "deploy $Kraken.Step.myapp.BasePath",
	}

	ok, err := h.Handle(context.Background(), task, make(chan struct{}))
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if cp.started != 1 {
		t.Fatalf("expected exactly one report-started, got %d", cp.started)
	}
	if len(cp.stepResults) != 1 || cp.stepResults[0].Status != "Successful" {
		t.Fatalf("expected one Successful step-result, got %+v", cp.stepResults)
	}
	if len(fetcher.fetched) != 1 {
		t.Fatalf("expected one artifact fetch, got %d", len(fetcher.fetched))
	}

	wantEnv := "Kraken.Step.myapp.BasePath=" + ArtifactsRoot() + "/agent-1/myapp/1.2.3"
	found := false
	for _, e := range runner.gotEnv {
		if e == wantEnv {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected env entry %q, got %v", wantEnv, runner.gotEnv)
	}
	if runner.gotScript == "" {
		t.Fatal("expected script body to be resolved and wrapped")
	}
}

func TestHandleDeployFailingScriptReportsFailedWithErrorLastLine(t *testing.T) {
	cp := &fakeControlPlane{}
	fetcher := &fakeFetcher{}
	runner := &scriptedRunner{
		lines:   []string{"starting", "ERROR: boom"},
		lineLvl: model.LevelError,
		err:     fmt.Errorf("exit status 1"),
	}
	h := newHandlerWithRunner(cp, fetcher, runner)

	task := model.DeploymentStepTask{
		AgentID:         "agent-1",
		DeploymentID:    "dep-2",
		StepOrder:       2,
		ScriptToExecute: "false",
	}

	ok, err := h.Handle(context.Background(), task, make(chan struct{}))
	if ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
	if len(cp.stepResults) != 1 || cp.stepResults[0].Status != "Failed" {
		t.Fatalf("expected one Failed step-result, got %+v", cp.stepResults)
	}
	if len(cp.postLogs) == 0 {
		t.Fatal("expected at least one post-logs flush (final flush)")
	}
	lastBatch := cp.postLogs[len(cp.postLogs)-1].Logs
	if len(lastBatch) == 0 || lastBatch[len(lastBatch)-1].Level != model.LevelError {
		t.Fatalf("expected last flushed log line to be ERROR, got %+v", lastBatch)
	}
}

func TestHandleFlushTriggerBatchesTenTenFive(t *testing.T) {
	cp := &fakeControlPlane{}
	fetcher := &fakeFetcher{}

	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	runner := &scriptedRunner{lines: lines, lineLvl: model.LevelInfo}
	h := newHandlerWithRunner(cp, fetcher, runner)

	task := model.DeploymentStepTask{AgentID: "agent-1", DeploymentID: "dep-3", StepOrder: 1, ScriptToExecute: "true"}

	ok, err := h.Handle(context.Background(), task, make(chan struct{}))
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	if len(cp.postLogs) != 3 {
		t.Fatalf("expected exactly 3 post-logs flushes, got %d", len(cp.postLogs))
	}
	sizes := []int{len(cp.postLogs[0].Logs), len(cp.postLogs[1].Logs), len(cp.postLogs[2].Logs)}
	if sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 5 {
		t.Fatalf("expected batch sizes 10,10,5, got %v", sizes)
	}

	if len(cp.stepResults) != 1 || cp.stepResults[0].Status != "Successful" {
		t.Fatalf("expected one Successful step-result, got %+v", cp.stepResults)
	}
}
