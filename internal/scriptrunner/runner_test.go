package scriptrunner

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

func TestSanitizeEnvironmentCollapsesUnsafeChars(t *testing.T) {
	got := SanitizeEnvironment("prod / staging!!*env")
	want := "prod_staging_env"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInstallRootLayout(t *testing.T) {
	got := InstallRoot("/base", "agent-1", "prod env", "1.2.3", 4)
	want := "/base/agent-1/prod_env/1.2.3/script/4"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestClassifyLevels(t *testing.T) {
	cases := map[string]model.LogLevel{
		"ERROR: boom":       model.LevelError,
		"operation failed":  model.LevelError,
		"WARN: slow disk":   model.LevelWarn,
		"INFO: starting up": model.LevelInfo,
		"plain message":     model.LevelInfo,
	}
	for line, want := range cases {
		if got := classify(line, model.LevelInfo); got != want {
			t.Errorf("classify(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestRunProducesMonotonicGapFreeLines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	dir := t.TempDir()
	counter := &atomic.Int64{}
	r := New(counter)

	script := "#!/bin/bash\nset -euo pipefail\n( echo line1; echo line2 1>&2; echo line3 )\n"

	var mu sync.Mutex
	var lines []model.ScriptLogLine
	onLine := func(l model.ScriptLogLine) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}

	transcript, err := r.Run(context.Background(), dir, script, onLine, make(chan struct{}), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if transcript == "" {
		t.Fatal("expected non-empty transcript")
	}

	seen := make(map[int64]bool)
	var maxLine int64
	for _, l := range lines {
		if seen[l.Line] {
			t.Fatalf("duplicate line number %d", l.Line)
		}
		seen[l.Line] = true
		if l.Line > maxLine {
			maxLine = l.Line
		}
	}
	for i := int64(1); i <= maxLine; i++ {
		if !seen[i] {
			t.Fatalf("gap at line %d", i)
		}
	}
	if maxLine != 3 {
		t.Fatalf("expected 3 lines, got %d", maxLine)
	}
}

func TestRunFailingScriptReturnsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	dir := t.TempDir()
	counter := &atomic.Int64{}
	r := New(counter)

	script := "#!/bin/bash\nset -euo pipefail\n( echo 'ERROR: boom' 1>&2; exit 1 )\n"

	var mu sync.Mutex
	var lines []model.ScriptLogLine
	onLine := func(l model.ScriptLogLine) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}

	_, err := r.Run(context.Background(), dir, script, onLine, make(chan struct{}), nil)
	if err == nil {
		t.Fatal("expected non-nil error for nonzero exit")
	}
	if len(lines) == 0 || lines[len(lines)-1].Level != model.LevelError {
		t.Fatalf("expected last log line to be ERROR, got %+v", lines)
	}
}
