package deploy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

const (
	flushCountThreshold = 10
	flushInterval       = 2 * time.Second
)

// flushFunc posts a batch of log lines and reports whether the post
// succeeded. On failure the caller retains the batch for the next attempt.
type flushFunc func(batch []model.ScriptLogLine) bool

// logBuffer accumulates pending log lines for one step and flushes them
// when either flushCountThreshold entries are pending or flushInterval has
// elapsed since the last successful flush. It never drops a line: a failed
// flush leaves the buffer untouched for the next Add or FinalFlush to retry.
type logBuffer struct {
	mu        sync.Mutex
	lines     []model.ScriptLogLine
	lastFlush time.Time
	flush     flushFunc
}

func newLogBuffer(flush flushFunc) *logBuffer {
	return &logBuffer{lastFlush: time.Now(), flush: flush}
}

// Add appends a line and flushes if a trigger condition is met.
func (b *logBuffer) Add(line model.ScriptLogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) >= flushCountThreshold || time.Since(b.lastFlush) >= flushInterval {
		b.flushLocked()
	}
}

// FinalFlush unconditionally flushes any remaining lines. Called on both
// the success and failure paths before report-finished.
func (b *logBuffer) FinalFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *logBuffer) flushLocked() {
	if len(b.lines) == 0 {
		return
	}
	snapshot := append([]model.ScriptLogLine(nil), b.lines...)
	if b.flush(snapshot) {
		b.lines = nil
		b.lastFlush = time.Now()
	}
}

// stepLogs retains every line produced during a step, independent of
// flush batching, so the final step-result can report the full transcript
// ordered by Line.
type stepLogs struct {
	mu  sync.Mutex
	all []model.ScriptLogLine
}

func (s *stepLogs) append(line model.ScriptLogLine) {
	s.mu.Lock()
	s.all = append(s.all, line)
	s.mu.Unlock()
}

// transcript returns all lines newline-joined in ascending Line order.
func (s *stepLogs) transcript() string {
	s.mu.Lock()
	sorted := append([]model.ScriptLogLine(nil), s.all...)
	s.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Line < sorted[j].Line })

	parts := make([]string, len(sorted))
	for i, l := range sorted {
		parts[i] = l.Message
	}
	return strings.Join(parts, "\n")
}
