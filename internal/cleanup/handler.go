// Package cleanup implements the retention-based cleanup handler (spec
// component H): aggregate enabled retention policies by maximum, then prune
// installed versions and artifacts under the union of a count-based and an
// age-based keep set.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

// Handler prunes the artifact and installation roots for one agent.
type Handler struct {
	artifactsRoot     string
	installationsRoot string
	logger            *slog.Logger
	now               func() time.Time
	tracer            trace.Tracer
}

// New creates a Handler rooted at the given artifact and installation
// directories (ArtifactsRoot and InstallationsRoot give the platform
// defaults).
func New(artifactsRoot, installationsRoot string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		artifactsRoot:     artifactsRoot,
		installationsRoot: installationsRoot,
		logger:            logger,
		now:               time.Now,
		tracer:            otel.Tracer("kraken-agent/cleanup"),
	}
}

// SetTracer overrides the handler's tracer.
func (h *Handler) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		h.tracer = tracer
	}
}

// Handle aggregates task's enabled policies and prunes both per-agent roots.
// Individual directory failures are logged and do not abort sibling work.
func (h *Handler) Handle(agentID string, task model.CleanupTask) {
	_, span := h.tracer.Start(context.Background(), "cleanup.run")
	span.SetAttributes(attribute.String("kraken.agent_id", agentID))
	defer span.End()

	retainVersions, retainDays, any := aggregate(task.RetentionPolicies)
	if !any {
		span.SetAttributes(attribute.Bool("kraken.no_policy", true))
		return
	}

	cutoff := h.now().Add(-time.Duration(retainDays) * 24 * time.Hour)

	h.pruneRoot(filepath.Join(h.artifactsRoot, agentID), retainVersions, cutoff)
	h.pruneRoot(filepath.Join(h.installationsRoot, agentID), retainVersions, cutoff)
}

// aggregate reduces enabled policies to a single (retainVersions, retainDays)
// pair by taking the maximum of each field, treating negatives as 0. any is
// false (and the other return values meaningless) when no policy is enabled.
func aggregate(policies []model.RetentionPolicy) (retainVersions, retainDays int, any bool) {
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		any = true
		rv := p.RetainDeployedVersions
		if rv < 0 {
			rv = 0
		}
		rd := p.RetainDays
		if rd < 0 {
			rd = 0
		}
		if rv > retainVersions {
			retainVersions = rv
		}
		if rd > retainDays {
			retainDays = rd
		}
	}
	return
}

type versionDir struct {
	name    string
	path    string
	modTime time.Time
}

func (h *Handler) pruneRoot(root string, retainVersions int, cutoff time.Time) {
	families, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn("cleanup: read root", "root", root, "error", err)
		}
		return
	}

	for _, family := range families {
		if !family.IsDir() {
			continue
		}
		familyPath := filepath.Join(root, family.Name())
		h.pruneFamily(familyPath, retainVersions, cutoff)
		removeIfEmpty(familyPath)
	}

	removeIfEmpty(root)
}

func (h *Handler) pruneFamily(familyPath string, retainVersions int, cutoff time.Time) {
	entries, err := os.ReadDir(familyPath)
	if err != nil {
		h.logger.Warn("cleanup: read family", "family", familyPath, "error", err)
		return
	}

	versions := make([]versionDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			h.logger.Warn("cleanup: stat version", "path", filepath.Join(familyPath, e.Name()), "error", err)
			continue
		}
		versions = append(versions, versionDir{name: e.Name(), path: filepath.Join(familyPath, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].modTime.After(versions[j].modTime) })

	keep := make(map[string]bool, len(versions))
	for i, v := range versions {
		if i < retainVersions {
			keep[v.name] = true
		}
		if !v.modTime.Before(cutoff) {
			keep[v.name] = true
		}
	}

	for _, v := range versions {
		if keep[v.name] {
			continue
		}
		if err := removeRecursive(v.path); err != nil {
			h.logger.Warn("cleanup: remove version", "path", v.path, "error", err)
		}
	}
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// removeRecursive clears read-only attributes best-effort before removing a
// version directory, since a freshly-extracted artifact may be read-only on
// some platforms.
func removeRecursive(path string) error {
	_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		clearReadOnly(p, d)
		return nil
	})
	return os.RemoveAll(path)
}

func clearReadOnly(path string, d os.DirEntry) {
	mode := os.FileMode(0644)
	if d.IsDir() {
		mode = 0755
	}
	_ = os.Chmod(path, mode)
}

// ArtifactsRoot and InstallationsRoot return the platform-default roots
// Handle prunes, matching the script runner and deploy handler's layout.
func ArtifactsRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\Kraken\Artifacts`
	}
	return "/opt/kraken/Artifacts"
}

func InstallationsRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\Kraken\Installations`
	}
	return "/opt/kraken/Installations"
}
