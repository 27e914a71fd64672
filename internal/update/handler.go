// Package update implements the self-update handler (spec component I):
// download the installer zip, extract it, and hand control to it. The
// installer is responsible for stopping and replacing the agent process;
// this handler never orchestrates its own shutdown.
package update

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

// Handler downloads and launches an agent installer.
type Handler struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Handler.
func New(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{httpClient: &http.Client{}, logger: logger}
}

func installerExecutableName() string {
	if runtime.GOOS == "windows" {
		return "installer.exe"
	}
	return "installer"
}

// Handle downloads task's installer zip for the current platform, extracts
// it to a temp directory, and spawns the installer executable, passing
// identity via flags. It returns once the installer has been started; it
// does not wait for it to finish, since the installer replaces this process.
func (h *Handler) Handle(ctx context.Context, identity model.AgentIdentity, task model.UpdateTask) error {
	tempDir, err := os.MkdirTemp("", "kraken-update-")
	if err != nil {
		return fmt.Errorf("update: create temp dir: %w", err)
	}

	zipPath := filepath.Join(tempDir, "installer.zip")
	if err := h.downloadWithRetry(ctx, task.InstallerURL, zipPath); err != nil {
		return fmt.Errorf("update: download installer: %w", err)
	}

	extractDir := filepath.Join(tempDir, "extracted")
	if err := extractZip(zipPath, extractDir); err != nil {
		return fmt.Errorf("update: extract installer: %w", err)
	}

	binPath, err := findInstaller(extractDir)
	if err != nil {
		return fmt.Errorf("update: locate installer binary: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(binPath, 0755); err != nil {
			return fmt.Errorf("update: chmod installer binary: %w", err)
		}
	}

	cmd := exec.Command(binPath, "--agentId", identity.AgentID.String(), "--workspaceId", identity.WorkspaceID, "--debug")
	cmd.Dir = extractDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("update: spawn installer: %w", err)
	}

	h.logger.Info("update: installer spawned", "version", task.Version, "pid", cmd.Process.Pid)
	return nil
}

// downloadWithRetry wraps the installer transfer in a small bounded retry.
// Unlike the control-plane client's exactly-once 401 retry, nothing in the
// agent's testable properties constrains this call's retry count.
func (h *Handler) downloadWithRetry(ctx context.Context, url, dest string) error {
	op := func() (struct{}, error) {
		return struct{}{}, h.download(ctx, url, dest)
	}
	_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

func (h *Handler) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("installer fetch returned status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create dest: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write dest: %w", err)
	}
	return nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return fmt.Errorf("zip entry %q escapes extract dir", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %q: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %q: %w", target, err)
	}
	return nil
}

func findInstaller(root string) (string, error) {
	want := installerExecutableName()
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return err
		}
		if !d.IsDir() && d.Name() == want {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no %q found under %s", want, root)
	}
	return found, nil
}
