package update

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

func TestHandleDownloadsExtractsAndSpawnsInstaller(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("spawns a shell script, requires bash")
	}

	var zipBuf bytes.Buffer
	w := zip.NewWriter(&zipBuf)
	fw, err := w.Create(installerExecutableName())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("#!/bin/bash\nexit 0\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write(zipBuf.Bytes())
	}))
	defer srv.Close()

	h := New(nil)
	identity := model.AgentIdentity{AgentID: uuid.New(), WorkspaceID: "ws-1"}
	task := model.UpdateTask{InstallerURL: srv.URL, Version: "2.0.0"}

	if err := h.Handle(context.Background(), identity, task); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestDownloadWithRetryFailsAfterMaxTries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(nil)
	dest := filepath.Join(t.TempDir(), "installer.zip")
	err := h.downloadWithRetry(context.Background(), srv.URL, dest)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls == 0 {
		t.Fatal("expected at least one attempt")
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Fatal("expected no file written on persistent failure")
	}
}

func TestExtractZipRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("../../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("x"))
	_ = w.Close()

	zipPath := filepath.Join(t.TempDir(), "bad.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	destDir := filepath.Join(t.TempDir(), "extract")
	if err := extractZip(zipPath, destDir); err == nil {
		t.Fatal("expected rejection of a path-traversal zip entry")
	}
}
