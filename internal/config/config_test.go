package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseSettings = `{
  "Agent":    { "Id": "11111111-1111-1111-1111-111111111111", "WorkspaceId": "ws-1", "OrganizationId": "org-1" },
  "AgentApi": { "Url": "https://api.example.com" },
  "Auth":     { "Url": "https://auth.example.com" }
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithoutOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agentsettings.json", baseSettings)

	settings, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", settings.Identity.WorkspaceID)
	assert.Equal(t, "https://api.example.com", settings.Endpoint.AgentAPIURL)
}

func TestLoadWithOverlayMergesOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agentsettings.json", baseSettings)
	writeFile(t, dir, "agentsettings.staging.json", `{ "AgentApi": { "Url": "https://staging-api.example.com" } }`)

	settings, err := Load(dir, "staging")
	require.NoError(t, err)
	assert.Equal(t, "https://staging-api.example.com", settings.Endpoint.AgentAPIURL, "overlay should override AgentApi.Url")
	assert.Equal(t, "https://auth.example.com", settings.Endpoint.AuthURL, "unoverridden Auth.Url should survive merge")
}

func TestLoadMissingOverlayFileFallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agentsettings.json", baseSettings)

	settings, err := Load(dir, "nonexistent-env")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", settings.Identity.WorkspaceID, "should fall back to base settings when overlay file is absent")
}

func TestLoadRejectsSchemaViolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agentsettings.json", `{ "Agent": { "Id": "x" } }`)

	_, err := Load(dir, "")
	assert.Error(t, err, "expected schema validation error for missing AgentApi/Auth")
}

func TestLoadRejectsNonUUIDAgentID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agentsettings.json", `{
		"Agent":    { "Id": "not-a-uuid", "WorkspaceId": "ws-1" },
		"AgentApi": { "Url": "https://api.example.com" },
		"Auth":     { "Url": "https://auth.example.com" }
	}`)

	_, err := Load(dir, "")
	assert.Error(t, err, "expected error for non-UUID Agent.Id")
}
