// Package model defines the data types shared across kraken-agent's
// components: identity, auth state, task payloads, and log/retention records.
package model

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// AgentIdentity is immutable once loaded at startup.
type AgentIdentity struct {
	AgentID        uuid.UUID
	WorkspaceID    string
	OrganizationID string
}

// DefaultAgentVersion is used when the binary was built without the
// version ldflag (e.g. a local `go build`).
const DefaultAgentVersion = "0.0.0-dev"

// ParseAgentVersion parses a build-time version string, falling back to
// DefaultAgentVersion on a malformed or empty input so a bad ldflag never
// prevents the agent from starting.
func ParseAgentVersion(raw string) *semver.Version {
	if raw == "" {
		raw = DefaultAgentVersion
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		v = semver.MustParse(DefaultAgentVersion)
	}
	return v
}

// EndpointConfig holds the absolute HTTPS bases the agent talks to.
type EndpointConfig struct {
	AgentAPIURL string
	AuthURL     string
}

// AuthState is the process-global, single-instance auth record. It is
// mutated only by the auth token manager (internal/authmgr).
type AuthState struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// AgentStatus reflects the agent's health as reported to the control plane.
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "Healthy"
	StatusUnhealthy AgentStatus = "Unhealthy"
	StatusOffline   AgentStatus = "Offline"
	StatusUpdating  AgentStatus = "Updating"
)

// AgentState reflects whether the agent is executing a task.
type AgentState string

const (
	StateWaiting AgentState = "Waiting"
	StateBusy    AgentState = "Busy"
)

// TaskType discriminates AgentTask.Payload.
type TaskType string

const (
	TaskDeploy   TaskType = "Deploy"
	TaskUpdate   TaskType = "Update"
	TaskCleanup  TaskType = "Cleanup"
	TaskUnknown  TaskType = ""
)

// AgentTask is the tagged union returned by the control plane's next-task
// endpoint. Payload is decoded by whichever handler Type selects.
type AgentTask struct {
	ID      string
	Type    TaskType
	Payload []byte // raw JSON, decoded by the selected handler
}

// VariableKind distinguishes secret variables from ordinary text. Secrets
// are injected into the script environment like any other variable, and
// script output is forwarded to log batches without redaction.
type VariableKind string

const (
	VarText   VariableKind = "Text"
	VarSecret VariableKind = "Secret"
)

// VariableValue is a single named value available to variable resolution.
type VariableValue struct {
	Value string
	Type  VariableKind
}

// ArtifactMetadata describes a downloadable deployment artifact.
type ArtifactMetadata struct {
	Name     string
	Version  string
	URL      string
	BasePath string
}

// StepParameter is one named parameter of a deployment step.
type StepParameter struct {
	Name         string
	ControlType  string
	Value        string
	ArtifactMeta *ArtifactMetadata // required when ControlType == "SelectArtifact"
}

// DeploymentStepTask is the payload of a TaskDeploy AgentTask.
type DeploymentStepTask struct {
	AgentID          string
	DeploymentID     string
	StepOrder        int
	Environment      string
	ReleaseVersion   string
	Variables        map[string]VariableValue
	StepParameters   []StepParameter
	ScriptToExecute  string
}

// LogLevel classifies a single script log line.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelDebug LogLevel = "DEBUG"
)

// ScriptLogLine is one line of classified script output. Line is monotonic
// and gap-free per step, across both direct-appended and runner-produced
// lines.
type ScriptLogLine struct {
	Line      int64
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// RetentionPolicy scopes a retention rule, optionally to one environment.
type RetentionPolicy struct {
	Enabled               bool
	Environment           *uuid.UUID
	RetainDeployedVersions int
	RetainDays            int
}

// CleanupTask is the payload of a TaskCleanup AgentTask.
type CleanupTask struct {
	RetentionPolicies []RetentionPolicy
}

// UpdateTask is the payload of a TaskUpdate AgentTask.
type UpdateTask struct {
	InstallerURL string
	Version      string
}
