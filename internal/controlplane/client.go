// Package controlplane implements the control-plane HTTP client:
// authenticated calls with a single retry-on-401, benign handling of
// 409/204, and Offline-marking of any other non-2xx response.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

const requestTimeout = 30 * time.Second

// TokenManager is the subset of authmgr.Manager the client needs.
type TokenManager interface {
	EnsureValid(ctx context.Context)
	AccessToken() string
	Refresh(ctx context.Context) bool
}

// Outcome classifies a call's effect on agent status.
type Outcome int

const (
	OutcomeOK        Outcome = iota
	OutcomeNoWork            // 204, 409, or an empty task body: no task (the runtime resets its polling interval on any of these)
	OutcomeUnhealthy         // network timeout/connection failure
	OutcomeOffline           // any other non-2xx
)

// Client issues authenticated requests against the control plane.
type Client struct {
	identity model.AgentIdentity
	endpoint model.EndpointConfig
	tokens   TokenManager
	logger   *slog.Logger
	limiter  *rate.Limiter
	tracer   trace.Tracer
}

// New creates a Client. Outbound calls pass through a rate limiter (20 per
// second, burst 5) that guards against bursty log-flush traffic from the
// deploy handler.
func New(identity model.AgentIdentity, endpoint model.EndpointConfig, tokens TokenManager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		identity: identity,
		endpoint: strip(endpoint),
		tokens:   tokens,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(20), 5),
		tracer:   otel.Tracer("kraken-agent/controlplane"),
	}
}

// SetTracer overrides the client's tracer, e.g. with one backed by the
// agent's configured exporter. Spans never alter control flow, retry
// count, or classification; they exist purely for operator observability.
func (c *Client) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		c.tracer = tracer
	}
}

func strip(e model.EndpointConfig) model.EndpointConfig {
	e.AgentAPIURL = strings.TrimRight(e.AgentAPIURL, "/")
	e.AuthURL = strings.TrimRight(e.AuthURL, "/")
	return e
}

func (c *Client) base() string {
	return fmt.Sprintf("%s/organization/%s/workspaces/%s/agents/%s",
		c.endpoint.AgentAPIURL, c.identity.OrganizationID, c.identity.WorkspaceID, c.identity.AgentID.String())
}

// NextTaskURL, PostLogsURL, StepResultURL, StartedURL, and SetOfflineURL are
// the literal endpoint templates the control plane expects.
func (c *Client) NextTaskURL() string   { return c.base() + "/next-task" }
func (c *Client) PostLogsURL() string   { return c.base() + "/post-logs" }
func (c *Client) StepResultURL() string { return c.base() + "/step-result" }
func (c *Client) SetOfflineURL() string { return c.base() + "/set-offline" }

// StartedURL deliberately omits a leading slash before deploymentID; the
// control plane's router requires this exact form.
func (c *Client) StartedURL(deploymentID string, step int) string {
	return fmt.Sprintf("%s/deployment%s/step/%d/started", c.base(), deploymentID, step)
}

// doJSON performs one authenticated call with retry-on-401, returning the
// decoded body (if respOut != nil) and an Outcome classifying the result.
func (c *Client) doJSON(ctx context.Context, method, url string, body any, respOut any) Outcome {
	ctx, span := c.tracer.Start(ctx, "controlplane."+path.Base(url))
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", url))
	outcome := c.doJSONTraced(ctx, method, url, body, respOut)
	if outcome == OutcomeOffline || outcome == OutcomeUnhealthy {
		span.SetStatus(codes.Error, outcomeLabel(outcome))
	}
	span.SetAttributes(attribute.String("kraken.outcome", outcomeLabel(outcome)))
	span.End()
	return outcome
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoWork:
		return "no_work"
	case OutcomeUnhealthy:
		return "unhealthy"
	default:
		return "offline"
	}
}

func (c *Client) doJSONTraced(ctx context.Context, method, url string, body any, respOut any) Outcome {
	if c.limiter != nil {
		_ = c.limiter.Wait(ctx)
	}

	c.tokens.EnsureValid(ctx)

	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("controlplane: marshal request body", "error", err)
			return OutcomeOffline
		}
		raw = b
	}
	// payload builds a fresh reader per attempt so the 401 retry resends the body.
	payload := func() io.Reader {
		if raw == nil {
			return nil
		}
		return bytes.NewReader(raw)
	}

	resp, err := c.send(ctx, method, url, payload())
	if err != nil {
		c.logger.Warn("controlplane: request failed", "url", url, "error", err)
		return OutcomeUnhealthy
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.tokens.Refresh(ctx) {
			resp2, err := c.send(ctx, method, url, payload())
			if err != nil {
				c.logger.Warn("controlplane: retry after refresh failed", "url", url, "error", err)
				return OutcomeUnhealthy
			}
			defer func() { _ = resp2.Body.Close() }()
			return c.classify(resp2, respOut)
		}
	}

	return c.classify(resp, respOut)
}

func (c *Client) send(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken())
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: requestTimeout}
	return client.Do(req)
}

func (c *Client) classify(resp *http.Response, respOut any) Outcome {
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return OutcomeNoWork
	case resp.StatusCode == http.StatusConflict:
		return OutcomeNoWork
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if respOut != nil {
			if err := json.NewDecoder(resp.Body).Decode(respOut); err != nil {
				c.logger.Error("controlplane: decode response", "error", err)
				return OutcomeOffline
			}
		}
		return OutcomeOK
	default:
		return OutcomeOffline
	}
}

// NextTask fetches the next task envelope. A nil task with OutcomeOK never
// occurs; callers distinguish "no work" via Outcome.
func (c *Client) NextTask(ctx context.Context, envelope any) (*model.AgentTask, Outcome) {
	var raw struct {
		ID      string          `json:"id"`
		Type    model.TaskType  `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	outcome := c.doJSON(ctx, http.MethodPost, c.NextTaskURL(), envelope, &raw)
	if outcome != OutcomeOK {
		return nil, outcome
	}
	if raw.ID == "" && raw.Type == "" {
		return nil, OutcomeNoWork
	}
	return &model.AgentTask{ID: raw.ID, Type: raw.Type, Payload: raw.Payload}, OutcomeOK
}

// DeployLogBatch is the payload posted to PostLogsURL.
type DeployLogBatch struct {
	DeploymentID string                 `json:"deploymentId"`
	StepID       int                    `json:"stepId"`
	AgentID      string                 `json:"agentId"`
	Logs         []model.ScriptLogLine  `json:"logs"`
}

// PostLogs flushes a batch of log lines. Returns true on HTTP success.
func (c *Client) PostLogs(ctx context.Context, batch DeployLogBatch) bool {
	outcome := c.doJSON(ctx, http.MethodPost, c.PostLogsURL(), batch, nil)
	return outcome == OutcomeOK
}

// StepResult is the payload posted to StepResultURL.
type StepResult struct {
	DeploymentID string `json:"deploymentId"`
	AgentID      string `json:"agentId"`
	Status       string `json:"status"`
	StepID       int    `json:"stepId"`
	Logs         string `json:"logs"`
}

// ReportStepResult posts the final step outcome.
func (c *Client) ReportStepResult(ctx context.Context, result StepResult) bool {
	outcome := c.doJSON(ctx, http.MethodPost, c.StepResultURL(), result, nil)
	return outcome == OutcomeOK
}

// ReportStarted PUTs the started URL. Failure is logged but non-fatal.
func (c *Client) ReportStarted(ctx context.Context, deploymentID string, step int) {
	outcome := c.doJSON(ctx, http.MethodPut, c.StartedURL(deploymentID, step), nil, nil)
	if outcome != OutcomeOK {
		c.logger.Warn("controlplane: report-started failed", "deploymentId", deploymentID, "step", step)
	}
}

// SetOffline PUTs the set-offline URL as part of clean shutdown.
func (c *Client) SetOffline(ctx context.Context) {
	c.doJSON(ctx, http.MethodPut, c.SetOfflineURL(), nil, nil)
}
