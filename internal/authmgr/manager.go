// Package authmgr implements the auth token manager: the sole owner of the
// in-memory AuthState, responsible for proactive refresh ahead of expiry
// and reactive refresh on 401.
package authmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
	"github.com/krakendeploy-com/kraken-agent/internal/tokenstore"
)

const refreshTimeout = 15 * time.Second

// refreshSkew is how far ahead of expiry ensureValid proactively refreshes.
const refreshSkew = 60 * time.Second

// TokenStore is the subset of tokenstore.Store that authmgr depends on.
type TokenStore interface {
	Save(rootPath, token string) error
	LoadToken(rootPath string) (string, error)
}

var _ TokenStore = (*tokenstore.Store)(nil)

// Manager owns the process's single AuthState instance.
type Manager struct {
	mu       sync.Mutex
	state    model.AuthState
	identity model.AgentIdentity
	endpoint model.EndpointConfig
	store    TokenStore
	rootPath string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Manager seeded from the token store (or an empty refresh
// token if none is persisted yet).
func New(identity model.AgentIdentity, endpoint model.EndpointConfig, store TokenStore, rootPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		identity: identity,
		endpoint: endpoint,
		store:    store,
		rootPath: rootPath,
		logger:   logger,
		now:      time.Now,
	}
	if tok, err := store.LoadToken(rootPath); err == nil {
		m.state.RefreshToken = tok
	} else {
		logger.Warn("authmgr: failed to load persisted refresh token", "error", err)
	}
	return m
}

// AccessToken returns the current access token under lock, for callers that
// need to read-then-use it in a single local step.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccessToken
}

// EnsureValid refreshes the access token if it expires within refreshSkew.
func (m *Manager) EnsureValid(ctx context.Context) {
	m.mu.Lock()
	expiresAt := m.state.ExpiresAt
	m.mu.Unlock()

	if expiresAt.After(m.now().Add(refreshSkew)) {
		return
	}
	m.Refresh(ctx)
}

// Refresh performs a token refresh. It never panics or returns an error to
// the caller: failures are logged and reported via the bool return so the
// polling loop can continue.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.mu.Lock()
	refreshToken := m.state.RefreshToken
	m.mu.Unlock()

	if persisted, err := m.store.LoadToken(m.rootPath); err == nil && persisted != "" {
		refreshToken = persisted
	}

	reqBody, err := json.Marshal(map[string]string{
		"refreshToken": refreshToken,
		"agentId":      m.identity.AgentID.String(),
	})
	if err != nil {
		m.logger.Error("authmgr: failed to marshal refresh request", "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	url := m.endpoint.AuthURL + "/agent/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		m.logger.Error("authmgr: failed to build refresh request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: refreshTimeout}
	resp, err := client.Do(req)
	if err != nil {
		m.logger.Warn("authmgr: refresh request failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		m.logger.Warn("authmgr: refresh rejected", "status", resp.StatusCode, "body", string(body))
		return false
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		ExpiresIn    int    `json:"expiresIn"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		m.logger.Error("authmgr: failed to decode refresh response", "error", err)
		return false
	}

	m.mu.Lock()
	m.state.AccessToken = payload.AccessToken
	m.state.ExpiresAt = m.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	if payload.RefreshToken != "" {
		m.state.RefreshToken = payload.RefreshToken
	}
	rotated := payload.RefreshToken
	m.mu.Unlock()

	if rotated != "" {
		if err := m.store.Save(m.rootPath, rotated); err != nil {
			m.logger.Error("authmgr: failed to persist rotated refresh token", "error", err)
		}
	}

	return true
}

// State returns a copy of the current AuthState for diagnostics.
func (m *Manager) State() model.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
