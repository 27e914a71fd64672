package authmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

type memStore struct {
	token string
}

func (m *memStore) Save(rootPath, token string) error {
	m.token = token
	return nil
}

func (m *memStore) LoadToken(rootPath string) (string, error) {
	return m.token, nil
}

func newManager(t *testing.T, handler http.HandlerFunc) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	identity := model.AgentIdentity{AgentID: uuid.New(), WorkspaceID: "ws", OrganizationID: "org"}
	endpoint := model.EndpointConfig{AuthURL: srv.URL}
	store := &memStore{token: "seed-refresh"}
	mgr := New(identity, endpoint, store, t.TempDir(), nil)
	return mgr, srv
}

func TestRefreshSuccessUpdatesStateAndRotatesToken(t *testing.T) {
	mgr, srv := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-access",
			"expiresIn":    3600,
			"refreshToken": "rotated-refresh",
		})
	})
	defer srv.Close()

	ok := mgr.Refresh(context.Background())
	require.True(t, ok, "expected Refresh to succeed")
	assert.Equal(t, "new-access", mgr.AccessToken())
	state := mgr.State()
	assert.Equal(t, "rotated-refresh", state.RefreshToken)
	assert.True(t, state.ExpiresAt.After(time.Now()), "expected ExpiresAt in the future")
}

func TestRefreshFailureReturnsFalseWithoutMutating(t *testing.T) {
	mgr, srv := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	before := mgr.State()
	ok := mgr.Refresh(context.Background())
	assert.False(t, ok, "expected Refresh to fail")
	assert.Equal(t, before, mgr.State(), "expected state unchanged on failure")
}

func TestEnsureValidSkipsWhenFarFromExpiry(t *testing.T) {
	calls := 0
	mgr, srv := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "a", "expiresIn": 3600})
	})
	defer srv.Close()

	mgr.mu.Lock()
	mgr.state.ExpiresAt = time.Now().Add(time.Hour)
	mgr.mu.Unlock()

	mgr.EnsureValid(context.Background())
	assert.Equal(t, 0, calls, "expected no refresh call")
}

func TestEnsureValidRefreshesWhenNearExpiry(t *testing.T) {
	calls := 0
	mgr, srv := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "a", "expiresIn": 3600})
	})
	defer srv.Close()

	mgr.mu.Lock()
	mgr.state.ExpiresAt = time.Now().Add(10 * time.Second)
	mgr.mu.Unlock()

	mgr.EnsureValid(context.Background())
	assert.Equal(t, 1, calls, "expected exactly 1 refresh call")
}

// TestConsecutiveRefreshesNoLostWrites checks that after two consecutive
// successful refreshes, each write is observed: the second refresh's access
// token replaces the first one's and is what AccessToken returns.
func TestConsecutiveRefreshesNoLostWrites(t *testing.T) {
	seq := 0
	mgr, srv := newManager(t, func(w http.ResponseWriter, r *http.Request) {
		seq++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "access-" + time.Now().Format("150405.000000"),
			"expiresIn":   3600,
		})
	})
	defer srv.Close()

	require.True(t, mgr.Refresh(context.Background()), "first refresh failed")
	first := mgr.AccessToken()

	require.True(t, mgr.Refresh(context.Background()), "second refresh failed")
	second := mgr.AccessToken()

	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, mgr.AccessToken(), "expected latest write to be observed")
}
