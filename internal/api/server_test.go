package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/app"
	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

const testConfig = `
auth:
  jwt_secret: api-test-secret
environments:
  production:
    engine: memory
  development:
    engine: memory
audit:
  sink: memory
backup:
  provider: memory
safety:
  process_environment: development
sync:
  enabled: true
  tables: [users]
  directions:
    - source: production
      target: development
`

type testEnv struct {
	app *app.App
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})

	a.Memory.Seed(models.EnvProduction, "users", []models.Row{
		{"id": 1, "email": "john@example.com"},
		{"id": 2, "email": "jane@example.com"},
	})

	srv := httptest.NewServer(NewServer(a).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{app: a, srv: srv}
}

func (e *testEnv) token(t *testing.T, caller models.Caller) string {
	t.Helper()
	token, _, err := e.app.Auth.IssueToken(caller, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (*http.Response, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

var (
	admin = models.Caller{
		ID:          "ops-admin",
		Role:        models.RoleAdmin,
		Permissions: []string{"production:access", "development:access"},
	}
	developer = models.Caller{
		ID:          "dev-1",
		Role:        models.RoleDeveloper,
		Permissions: []string{"development:access"},
	}
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Status  models.HealthStatus `json:"status"`
		Details struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"details"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, models.HealthHealthy, report.Status)
	assert.False(t, report.Details.Timestamp.IsZero())
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/v1/jobs", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTriggerSync(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/api/v1/sync", env.token(t, admin),
		`{"source":"production","target":"development","options":{"createBackup":false}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%+v", out.Error)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["success"])
	assert.NotContains(t, data, "backupId")
	syncID := data["syncId"].(string)

	assert.Len(t, env.app.Memory.Rows(models.EnvDevelopment, "users"), 2)

	resp, out = env.do(t, http.MethodGet, "/api/v1/sync/"+syncID, env.token(t, developer), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, syncID, out.Data.(map[string]interface{})["syncId"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/sync/unknown", env.token(t, developer), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerSyncRefusals(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		caller models.Caller
		body   string
		status int
		code   string
	}{
		{"production target", admin, `{"source":"development","target":"production"}`, http.StatusBadRequest, "invalid_direction"},
		{"missing target", admin, `{"source":"production"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown option", admin, `{"source":"production","target":"development","options":{"dryRun":true}}`, http.StatusBadRequest, "invalid_options"},
		{"no production access", developer, `{"source":"production","target":"development"}`, http.StatusForbidden, "access_denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := env.do(t, http.MethodPost, "/api/v1/sync", env.token(t, tt.caller), tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
		})
	}
	assert.Empty(t, env.app.Memory.Rows(models.EnvDevelopment, "users"))
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodGet, "/api/v1/jobs", env.token(t, developer), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := out.Data.([]interface{})
	require.NotEmpty(t, jobs)
	jobID := jobs[0].(map[string]interface{})["id"].(string)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/run", env.token(t, developer), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/run", env.token(t, admin), "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/jobs/missing/run", env.token(t, admin), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = env.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, env.token(t, developer), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out.Data.(map[string]interface{}), "nextRuns")
}

func TestQueueStatsDisabled(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/v1/queue/stats", env.token(t, admin), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "queue_disabled", out.Error.Code)
}
