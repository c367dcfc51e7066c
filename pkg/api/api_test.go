package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/deploy"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/orchestrator"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/session"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// stalledProvider never yields a sandbox. The build alarm namespace
// is not registered in these tests, so builds stay queued and the
// handlers are exercised in isolation.
type stalledProvider struct{}

func (stalledProvider) Acquire(ctx context.Context, buildID string) (executor.Sandbox, error) {
	return nil, fmt.Errorf("no executor in tests")
}

type nullDeployer struct{}

func (nullDeployer) Deploy(ctx context.Context, in deploy.Input) error { return nil }

// captureDeleter records worker deletions
type captureDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *captureDeleter) DeleteWorker(ctx context.Context, namespace, scriptName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, scriptName)
	return d.err
}

func newDeployTestServer(t *testing.T) (*httptest.Server, *captureDeleter, storage.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := alarm.NewScheduler(store)
	t.Cleanup(sched.Stop)

	managers := events.NewManagers(store, sched, webhook.Config{})
	secrets, err := security.NewSecretsManagerFromPassword("test-password")
	require.NoError(t, err)

	registry := orchestrator.NewRegistry(store, managers, stalledProvider{}, nullDeployer{}, secrets, sched)
	deleter := &captureDeleter{}

	handler := NewDeployHandler(DeployConfig{AuthToken: testToken}, registry, deleter, health.NewRegistry())
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return server, deleter, store
}

func doRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestAuthRequired rejects missing and wrong bearer tokens with the
// standard body
func TestAuthRequired(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	for _, token := range []string{"", "wrong-token"} {
		resp := doRequest(t, http.MethodPost, server.URL+"/deploy", token, []byte(`{}`))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "Unauthorized", body["error"])
	}

	// Health stays open
	resp := doRequest(t, http.MethodGet, server.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestDeployValidation rejects malformed deploy requests
func TestDeployValidation(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid slug", `{"slug":"has space","provider":"github","repoSource":"acme/site"}`},
		{"slug too long", fmt.Sprintf(`{"slug":"%s","provider":"github","repoSource":"acme/site"}`, strings.Repeat("a", 65))},
		{"missing repo", `{"slug":"ok-app","provider":"github"}`},
		{"bad json", `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, server.URL+"/deploy", testToken, []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

// TestDeployAccepted starts a build and exposes status and events
func TestDeployAccepted(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	resp := doRequest(t, http.MethodPost, server.URL+"/deploy", testToken,
		[]byte(`{"slug":"my-app","provider":"github","repoSource":"acme/site"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		BuildID string            `json:"buildId"`
		Slug    string            `json:"slug"`
		Status  types.BuildStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.BuildID)
	assert.Equal(t, "my-app", body.Slug)
	assert.Equal(t, types.BuildStatusQueued, body.Status)

	statusResp := doRequest(t, http.MethodGet, server.URL+"/deploy/"+body.BuildID+"/status", testToken, nil)
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	eventsResp := doRequest(t, http.MethodGet, server.URL+"/deploy/"+body.BuildID+"/events", testToken, nil)
	require.Equal(t, http.StatusOK, eventsResp.StatusCode)
	var evs []types.Event
	require.NoError(t, json.NewDecoder(eventsResp.Body).Decode(&evs))
	require.NotEmpty(t, evs)
	assert.Equal(t, "Build created and queued", evs[0].Payload.Message)
}

// TestStatusUnknownBuild answers 404
func TestStatusUnknownBuild(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/deploy/unknown-id/status", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestDeployArchiveValidation requires the slug header and a body
func TestDeployArchiveValidation(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/deploy-archive", bytes.NewReader([]byte("bytes")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, server.URL+"/deploy-archive", bytes.NewReader([]byte("archive-bytes")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Slug", "my-app")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

// TestCancelTransitions cancels a queued build and refuses the second
// attempt
func TestCancelTransitions(t *testing.T) {
	server, _, _ := newDeployTestServer(t)

	resp := doRequest(t, http.MethodPost, server.URL+"/deploy", testToken,
		[]byte(`{"slug":"my-app","provider":"github","repoSource":"acme/site"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		BuildID string `json:"buildId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	cancelResp := doRequest(t, http.MethodDelete, server.URL+"/deploy/"+body.BuildID, testToken, nil)
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)

	again := doRequest(t, http.MethodDelete, server.URL+"/deploy/"+body.BuildID, testToken, nil)
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)
}

// TestDeleteWorkerEndpoint forwards to the provider client
func TestDeleteWorkerEndpoint(t *testing.T) {
	server, deleter, _ := newDeployTestServer(t)

	resp := doRequest(t, http.MethodDelete, server.URL+"/worker/my-app", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"my-app"}, deleter.deleted)

	deleter.err = fmt.Errorf("provider down")
	resp = doRequest(t, http.MethodDelete, server.URL+"/worker/other-app", testToken, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// captureWriter records analytics writes
type captureWriter struct {
	mu       sync.Mutex
	metrics  []*types.APIMetric
	sessions []*types.SessionMetrics
}

func (c *captureWriter) WriteAPIMetric(ctx context.Context, m *types.APIMetric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	return nil
}

func (c *captureWriter) WriteSessionMetrics(ctx context.Context, m *types.SessionMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, m)
	return nil
}

func newObservabilityTestServer(t *testing.T) (*httptest.Server, *captureWriter, storage.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := alarm.NewScheduler(store)
	t.Cleanup(sched.Stop)

	stream := events.NewStream()
	stream.Start()
	t.Cleanup(stream.Stop)

	writer := &captureWriter{}
	sink := NewTelemetrySink(writer, stream)
	sessions := session.NewAggregators(store, sched, sink)

	handler := NewObservabilityHandler(ObservabilityConfig{AdminToken: testToken}, sink, sessions, store, health.NewRegistry())
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return server, writer, store
}

// TestIngestAPIMetrics writes one data point and answers 204
func TestIngestAPIMetrics(t *testing.T) {
	server, writer, _ := newObservabilityTestServer(t)

	body := `{"provider":"anthropic","resolvedModel":"claude-sonnet","clientName":"cli","inferenceProvider":"bedrock","statusCode":200,"ttfbMs":120.5,"completeRequestMs":900}`
	resp := doRequest(t, http.MethodPost, server.URL+"/ingest/api-metrics", testToken, []byte(body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Len(t, writer.metrics, 1)
	m := writer.metrics[0]
	assert.Equal(t, "anthropic", m.Provider)
	assert.Equal(t, "claude-sonnet", m.ResolvedModel)
	assert.Equal(t, 200, m.StatusCode)
	assert.InDelta(t, 120.5, m.TTFBMs, 1e-9)
}

// TestIngestAPIMetricsValidation rejects incomplete payloads
func TestIngestAPIMetricsValidation(t *testing.T) {
	server, writer, _ := newObservabilityTestServer(t)

	tests := []string{
		`{not json`,
		`{"provider":"","resolvedModel":"m","clientName":"c","statusCode":200}`,
		`{"provider":"p","resolvedModel":"m","clientName":"c"}`,
	}
	for _, body := range tests {
		resp := doRequest(t, http.MethodPost, server.URL+"/ingest/api-metrics", testToken, []byte(body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Empty(t, writer.metrics)
}

// TestIngestSessionItems accepts a batch and persists the aggregator
// snapshot
func TestIngestSessionItems(t *testing.T) {
	server, _, store := newObservabilityTestServer(t)

	body := `{
		"sessionId": "sess-1",
		"kiloUserId": "user-1",
		"ingestVersion": 1,
		"items": [
			{"type": "session_open"},
			{"type": "message", "message": {"role": "user", "time": {"created": 1000}}}
		]
	}`
	resp := doRequest(t, http.MethodPost, server.URL+"/ingest/session", testToken, []byte(body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	snapshot, err := store.GetSessionState("sess-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot)

	resp = doRequest(t, http.MethodPost, server.URL+"/ingest/session", testToken, []byte(`{"items":[]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
