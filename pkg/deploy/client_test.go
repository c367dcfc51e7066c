package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scripted provider API server
type fakeProvider struct {
	mu sync.Mutex

	sessionJWT     string
	buckets        [][]string
	uploadStatuses []int // per batch POST; 201 yields the completion jwt

	secretStatuses []int // per secrets PUT; empty means all succeed
	secretCodes    []int

	workerPutErrors []int // provider error codes per worker PUT; 0 = success

	secretPuts   []map[string]string
	uploadPosts  int
	workerPuts   []workerMetadata
	deleteCalled bool
}

func (f *fakeProvider) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /accounts/acc/workers/dispatch/namespaces/ns/scripts/{name}/secrets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.secretPuts = append(f.secretPuts, body)
		status, code := http.StatusOK, 0
		if len(f.secretStatuses) > 0 {
			status = f.secretStatuses[0]
			f.secretStatuses = f.secretStatuses[1:]
		}
		if len(f.secretCodes) > 0 {
			code = f.secretCodes[0]
			f.secretCodes = f.secretCodes[1:]
		}
		f.mu.Unlock()

		writeEnvelope(w, status, code, "")
	})

	mux.HandleFunc("POST /accounts/acc/workers/dispatch/namespaces/ns/scripts/{name}/assets-upload-session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		resp := map[string]interface{}{
			"success": true,
			"errors":  []interface{}{},
			"result":  map[string]interface{}{"jwt": f.sessionJWT, "buckets": f.buckets},
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /accounts/acc/workers/assets/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.uploadPosts++
		status := http.StatusCreated
		if len(f.uploadStatuses) > 0 {
			status = f.uploadStatuses[0]
			f.uploadStatuses = f.uploadStatuses[1:]
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"errors":  []interface{}{},
			"result":  map[string]string{"jwt": "completion-jwt"},
		})
	})

	mux.HandleFunc("PUT /accounts/acc/workers/dispatch/namespaces/ns/scripts/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		reader := multipart.NewReader(r.Body, params["boundary"])

		var meta workerMetadata
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if part.FormName() == "metadata" {
				require.NoError(t, json.NewDecoder(part).Decode(&meta))
			}
		}

		f.mu.Lock()
		f.workerPuts = append(f.workerPuts, meta)
		code := 0
		if len(f.workerPutErrors) > 0 {
			code = f.workerPutErrors[0]
			f.workerPutErrors = f.workerPutErrors[1:]
		}
		f.mu.Unlock()

		if code != 0 {
			writeEnvelope(w, http.StatusBadRequest, code, fmt.Sprintf(`cannot apply --delete-class migration to class "Session" in script`))
			return
		}
		writeEnvelope(w, http.StatusOK, 0, "")
	})

	mux.HandleFunc("DELETE /accounts/acc/workers/dispatch/namespaces/ns/scripts/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleteCalled = true
		f.mu.Unlock()
		writeEnvelope(w, http.StatusNotFound, errCodeWorkerNotFound, "workers.api.error.script_not_found")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	success := status >= 200 && status <= 299
	errs := []interface{}{}
	if code != 0 || !success {
		errs = append(errs, map[string]interface{}{"code": code, "message": message})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"errors":  errs,
		"result":  map[string]interface{}{},
	})
}

func newTestClient(t *testing.T, f *fakeProvider) *Client {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	server := f.server(t)
	return NewClient(Config{
		APIBaseURL:        server.URL,
		AccountID:         "acc",
		DispatchNamespace: "ns",
		APIToken:          "test-token",
	})
}

func testAssets(n int) []types.DeploymentFile {
	assets := make([]types.DeploymentFile, 0, n)
	for i := 0; i < n; i++ {
		assets = append(assets, types.DeploymentFile{
			Path:     fmt.Sprintf("page-%d.html", i),
			Content:  []byte(fmt.Sprintf("<html>%d</html>", i)),
			MimeType: "text/html",
		})
	}
	return assets
}

// TestDeployRejectsInvalidWorkerName enforces the name contract
func TestDeployRejectsInvalidWorkerName(t *testing.T) {
	client := newTestClient(t, &fakeProvider{sessionJWT: "s"})

	for _, name := range []string{"", "has space", "has/slash", strings.Repeat("a", 65)} {
		err := client.Deploy(context.Background(), Input{WorkerName: name})
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

// TestDeployAllAssetsDeduplicated: empty buckets means zero upload
// POSTs and the session jwt is the completion token
func TestDeployAllAssetsDeduplicated(t *testing.T) {
	f := &fakeProvider{sessionJWT: "session-jwt", buckets: [][]string{}}
	client := newTestClient(t, f)

	err := client.Deploy(context.Background(), Input{
		WorkerName: "my-app",
		Bundle: types.ArtifactBundle{
			WorkerScript: types.DeploymentFile{Path: "index.js", Content: []byte("export default {}"), MimeType: "application/javascript"},
			Assets:       testAssets(10),
		},
	})
	require.NoError(t, err)

	assert.Zero(t, f.uploadPosts, "dedup must skip all upload batches")
	require.Len(t, f.workerPuts, 1)
	meta := f.workerPuts[0]
	require.NotNil(t, meta.Assets)
	assert.Equal(t, "session-jwt", meta.Assets.JWT)

	var hasAssetsBinding bool
	for _, b := range meta.Bindings {
		if b.Name == "ASSETS" && b.Type == "assets" {
			hasAssetsBinding = true
		}
	}
	assert.True(t, hasAssetsBinding)
}

// TestDeployUploadsMissingBuckets posts one batch per bucket and uses
// the completion token from the final 201
func TestDeployUploadsMissingBuckets(t *testing.T) {
	assets := testAssets(3)
	manifest, _ := buildManifest(assets)
	var hashes []string
	for _, entry := range manifest {
		hashes = append(hashes, entry.Hash)
	}

	f := &fakeProvider{
		sessionJWT:     "session-jwt",
		buckets:        [][]string{hashes[:2], hashes[2:]},
		uploadStatuses: []int{http.StatusOK, http.StatusCreated},
	}
	client := newTestClient(t, f)

	err := client.Deploy(context.Background(), Input{
		WorkerName: "my-app",
		Bundle: types.ArtifactBundle{
			WorkerScript: types.DeploymentFile{Path: "index.js", Content: []byte("export default {}"), MimeType: "application/javascript"},
			Assets:       assets,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.uploadPosts)
	require.Len(t, f.workerPuts, 1)
	assert.Equal(t, "completion-jwt", f.workerPuts[0].Assets.JWT)
}

// TestDeployNoAssetsPath deploys the worker directly with empty
// bindings and no assets reference
func TestDeployNoAssetsPath(t *testing.T) {
	f := &fakeProvider{}
	client := newTestClient(t, f)

	err := client.Deploy(context.Background(), Input{
		WorkerName: "my-app",
		Bundle: types.ArtifactBundle{
			WorkerScript: types.DeploymentFile{Path: "index.js", Content: []byte("export default {}"), MimeType: "application/javascript"},
		},
	})
	require.NoError(t, err)

	require.Len(t, f.workerPuts, 1)
	meta := f.workerPuts[0]
	assert.Nil(t, meta.Assets)
	assert.Equal(t, "index.js", meta.MainModule)
	assert.Equal(t, compatibilityDate, meta.CompatibilityDate)
	assert.Empty(t, meta.Bindings)
}

// TestDeploySecretsDraftWorkerFallback: a 10007 on secrets deploys a
// draft worker and retries
func TestDeploySecretsDraftWorkerFallback(t *testing.T) {
	f := &fakeProvider{
		secretStatuses: []int{http.StatusNotFound},
		secretCodes:    []int{errCodeWorkerNotFound},
	}
	client := newTestClient(t, f)

	err := client.Deploy(context.Background(), Input{
		WorkerName: "my-app",
		EnvVars: []types.EnvVar{
			{Key: "API_KEY", Value: "secret-value", IsSecret: true},
			{Key: "PUBLIC", Value: "plain-value", IsSecret: false},
		},
		Bundle: types.ArtifactBundle{
			WorkerScript: types.DeploymentFile{Path: "index.js", Content: []byte("export default {}"), MimeType: "application/javascript"},
		},
	})
	require.NoError(t, err)

	// First PUT hit 10007, the draft worker deployed, then the retry
	// succeeded
	assert.Len(t, f.secretPuts, 2)
	assert.Equal(t, "API_KEY", f.secretPuts[0]["name"])
	assert.Equal(t, "secret_text", f.secretPuts[0]["type"])

	// Draft worker plus the real deploy
	require.Len(t, f.workerPuts, 2)

	// The plain var lands as a metadata binding, never as a secret
	final := f.workerPuts[1]
	require.Len(t, final.Bindings, 1)
	assert.Equal(t, "PUBLIC", final.Bindings[0].Name)
	assert.Equal(t, "plain_text", final.Bindings[0].Type)
	assert.Equal(t, "plain-value", final.Bindings[0].Text)
}

// TestDeployMigrationCollisionRetries: a 10074 filters the colliding
// class and retries once
func TestDeployMigrationCollisionRetries(t *testing.T) {
	f := &fakeProvider{workerPutErrors: []int{errCodeClassExists}}
	client := newTestClient(t, f)

	err := client.Deploy(context.Background(), Input{
		WorkerName: "my-app",
		Migrations: []Migration{
			{Tag: "v1", NewClasses: []string{"Session", "Cache"}},
			{Tag: "v2", NewClasses: []string{"Session"}},
		},
		Bundle: types.ArtifactBundle{
			WorkerScript: types.DeploymentFile{Path: "index.js", Content: []byte("export default {}"), MimeType: "application/javascript"},
		},
	})
	require.NoError(t, err)

	require.Len(t, f.workerPuts, 2)
	retried := f.workerPuts[1]
	require.Len(t, retried.Migrations, 1)
	assert.Equal(t, "v1", retried.Migrations[0].Tag)
	assert.Equal(t, []string{"Cache"}, retried.Migrations[0].NewClasses)
}

// TestDeleteWorkerToleratesMissing treats 10007 as success
func TestDeleteWorkerToleratesMissing(t *testing.T) {
	f := &fakeProvider{}
	client := newTestClient(t, f)

	require.NoError(t, client.DeleteWorker(context.Background(), "", "gone-app"))
	assert.True(t, f.deleteCalled)
}

// TestFilterMigrations strips a class and drops emptied migrations
func TestFilterMigrations(t *testing.T) {
	migrations := []Migration{
		{Tag: "v1", NewClasses: []string{"A", "B"}},
		{Tag: "v2", NewClasses: []string{"A"}},
	}

	filtered := filterMigrations(migrations, "A")
	require.Len(t, filtered, 1)
	assert.Equal(t, "v1", filtered[0].Tag)
	assert.Equal(t, []string{"B"}, filtered[0].NewClasses)
}

// TestClassFromError parses the colliding class out of the message
func TestClassFromError(t *testing.T) {
	class, ok := classFromError(`cannot create class "Session" that already exists`)
	require.True(t, ok)
	assert.Equal(t, "Session", class)

	_, ok = classFromError("some other failure")
	assert.False(t, ok)
}

// TestIsRetryable retries only 5xx provider responses
func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&ProviderError{StatusCode: 503}))
	assert.True(t, isRetryable(&ProviderError{StatusCode: 500}))
	assert.False(t, isRetryable(&ProviderError{StatusCode: 404, Code: errCodeWorkerNotFound}))
	assert.False(t, isRetryable(&ProviderError{StatusCode: 400}))
	assert.False(t, isRetryable(fmt.Errorf("plain transport error")))
}

// TestBuildManifest hashes content to 32 hex chars and normalizes
// paths with a leading slash
func TestBuildManifest(t *testing.T) {
	assets := []types.DeploymentFile{
		{Path: "index.html", Content: []byte("<html></html>"), MimeType: "text/html"},
		{Path: "/styles/app.css", Content: []byte("body{}"), MimeType: "text/css"},
	}

	manifest, contents := buildManifest(assets)
	require.Len(t, manifest, 2)

	entry, ok := manifest["/index.html"]
	require.True(t, ok, "paths are normalized to a leading slash")
	assert.Len(t, entry.Hash, 32)
	assert.Equal(t, len("<html></html>"), entry.Size)

	_, ok = manifest["/styles/app.css"]
	require.True(t, ok)

	content, ok := contents[entry.Hash]
	require.True(t, ok)
	assert.Equal(t, []byte("<html></html>"), content.data)
	assert.Equal(t, "text/html", content.mime)

	// Identical content maps to one hash
	dup, _ := buildManifest([]types.DeploymentFile{
		{Path: "a.txt", Content: []byte("same")},
		{Path: "b.txt", Content: []byte("same")},
	})
	assert.Equal(t, dup["/a.txt"].Hash, dup["/b.txt"].Hash)
}
