package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/deploy"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quotedPathRe = regexp.MustCompile(`"([^"]+)"`)

// fakeSandbox scripts the executor: detection output, optional clone
// failure, and tar reads served from canned archive bytes
type fakeSandbox struct {
	mu sync.Mutex

	detectOutput string
	cloneError   string // non-empty fails git clone with this message
	stepError    string // non-empty fails any build step command

	tarContent []byte
	// tarByDir overrides tarContent per archived directory
	tarByDir  map[string][]byte
	files     map[string][]byte
	commands  []string
	destroyed bool
}

func (s *fakeSandbox) ID() string { return "build-1" }

func (s *fakeSandbox) Exec(ctx context.Context, command string, opts executor.ExecOptions) (<-chan executor.ExecEvent, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.mu.Unlock()

	ch := make(chan executor.ExecEvent, 8)
	go func() {
		defer close(ch)

		switch {
		case strings.Contains(command, "git clone"):
			if s.cloneError != "" {
				ch <- executor.ExecEvent{Type: executor.ExecEventError, Data: s.cloneError}
				return
			}
			ch <- executor.ExecEvent{Type: executor.ExecEventLog, Data: "Cloning into '/workspace/project'..."}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		case strings.Contains(command, "grep -q"):
			// No LFS attributes
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete, ExitCode: 1}
		case strings.Contains(command, "git rev-parse"):
			ch <- executor.ExecEvent{Type: executor.ExecEventLog, Data: "0123456789abcdef"}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		case strings.HasPrefix(command, detectCommand):
			ch <- executor.ExecEvent{Type: executor.ExecEventLog, Data: s.detectOutput}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		case strings.HasPrefix(command, "tar -cf"):
			// First quoted path is the archive, second the source dir
			if m := quotedPathRe.FindAllStringSubmatch(command, 2); len(m) > 0 {
				content := s.tarContent
				if len(m) > 1 {
					if byDir, ok := s.tarByDir[m[1][1]]; ok {
						content = byDir
					}
				}
				s.mu.Lock()
				s.files[m[0][1]] = content
				s.mu.Unlock()
			}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		case strings.HasPrefix(command, "stat -c"):
			size := 0
			if m := quotedPathRe.FindStringSubmatch(command); m != nil {
				s.mu.Lock()
				size = len(s.files[m[1]])
				s.mu.Unlock()
			}
			ch <- executor.ExecEvent{Type: executor.ExecEventLog, Data: strconv.Itoa(size)}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		case strings.HasPrefix(command, "rm -f"):
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		default:
			// Build steps and migrations
			if s.stepError != "" {
				ch <- executor.ExecEvent{Type: executor.ExecEventError, Data: s.stepError}
				return
			}
			ch <- executor.ExecEvent{Type: executor.ExecEventLog, Data: "\x1b[32mok\x1b[0m"}
			ch <- executor.ExecEvent{Type: executor.ExecEventComplete}
		}
	}()
	return ch, nil
}

func (s *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[path] = data
	return nil
}

func (s *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (s *fakeSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

type fakeProvider struct {
	sandbox *fakeSandbox
}

func (p *fakeProvider) Acquire(ctx context.Context, buildID string) (executor.Sandbox, error) {
	return p.sandbox, nil
}

// fakeDeployer records the bundle it was handed
type fakeDeployer struct {
	mu     sync.Mutex
	inputs []deploy.Input
}

func (d *fakeDeployer) Deploy(ctx context.Context, in deploy.Input) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, in)
	return nil
}

// fakeAlarm records the pending deadline
type fakeAlarm struct {
	mu sync.Mutex
	at int64
}

func (a *fakeAlarm) Get() (int64, error) { a.mu.Lock(); defer a.mu.Unlock(); return a.at, nil }
func (a *fakeAlarm) Set(at int64) error  { a.mu.Lock(); defer a.mu.Unlock(); a.at = at; return nil }
func (a *fakeAlarm) Delete() error       { a.mu.Lock(); defer a.mu.Unlock(); a.at = 0; return nil }

func tarWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type testHarness struct {
	store    storage.Store
	sandbox  *fakeSandbox
	deployer *fakeDeployer
	orch     *Orchestrator
}

func newTestOrchestrator(t *testing.T, sandbox *fakeSandbox) *testHarness {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := alarm.NewScheduler(store)
	t.Cleanup(sched.Stop)

	ev := events.NewManager(store, sched, "build-1", webhook.Config{})
	require.NoError(t, ev.Initialize())

	secrets, err := security.NewSecretsManagerFromPassword("test-password")
	require.NoError(t, err)

	deployer := &fakeDeployer{}
	o, err := New("build-1", store, ev, &fakeProvider{sandbox: sandbox}, deployer, secrets, &fakeAlarm{})
	require.NoError(t, err)

	return &testHarness{store: store, sandbox: sandbox, deployer: deployer, orch: o}
}

func gitStart(token string) StartRequest {
	return StartRequest{
		BuildID: "build-1",
		Slug:    "my-app",
		Source: types.BuildSource{
			Type: types.SourceTypeGit,
			Git:  &types.GitSource{Provider: "github", RepoSource: "acme/site", AccessToken: token},
		},
	}
}

// TestRunHappyPathStatic drives a plain-html build from queued to
// deployed
func TestRunHappyPathStatic(t *testing.T) {
	sandbox := &fakeSandbox{
		detectOutput: "plain-html",
		tarContent:   tarWith(t, map[string]string{"index.html": "<html></html>"}),
	}
	h := newTestOrchestrator(t, sandbox)

	resp, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusQueued, resp.Status)

	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusDeployed, build.Status)
	assert.Equal(t, types.ProjectTypePlainHTML, build.ProjectType)
	assert.NotNil(t, build.StartedAt)
	assert.NotNil(t, build.CompletedAt)

	// The deployer got the static worker plus the site assets
	require.Len(t, h.deployer.inputs, 1)
	in := h.deployer.inputs[0]
	assert.Equal(t, "my-app", in.WorkerName)
	assert.Contains(t, string(in.Bundle.WorkerScript.Content), "env.ASSETS.fetch")
	require.Len(t, in.Bundle.Assets, 1)
	assert.Equal(t, "index.html", in.Bundle.Assets[0].Path)

	// Lifecycle events in order, sandbox destroyed
	messages := eventMessages(h.orch.Events())
	assert.Contains(t, messages, "Build created and queued")
	assert.Contains(t, messages, "Build environment ready")
	assert.Contains(t, messages, "Build environment cleaned up")
	assert.True(t, sandbox.destroyed)

	statuses := statusChanges(h.orch.Events())
	assert.Equal(t, []types.BuildStatus{
		types.BuildStatusBuilding,
		types.BuildStatusDeploying,
		types.BuildStatusDeployed,
	}, statuses)
}

// TestRunHappyPathNextJS reads the worker bundle and open-next assets
func TestRunHappyPathNextJS(t *testing.T) {
	sandbox := &fakeSandbox{
		detectOutput: "nextjs",
		tarByDir: map[string][]byte{
			bundledAppDir: tarWith(t, map[string]string{
				"worker.js":       "export default { fetch() {} }",
				"chunks/app.mjs":  "export {}",
				"wasm/image.wasm": "\x00asm",
			}),
			openNextAssets: tarWith(t, map[string]string{
				"_next/static/app.css": "body{}",
			}),
		},
	}
	h := newTestOrchestrator(t, sandbox)

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusDeployed, build.Status)
	assert.Equal(t, types.ProjectTypeNextJS, build.ProjectType)

	require.Len(t, h.deployer.inputs, 1)
	in := h.deployer.inputs[0]

	// worker.js becomes the entry module, the rest ship as artifacts
	assert.Equal(t, "index.js", in.Bundle.WorkerScript.Path)
	assert.Equal(t, "export default { fetch() {} }", string(in.Bundle.WorkerScript.Content))
	artifactPaths := make([]string, 0, len(in.Bundle.Artifacts))
	for _, a := range in.Bundle.Artifacts {
		artifactPaths = append(artifactPaths, a.Path)
	}
	assert.ElementsMatch(t, []string{"chunks/app.mjs", "wasm/image.wasm"}, artifactPaths)

	require.Len(t, in.Bundle.Assets, 1)
	assert.Equal(t, "_next/static/app.css", in.Bundle.Assets[0].Path)
}

// TestNextJSMissingWorkerScriptFails rejects a bundle without
// worker.js
func TestNextJSMissingWorkerScriptFails(t *testing.T) {
	sandbox := &fakeSandbox{
		detectOutput: "nextjs",
		tarByDir: map[string][]byte{
			bundledAppDir:  tarWith(t, map[string]string{"chunks/app.mjs": "export {}"}),
			openNextAssets: tarWith(t, map[string]string{"a.css": "body{}"}),
		},
	}
	h := newTestOrchestrator(t, sandbox)

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)
	assert.Empty(t, h.deployer.inputs)
}

// TestGitCloneFailureRedactsToken verifies the raw token never
// reaches the event log and the build fails terminally clean
func TestGitCloneFailureRedactsToken(t *testing.T) {
	const token = "ghp_secret123"
	sandbox := &fakeSandbox{
		detectOutput: "plain-html",
		cloneError:   "fatal: could not read from 'https://x-access-token:" + token + "@github.com/acme/site.git'",
	}
	h := newTestOrchestrator(t, sandbox)

	req := gitStart(token)
	req.EnvVars = []types.SealedEnvVar{{Key: "K", IsSecret: true, Ciphertext: "AAAA"}}
	_, err := h.orch.Start(req)
	require.NoError(t, err)

	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)

	for _, msg := range eventMessages(h.orch.Events()) {
		assert.NotContains(t, msg, token, "raw token leaked into event log")
	}
	joined := strings.Join(eventMessages(h.orch.Events()), "\n")
	assert.Contains(t, joined, "Failed to clone repository acme/site")
	assert.Contains(t, joined, security.Redacted)

	// Persisted state carries no secrets after the terminal
	// transition
	persisted, err := h.store.GetBuild("build-1")
	require.NoError(t, err)
	assert.Empty(t, persisted.EnvVars)
	require.NotNil(t, persisted.Source.Git)
	assert.Empty(t, persisted.Source.Git.AccessToken)
}

// TestSecretsLeavePersistedStateOnRunEntry verifies the build record
// is stripped before any pipeline work
func TestSecretsLeavePersistedStateOnRunEntry(t *testing.T) {
	sandbox := &fakeSandbox{
		detectOutput: "plain-html",
		tarContent:   tarWith(t, map[string]string{"index.html": "x"}),
	}
	h := newTestOrchestrator(t, sandbox)

	req := gitStart("ghp_secret123")
	_, err := h.orch.Start(req)
	require.NoError(t, err)

	// Before the run the token is persisted (the build is queued)
	persisted, err := h.store.GetBuild("build-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret123", persisted.Source.Git.AccessToken)

	h.orch.HandleAlarm()

	persisted, err = h.store.GetBuild("build-1")
	require.NoError(t, err)
	assert.Empty(t, persisted.Source.Git.AccessToken)
}

// TestUnsupportedProjectTypeFails surfaces a detection error
func TestUnsupportedProjectTypeFails(t *testing.T) {
	sandbox := &fakeSandbox{detectOutput: "django"}
	h := newTestOrchestrator(t, sandbox)

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)

	joined := strings.Join(eventMessages(h.orch.Events()), "\n")
	assert.Contains(t, joined, `"django" is not supported`)
	assert.True(t, sandbox.destroyed)
}

// TestBuildStepFailure fails the build and keeps the step error in
// the log
func TestBuildStepFailure(t *testing.T) {
	sandbox := &fakeSandbox{detectOutput: "plain-html", stepError: "tar: permission denied"}
	h := newTestOrchestrator(t, sandbox)

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	h.orch.HandleAlarm()

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, build.Status)
	assert.Empty(t, h.deployer.inputs)
}

// TestCancelQueuedBuild cancels before the run starts
func TestCancelQueuedBuild(t *testing.T) {
	h := newTestOrchestrator(t, &fakeSandbox{})

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)

	result := h.orch.Cancel("user requested")
	assert.True(t, result.Cancelled)
	assert.Equal(t, CancelReasonCancelled, result.Reason)

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCancelled, build.Status)

	joined := strings.Join(eventMessages(h.orch.Events()), "\n")
	assert.Contains(t, joined, "Build cancelled")
	assert.Contains(t, joined, "user requested")

	// The alarm still fires but finds a terminal build
	h.orch.HandleAlarm()
	build, _ = h.orch.Status()
	assert.Equal(t, types.BuildStatusCancelled, build.Status)
}

// TestCancelFinishedBuildRefused only queued and building cancel
func TestCancelFinishedBuildRefused(t *testing.T) {
	sandbox := &fakeSandbox{
		detectOutput: "plain-html",
		tarContent:   tarWith(t, map[string]string{"index.html": "x"}),
	}
	h := newTestOrchestrator(t, sandbox)

	_, err := h.orch.Start(gitStart(""))
	require.NoError(t, err)
	h.orch.HandleAlarm()

	result := h.orch.Cancel("")
	assert.False(t, result.Cancelled)
	assert.Equal(t, CancelReasonAlreadyFinished, result.Reason)
	assert.Equal(t, types.BuildStatusDeployed, result.Status)
}

// TestCancelUnknownBuild reports not found
func TestCancelUnknownBuild(t *testing.T) {
	h := newTestOrchestrator(t, &fakeSandbox{})

	result := h.orch.Cancel("")
	assert.False(t, result.Cancelled)
	assert.Equal(t, CancelReasonNotFound, result.Reason)
}

// TestStatusHidesSensitiveFields never exposes env vars or tokens
func TestStatusHidesSensitiveFields(t *testing.T) {
	h := newTestOrchestrator(t, &fakeSandbox{})

	req := gitStart("ghp_secret123")
	req.EnvVars = []types.SealedEnvVar{{Key: "K", IsSecret: true, Ciphertext: "AAAA"}}
	_, err := h.orch.Start(req)
	require.NoError(t, err)

	build, err := h.orch.Status()
	require.NoError(t, err)
	assert.Empty(t, build.EnvVars)
	assert.Empty(t, build.Source.Git.AccessToken)
}

func eventMessages(evs []types.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == types.EventTypeLog {
			out = append(out, ev.Payload.Message)
		}
	}
	return out
}

func statusChanges(evs []types.Event) []types.BuildStatus {
	var out []types.BuildStatus
	for _, ev := range evs {
		if ev.Type == types.EventTypeStatusChange {
			out = append(out, ev.Payload.Status)
		}
	}
	return out
}
