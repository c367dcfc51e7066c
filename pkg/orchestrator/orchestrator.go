package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/deploy"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// startDelay is how long after Start the alarm enters the run loop
const startDelay = 50 * time.Millisecond

// Deployer pushes a finished bundle to the CDN provider
type Deployer interface {
	Deploy(ctx context.Context, in deploy.Input) error
}

// StartRequest initializes one build
type StartRequest struct {
	BuildID string
	Slug    string
	Source  types.BuildSource
	EnvVars []types.SealedEnvVar
}

// StartResponse reports the accepted build status
type StartResponse struct {
	Status types.BuildStatus
}

// CancelResult reports the outcome of a cancel request
type CancelResult struct {
	Cancelled bool
	Reason    string
	Status    types.BuildStatus
}

// Cancel result reasons
const (
	CancelReasonNotFound        = "not_found"
	CancelReasonAlreadyFinished = "already_finished"
	CancelReasonCancelled       = "cancelled"
)

// Orchestrator owns one build and runs its state machine. All public
// operations serialize on the instance mutex; the run loop itself
// holds the mutex only across state transitions so Cancel can
// interleave at suspension points.
type Orchestrator struct {
	buildID   string
	store     storage.Store
	events    *events.Manager
	sandboxes executor.Provider
	deployer  Deployer
	secrets   *security.SecretsManager
	alarm     alarm.Alarm
	logger    zerolog.Logger

	mu        sync.Mutex
	build     *types.Build
	sandbox   executor.Sandbox
	runCancel context.CancelFunc
	// redact is applied to every outward log line; holds the access
	// token replacement during a run
	redact func(string) string
}

// New creates the orchestrator for one build, loading any persisted
// record
func New(buildID string, store storage.Store, ev *events.Manager, sandboxes executor.Provider, deployer Deployer, secrets *security.SecretsManager, al alarm.Alarm) (*Orchestrator, error) {
	o := &Orchestrator{
		buildID:   buildID,
		store:     store,
		events:    ev,
		sandboxes: sandboxes,
		deployer:  deployer,
		secrets:   secrets,
		alarm:     al,
		logger:    log.WithBuildID(buildID),
		redact:    func(s string) string { return s },
	}

	build, err := store.GetBuild(buildID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	o.build = build
	return o, nil
}

// Start initializes the build in queued, clears any prior state for
// the id, appends the creation log, and arms the run alarm
func (o *Orchestrator) Start(req StartRequest) (*StartResponse, error) {
	return o.start(req, nil)
}

// StartFromArchive is Start for an uploaded archive: the bytes are
// stashed in durable storage until the run loop consumes them
func (o *Orchestrator) StartFromArchive(req StartRequest, archive []byte) (*StartResponse, error) {
	return o.start(req, archive)
}

func (o *Orchestrator) start(req StartRequest, archive []byte) (*StartResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A reused build id starts from a clean slate
	if err := o.store.DeleteBuild(o.buildID); err != nil {
		return nil, err
	}

	if archive != nil {
		if err := o.store.SaveArchive(o.buildID, archive); err != nil {
			return nil, err
		}
	}

	build := &types.Build{
		BuildID:   req.BuildID,
		Slug:      req.Slug,
		Source:    req.Source,
		EnvVars:   req.EnvVars,
		Status:    types.BuildStatusQueued,
		UpdatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveBuild(build); err != nil {
		return nil, err
	}
	o.build = build

	o.appendLogLocked("Build created and queued")

	if err := o.alarm.Set(time.Now().Add(startDelay).UnixMilli()); err != nil {
		return nil, err
	}

	return &StartResponse{Status: build.Status}, nil
}

// Status returns the public build record
func (o *Orchestrator) Status() (*types.Build, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.build == nil {
		return nil, storage.ErrNotFound
	}

	// Sensitive fields never leave the orchestrator
	pub := *o.build
	pub.EnvVars = nil
	if pub.Source.Git != nil {
		git := *pub.Source.Git
		git.AccessToken = ""
		pub.Source.Git = &git
	}
	return &pub, nil
}

// Events returns the build's event buffer
func (o *Orchestrator) Events() []types.Event {
	return o.events.Events()
}

// Cancel stops a queued or building run. The sandbox is destroyed
// best-effort; the run loop observes the cancellation at its next
// suspension point and stands down.
func (o *Orchestrator) Cancel(reason string) CancelResult {
	o.mu.Lock()

	if o.build == nil {
		o.mu.Unlock()
		return CancelResult{Cancelled: false, Reason: CancelReasonNotFound}
	}
	status := o.build.Status
	if status != types.BuildStatusQueued && status != types.BuildStatusBuilding {
		o.mu.Unlock()
		return CancelResult{Cancelled: false, Reason: CancelReasonAlreadyFinished, Status: status}
	}

	sandbox := o.sandbox
	runCancel := o.runCancel
	o.sandbox = nil
	o.runCancel = nil
	o.mu.Unlock()

	if sandbox != nil {
		if err := sandbox.Destroy(context.Background()); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to destroy sandbox on cancel")
		}
	}
	if runCancel != nil {
		runCancel()
	}

	o.appendLog("Build cancelled")
	if reason != "" {
		o.appendLog("Cancellation reason: " + reason)
	}

	o.mu.Lock()
	o.clearSecretsLocked()
	o.transitionLocked(types.BuildStatusCancelled)
	o.mu.Unlock()

	return CancelResult{Cancelled: true, Reason: CancelReasonCancelled, Status: types.BuildStatusCancelled}
}

// HandleAlarm enters the run loop when the build is still queued
func (o *Orchestrator) HandleAlarm() {
	o.mu.Lock()
	if o.build == nil || o.build.Status != types.BuildStatusQueued {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.run()
}

// run drives the build pipeline to a terminal status
func (o *Orchestrator) run() {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if o.build == nil || o.build.Status != types.BuildStatusQueued {
		o.mu.Unlock()
		cancel()
		return
	}
	o.runCancel = cancel

	// Move secrets out of persisted state into locals before any work:
	// a crash mid-run cannot leak them through the build record
	var accessToken string
	if o.build.Source.Git != nil {
		accessToken = o.build.Source.Git.AccessToken
		o.build.Source.Git.AccessToken = ""
	}
	sealedVars := o.build.EnvVars
	o.build.EnvVars = nil
	source := o.build.Source

	if accessToken != "" {
		token := accessToken
		o.redact = func(s string) string { return security.RedactToken(s, token) }
	}

	o.transitionLocked(types.BuildStatusBuilding)
	o.mu.Unlock()

	started := time.Now()
	err := o.pipeline(ctx, source, accessToken, sealedVars)

	// Always-run cleanup: the sandbox never outlives the run
	o.destroySandbox()
	o.appendLog("Build environment cleaned up")

	o.mu.Lock()
	defer o.mu.Unlock()
	o.runCancel = nil
	// The token redactor stays installed until the failure message
	// below has passed through it
	defer func() {
		o.redact = func(s string) string { return s }
	}()

	if o.build.Status == types.BuildStatusCancelled {
		// Cancel already finalized the record
		return
	}

	if err != nil {
		o.logger.Error().Err(err).Msg("Build failed")
		o.appendLogLocked("Build failed: " + o.redactErr(err))
		o.clearSecretsLocked()
		o.transitionLocked(types.BuildStatusFailed)
		metrics.BuildsTotal.WithLabelValues(string(types.BuildStatusFailed)).Inc()
		return
	}

	o.clearSecretsLocked()
	o.transitionLocked(types.BuildStatusDeployed)
	metrics.BuildsTotal.WithLabelValues(string(types.BuildStatusDeployed)).Inc()
	metrics.BuildDuration.WithLabelValues(string(o.build.ProjectType)).Observe(time.Since(started).Seconds())
}

// transitionLocked advances the status, stamps the lifecycle
// timestamps, persists the record, and appends the status-change
// event before returning so observers polling after the call see the
// new status
func (o *Orchestrator) transitionLocked(status types.BuildStatus) {
	now := time.Now().UTC()
	o.build.Status = status
	o.build.UpdatedAt = now
	if status == types.BuildStatusBuilding && o.build.StartedAt == nil {
		o.build.StartedAt = &now
	}
	if status.Terminal() {
		o.build.CompletedAt = &now
	}

	if err := o.store.SaveBuild(o.build); err != nil {
		o.logger.Error().Err(err).Str("status", string(status)).Msg("Failed to persist build status")
	}
	if err := o.events.AppendStatusChange(status); err != nil {
		o.logger.Error().Err(err).Msg("Failed to append status change event")
	}
}

// clearSecretsLocked removes every sensitive field from persisted
// state: sealed env vars, the access token, and any stashed archive
func (o *Orchestrator) clearSecretsLocked() {
	o.build.EnvVars = nil
	if o.build.Source.Git != nil {
		o.build.Source.Git.AccessToken = ""
	}
	if err := o.store.SaveBuild(o.build); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist secret clearing")
	}
	if err := o.store.DeleteArchive(o.buildID); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to delete archive buffer")
	}
}

// destroySandbox tears down the executor environment, best-effort
func (o *Orchestrator) destroySandbox() {
	o.mu.Lock()
	sandbox := o.sandbox
	o.sandbox = nil
	o.mu.Unlock()

	if sandbox == nil {
		return
	}
	if err := sandbox.Destroy(context.Background()); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to destroy sandbox")
	}
}

// appendLog emits a redacted human-readable line to the event buffer
func (o *Orchestrator) appendLog(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appendLogLocked(message)
}

func (o *Orchestrator) appendLogLocked(message string) {
	if err := o.events.AppendLog(o.redact(message)); err != nil {
		o.logger.Error().Err(err).Msg("Failed to append log event")
	}
}

func (o *Orchestrator) redactErr(err error) string {
	return o.redact(err.Error())
}
