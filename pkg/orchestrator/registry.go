package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
)

// AlarmNamespace is the alarm key prefix owned by build orchestrators
const AlarmNamespace = "build"

// Registry supervises the per-build orchestrator singletons. Ingress
// and alarm callbacks both resolve orchestrators through it, so each
// build has exactly one state machine in the process.
type Registry struct {
	store     storage.Store
	events    *events.Managers
	sandboxes executor.Provider
	deployer  Deployer
	secrets   *security.SecretsManager
	sched     *alarm.Scheduler

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
}

// NewRegistry creates the orchestrator registry
func NewRegistry(store storage.Store, ev *events.Managers, sandboxes executor.Provider, deployer Deployer, secrets *security.SecretsManager, sched *alarm.Scheduler) *Registry {
	return &Registry{
		store:         store,
		events:        ev,
		sandboxes:     sandboxes,
		deployer:      deployer,
		secrets:       secrets,
		sched:         sched,
		orchestrators: make(map[string]*Orchestrator),
	}
}

// GetOrCreate returns the build's orchestrator, creating it (and its
// events manager) on first use in this process
func (r *Registry) GetOrCreate(buildID string) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.orchestrators[buildID]; ok {
		return o, nil
	}

	ev, err := r.events.GetOrCreate(buildID)
	if err != nil {
		return nil, err
	}

	o, err := New(buildID, r.store, ev, r.sandboxes, r.deployer, r.secrets, r.sched.ForKey(AlarmNamespace+"/"+buildID))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	r.orchestrators[buildID] = o
	return o, nil
}

// Get returns the build's orchestrator only if the build exists
func (r *Registry) Get(buildID string) (*Orchestrator, error) {
	o, err := r.GetOrCreate(buildID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	exists := o.build != nil
	o.mu.Unlock()
	if !exists {
		return nil, storage.ErrNotFound
	}
	return o, nil
}

// HandleAlarm is the build alarm namespace handler
func (r *Registry) HandleAlarm(key string) {
	buildID := key[len(AlarmNamespace)+1:]
	o, err := r.GetOrCreate(buildID)
	if err != nil {
		l := log.WithComponent("orchestrator")
		l.Error().Err(err).Str("build_id", buildID).Msg("Failed to resolve orchestrator for alarm")
		return
	}
	o.HandleAlarm()
}

// Rehydrate restores orchestrators for persisted builds after a
// restart. Builds interrupted mid-run cannot be resumed (the sandbox
// is gone), so they fail cleanly with their secrets cleared; queued
// builds keep their armed alarms and start normally.
func (r *Registry) Rehydrate() error {
	builds, err := r.store.ListBuilds()
	if err != nil {
		return fmt.Errorf("failed to list builds: %w", err)
	}

	logger := log.WithComponent("orchestrator")
	for _, build := range builds {
		if build.Status.Terminal() {
			continue
		}

		o, err := r.GetOrCreate(build.BuildID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			logger.Error().Err(err).Str("build_id", build.BuildID).Msg("Failed to rehydrate build")
			continue
		}

		switch build.Status {
		case types.BuildStatusBuilding, types.BuildStatusDeploying:
			o.failInterrupted()
			logger.Warn().Str("build_id", build.BuildID).Msg("Build interrupted by restart, marked failed")
		default:
			// Queued builds run when their alarm rehydrates
		}
	}
	return nil
}

// failInterrupted finalizes a build whose run was cut off by a
// process restart
func (o *Orchestrator) failInterrupted() {
	o.appendLog("Build interrupted by a service restart")

	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearSecretsLocked()
	o.transitionLocked(types.BuildStatusFailed)
}
