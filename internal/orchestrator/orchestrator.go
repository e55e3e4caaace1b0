// Package orchestrator owns the per-stage container map, walks an
// invalidation plan in ascending stage order, and enforces livepush's
// single-writer, cancel-and-replace concurrency model.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/balena-io-modules/livepush/internal/containerrt"
	"github.com/balena-io-modules/livepush/internal/ctxlog"
	"github.com/balena-io-modules/livepush/internal/events"
	"github.com/balena-io-modules/livepush/internal/execgroup"
	"github.com/balena-io-modules/livepush/internal/invalidate"
	"github.com/balena-io-modules/livepush/internal/recipe"
)

// pollInterval is how often a cancelling call re-checks whether the prior
// in-flight run has acknowledged cancellation.
const pollInterval = 1 * time.Second

// stageHandle pairs a container id with its cancellation flag and the
// per-container memoization state, held by the executor built for it.
type stageHandle struct {
	containerID string
	cancel      *atomic.Bool
	executor    *execgroup.Executor
	removed     bool
}

// Orchestrator owns the stage-container map and serializes livepush runs.
type Orchestrator struct {
	Client      containerrt.Client
	Bus         *events.Bus
	Recipe      *recipe.Recipe
	ContextRoot string
	SkipRestart bool

	mu       sync.Mutex
	stages   map[int]*stageHandle
	running  atomic.Bool
	buildArg map[string]string
}

// New builds an orchestrator around an already-resolved recipe and a map
// of stage index to container id: the terminal stage's id is the caller's
// already-running container; every other stage's id is a helper container
// already started from that stage's pre-built image.
func New(r *recipe.Recipe, client containerrt.Client, bus *events.Bus, contextRoot string, stageContainers map[int]string, skipRestart bool) (*Orchestrator, error) {
	if len(stageContainers) != len(r.Stages) {
		return nil, &execgroup.InvalidArgumentError{
			Arg:    "stageContainers",
			Reason: fmt.Sprintf("got %d stage containers for %d stages", len(stageContainers), len(r.Stages)),
		}
	}

	o := &Orchestrator{
		Client:      client,
		Bus:         bus,
		Recipe:      r,
		ContextRoot: contextRoot,
		SkipRestart: skipRestart,
		stages:      make(map[int]*stageHandle),
	}
	for idx, containerID := range stageContainers {
		cancel := &atomic.Bool{}
		handle := &stageHandle{
			containerID: containerID,
			cancel:      cancel,
			executor:    execgroup.New(idx, containerID, client, bus, contextRoot, cancel),
		}
		handle.executor.SkipRestart = skipRestart && r.Stages[idx].IsLast
		o.stages[idx] = handle
	}
	return o, nil
}

// SetBuildArguments installs the environment every subsequent exec sees,
// propagated down to every stage's executor.
func (o *Orchestrator) SetBuildArguments(args map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buildArg = args
	for _, h := range o.stages {
		h.executor.SetBuildArguments(args)
	}
}

// LivepushNeeded is a cheap predicate for whether invalidating against
// added/deleted would produce any work at all.
func (o *Orchestrator) LivepushNeeded(added, deleted map[string]struct{}) bool {
	plan := invalidate.Compute(o.Recipe, union(added, deleted))
	return !plan.IsEmpty()
}

// PerformLivepush computes the invalidation plan, cancel-and-waits for any
// in-flight run, then walks stages in ascending index executing each one's
// groups.
func (o *Orchestrator) PerformLivepush(ctx context.Context, added, deleted map[string]struct{}) error {
	plan := invalidate.Compute(o.Recipe, union(added, deleted))
	if plan.IsEmpty() {
		return nil
	}

	logger := ctxlog.FromContext(ctx).With("run", uuid.NewString())

	if o.running.Load() {
		o.requestCancelAndWait(ctx)
	}

	o.running.Store(true)
	defer func() {
		o.running.Store(false)
		o.clearCancelFlags()
	}()

	containerIDs := o.containerIDMap()

	for _, stageIdx := range plan.Stages() {
		handle, ok := o.stages[stageIdx]
		if !ok {
			return &execgroup.InternalInconsistencyError{Message: fmt.Sprintf("no container for stage %d", stageIdx)}
		}
		if handle.cancel.Load() {
			logger.Debug("livepush cancelled between stages", "stage", stageIdx)
			break
		}
		if handle.removed {
			return &execgroup.ContainerNotRunningError{ContainerID: handle.containerID}
		}
		logger.Info("running stage", "stage", stageIdx, "groups", len(plan.Groups(stageIdx)))
		if err := handle.executor.ExecuteActionGroups(ctx, plan.Groups(stageIdx), added, deleted, containerIDs); err != nil {
			return err
		}
	}
	return nil
}

// requestCancelAndWait flags every stage's container for cancellation,
// emits the cancel event, and polls until the previously running call has
// acknowledged and cleared its own flags.
func (o *Orchestrator) requestCancelAndWait(ctx context.Context) {
	for _, h := range o.stages {
		h.cancel.Store(true)
	}
	o.Bus.PublishCancel()

	for o.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (o *Orchestrator) clearCancelFlags() {
	for _, h := range o.stages {
		h.cancel.Store(false)
	}
}

func (o *Orchestrator) containerIDMap() execgroup.StageContainers {
	m := make(execgroup.StageContainers, len(o.stages))
	for idx, h := range o.stages {
		m[idx] = h.containerID
	}
	return m
}

// CleanupIntermediateContainers removes every helper container — every
// stage but the terminal one. After this, any later PerformLivepush that
// needs a removed stage fails with execgroup.ContainerNotRunningError.
func (o *Orchestrator) CleanupIntermediateContainers(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for idx, h := range o.stages {
		if o.Recipe.Stages[idx].IsLast {
			continue
		}
		if err := o.Client.Remove(ctx, h.containerID, true); err != nil {
			return &containerrt.RuntimeError{Op: "remove", ContainerID: h.containerID, Err: err}
		}
		// The handle stays in o.stages with its now-defunct containerID,
		// marked removed: a later PerformLivepush that plans this stage
		// returns execgroup.ContainerNotRunningError, and a stage copy from
		// it finds it gone via Inspect and surfaces the same error.
		h.removed = true
	}
	return nil
}

func union(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
