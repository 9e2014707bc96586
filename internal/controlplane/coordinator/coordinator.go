// Package coordinator turns "endpoint X should match pool target" into an
// ordered operation plan, drives the operation state machine, and records
// outcomes. Execution is single-flight per endpoint: a second request while
// one is active fails with ErrOperationInProgress rather than queuing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

const defaultOperationTimeout = 30 * time.Minute

// PackageRunner is the external package-execution collaborator: it applies
// one action at a time against the endpoint's local package manager. Calls
// may block for the duration of a real package install; failures wrapped
// with Transient are retried within the budget.
type PackageRunner interface {
	Apply(ctx context.Context, endpointID string, action protocol.Action) error
	InstalledPackages(ctx context.Context, endpointID string) (protocol.PackageMap, error)
}

// Options tune coordinator behavior.
type Options struct {
	Retry            RetryPolicy
	OperationTimeout time.Duration
}

// Coordinator schedules and executes sync operations.
type Coordinator struct {
	store     *store.Store
	runner    PackageRunner
	bus       *events.Bus
	logger    *zap.Logger
	retry     RetryPolicy
	opTimeout time.Duration

	locks   *lockTable
	mu      sync.Mutex
	cancels map[string]context.CancelFunc // operation id -> in-flight cancel
	wg      sync.WaitGroup
}

// New creates a coordinator.
func New(st *store.Store, runner PackageRunner, bus *events.Bus, logger *zap.Logger, opts Options) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := opts.Retry.validate(); err != nil {
		return nil, err
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	return &Coordinator{
		store:     st,
		runner:    runner,
		bus:       bus,
		logger:    logger,
		retry:     opts.Retry,
		opTimeout: opts.OperationTimeout,
		locks:     newLockTable(),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// PlanSync computes the plan converging an endpoint on its pool's current
// target. Nothing is executed; calling twice with unchanged state yields an
// identical plan.
func (c *Coordinator) PlanSync(ctx context.Context, endpointID string, dryRun bool) (*store.SyncPlan, error) {
	ep, pool, err := c.memberOf(endpointID)
	if err != nil {
		return nil, err
	}
	target, err := c.store.GetTargetState(pool.ID)
	if err != nil {
		return nil, err
	}
	return buildPlan(pool, ep, target, c.cachedReport(pool.ID), dryRun), nil
}

// Sync plans against the pool target and executes immediately.
func (c *Coordinator) Sync(ctx context.Context, endpointID string) (*store.SyncOperation, error) {
	plan, err := c.PlanSync(ctx, endpointID, false)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, plan, store.OpSyncToLatest)
}

// Execute creates a pending operation for a confirmed plan and starts the
// executor. It returns as soon as the operation is recorded; progress and
// terminal status are polled from the store, never from the in-flight call.
func (c *Coordinator) Execute(ctx context.Context, plan *store.SyncPlan, opType store.OperationType) (*store.SyncOperation, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", store.ErrValidation)
	}
	if plan.DryRun {
		return nil, fmt.Errorf("%w: refusing to execute a dry-run plan", store.ErrValidation)
	}
	ep, err := c.store.GetEndpoint(plan.EndpointID)
	if err != nil {
		return nil, err
	}

	op, err := c.store.CreateOperation(store.SyncOperation{
		PoolID:     plan.PoolID,
		EndpointID: plan.EndpointID,
		Type:       opType,
		Plan:       plan,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrOperationInProgress
		}
		return nil, err
	}

	// Pre-execution snapshot: this is what a later revert returns to.
	if !plan.Empty() {
		_, err = c.store.CreatePackageState(store.PackageState{
			PoolID:     plan.PoolID,
			EndpointID: ep.ID,
			Packages:   ep.Installed.Clone(),
			Message:    fmt.Sprintf("snapshot before %s", opType),
			CreatedBy:  "coordinator",
		})
		if err != nil {
			c.logger.Warn("pre-execution snapshot failed", zap.String("op", op.ID), zap.Error(err))
		}
	}

	if err := c.store.SetSyncStatus(ep.ID, store.SyncPending); err != nil {
		c.logger.Warn("set sync_pending failed", zap.String("endpoint", ep.ID), zap.Error(err))
	}

	c.publish(events.Event{
		Type:       events.OperationCreated,
		EndpointID: op.EndpointID,
		PoolID:     op.PoolID,
		Summary:    fmt.Sprintf("%s queued (%d actions)", op.Type, len(plan.Actions)),
		Detail:     op,
	})

	c.wg.Add(1)
	go c.run(op, plan)
	return op, nil
}

// SetAsLatest snapshots the endpoint's current package map and atomically
// makes it the pool's new target, displacing the previous target. Peer
// endpoints keep their ahead/behind status until their own sync completes.
func (c *Coordinator) SetAsLatest(ctx context.Context, endpointID, createdBy, message string) (*store.PackageState, error) {
	ep, pool, err := c.memberOf(endpointID)
	if err != nil {
		return nil, err
	}

	op, err := c.store.CreateOperation(store.SyncOperation{
		PoolID:     pool.ID,
		EndpointID: ep.ID,
		Type:       store.OpSetAsLatest,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrOperationInProgress
		}
		return nil, err
	}
	if err := c.store.TransitionOperation(op.ID, store.OpPending, store.OpInProgress, ""); err != nil {
		return nil, err
	}

	state, err := c.store.CreateTargetState(store.PackageState{
		PoolID:     pool.ID,
		EndpointID: ep.ID,
		Packages:   ep.Installed.Clone(),
		Message:    message,
		CreatedBy:  createdBy,
	})
	if err != nil {
		_ = c.store.TransitionOperation(op.ID, store.OpInProgress, store.OpFailed, err.Error())
		return nil, err
	}

	_ = c.store.RecordProgress(op.ID, 100, nil)
	if err := c.store.TransitionOperation(op.ID, store.OpInProgress, store.OpCompleted, ""); err != nil {
		return nil, err
	}
	_ = c.store.SetSyncStatus(ep.ID, store.SyncInSync)

	// Recompute peers against the new target so they read behind/ahead
	// instead of a stale in_sync.
	peers, err := c.store.ListPoolEndpoints(pool.ID)
	if err == nil {
		for _, peer := range peers {
			if peer.ID == ep.ID {
				continue
			}
			c.refreshSyncStatus(peer, pool, state)
		}
	}

	c.publish(events.Event{
		Type:       events.TargetChanged,
		EndpointID: ep.ID,
		PoolID:     pool.ID,
		Summary:    fmt.Sprintf("pool target set from endpoint %s (%d packages)", ep.Name, len(state.Packages)),
		Detail:     map[string]string{"state_id": state.ID},
	})
	c.logger.Info("target state replaced",
		zap.String("pool", pool.ID),
		zap.String("endpoint", ep.ID),
		zap.String("state", state.ID),
	)
	return state, nil
}

// Revert plans and executes a sync whose target is an explicit historical
// state rather than the pool's current target. With no id, the endpoint's
// most recent prior snapshot is used.
func (c *Coordinator) Revert(ctx context.Context, endpointID, stateID string) (*store.SyncOperation, error) {
	ep, pool, err := c.memberOf(endpointID)
	if err != nil {
		return nil, err
	}

	var target *store.PackageState
	if stateID != "" {
		target, err = c.store.GetPackageState(stateID)
		if err != nil {
			return nil, err
		}
		if target.PoolID != pool.ID {
			return nil, fmt.Errorf("%w: state %s belongs to another pool", store.ErrValidation, stateID)
		}
		if target.IsTarget {
			return nil, fmt.Errorf("%w: revert target must be a historical state", store.ErrValidation)
		}
	} else {
		target, err = c.store.LatestEndpointState(ep.ID)
		if err != nil {
			return nil, err
		}
	}

	plan := buildPlan(pool, ep, target, c.cachedReport(pool.ID), false)
	return c.Execute(ctx, plan, store.OpRevert)
}

// Cancel requests cancellation of a pending or in-progress operation.
// Cancellation is cooperative: an executing operation stops before its next
// unit; completed units stay applied and are reported, not rolled back.
func (c *Coordinator) Cancel(opID string) (*store.SyncOperation, error) {
	op, err := c.store.GetOperation(opID)
	if err != nil {
		return nil, err
	}

	switch op.Status {
	case store.OpPending:
		if err := c.store.TransitionOperation(opID, store.OpPending, store.OpCancelled, "cancelled by request"); err != nil {
			return nil, err
		}
		c.publishTerminal(op, store.OpCancelled, "cancelled before execution started")
	case store.OpInProgress:
		c.mu.Lock()
		cancel, running := c.cancels[opID]
		c.mu.Unlock()
		if running {
			cancel()
		} else {
			// Executor is gone (e.g. process restart); settle the record.
			if err := c.store.TransitionOperation(opID, store.OpInProgress, store.OpCancelled, "cancelled by request"); err != nil {
				return nil, err
			}
			c.publishTerminal(op, store.OpCancelled, "cancelled with no live executor")
		}
	default:
		return nil, fmt.Errorf("%w: operation %s is already %s", store.ErrConflict, opID, op.Status)
	}
	return c.store.GetOperation(opID)
}

// ObserveFacts is called after an endpoint pushes repository and package
// facts: it recomputes the endpoint's sync status and, when the pool policy
// allows, triggers an automatic sync for an endpoint that fell behind.
func (c *Coordinator) ObserveFacts(ctx context.Context, endpointID string) {
	ep, pool, err := c.memberOf(endpointID)
	if err != nil {
		return // unassigned endpoints have no target to compare against
	}
	target, err := c.store.GetTargetState(pool.ID)
	if err != nil {
		_ = c.store.SetSyncStatus(ep.ID, store.SyncUnknown)
		return
	}
	status := c.refreshSyncStatus(ep, pool, target)

	if status == store.SyncBehind && pool.Policy.AutoSync {
		if _, err := c.Sync(ctx, endpointID); err != nil && !errors.Is(err, ErrOperationInProgress) {
			c.logger.Warn("auto-sync failed to start",
				zap.String("endpoint", endpointID), zap.Error(err))
		}
	}
}

// WaitIdle blocks until all in-flight executors have finished.
func (c *Coordinator) WaitIdle() {
	c.wg.Wait()
}

// ── internals ───────────────────────────────────────────────

func (c *Coordinator) memberOf(endpointID string) (*store.Endpoint, *store.Pool, error) {
	ep, err := c.store.GetEndpoint(endpointID)
	if err != nil {
		return nil, nil, err
	}
	if ep.PoolID == "" {
		return nil, nil, fmt.Errorf("%w: endpoint %s is not assigned to a pool", store.ErrValidation, endpointID)
	}
	pool, err := c.store.GetPool(ep.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return ep, pool, nil
}

// cachedReport returns the pool's current report, or nil when none has
// been computed yet (no analysis exclusions apply then).
func (c *Coordinator) cachedReport(poolID string) *store.CompatibilityReport {
	report, err := c.store.GetReport(poolID)
	if err != nil {
		return nil
	}
	return report
}

func (c *Coordinator) refreshSyncStatus(ep *store.Endpoint, pool *store.Pool, target *store.PackageState) store.SyncStatus {
	status := classifySyncStatus(buildPlan(pool, ep, target, c.cachedReport(pool.ID), true))
	if err := c.store.SetSyncStatus(ep.ID, status); err != nil {
		c.logger.Warn("refresh sync status failed", zap.String("endpoint", ep.ID), zap.Error(err))
	}
	return status
}

func (c *Coordinator) publish(evt events.Event) {
	if c.bus != nil {
		c.bus.Publish(evt)
	}
}
