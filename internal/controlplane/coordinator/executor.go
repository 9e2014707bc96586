package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/metrics"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
	"github.com/packpool/packpool/internal/telemetry"
)

// run drives one operation from pending to a terminal status. It owns the
// endpoint's execution slot for its whole lifetime and is the only writer of
// the operation record while it runs.
func (c *Coordinator) run(op *store.SyncOperation, plan *store.SyncPlan) {
	defer c.wg.Done()

	if !c.locks.tryAcquire(op.EndpointID) {
		// The store's active-operation guard makes this unreachable in
		// practice, but settle the record instead of wedging it.
		_ = c.store.TransitionOperation(op.ID, store.OpPending, store.OpFailed, "endpoint execution slot busy")
		return
	}
	defer c.locks.release(op.EndpointID)

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	c.mu.Lock()
	c.cancels[op.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, op.ID)
		c.mu.Unlock()
	}()

	if err := c.store.TransitionOperation(op.ID, store.OpPending, store.OpInProgress, ""); err != nil {
		// Cancelled while still pending; nothing to execute.
		c.logger.Debug("operation gone before start", zap.String("op", op.ID), zap.Error(err))
		return
	}

	ctx, span := telemetry.StartOperationSpan(ctx, string(op.Type), op.EndpointID, op.PoolID)
	defer span.End()
	metrics.ActiveOperations.Inc()
	defer metrics.ActiveOperations.Dec()
	start := time.Now()

	log := c.logger.With(
		zap.String("op", op.ID),
		zap.String("type", string(op.Type)),
		zap.String("endpoint", op.EndpointID),
	)
	log.Info("operation started", zap.Int("actions", len(plan.Actions)))

	applied := make([]protocol.Action, 0, len(plan.Actions))
	for i, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			c.settleInterrupted(op, applied, err, start)
			return
		}

		if err := c.applyWithRetry(ctx, op.EndpointID, action); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.settleInterrupted(op, applied, err, start)
				return
			}
			detail := fmt.Sprintf("unit %d/%d %s %s: %v", i+1, len(plan.Actions), action.Type, action.Package, err)
			_ = c.store.RecordProgress(op.ID, progressOf(i, len(plan.Actions)), applied)
			_ = c.store.TransitionOperation(op.ID, store.OpInProgress, store.OpFailed, detail)
			metrics.RecordOperationComplete(string(op.Type), string(store.OpFailed), time.Since(start))
			c.publishTerminal(op, store.OpFailed, detail)
			log.Warn("operation failed", zap.String("unit", action.Package), zap.Error(err))
			return
		}

		applied = append(applied, action)
		_ = c.store.RecordProgress(op.ID, progressOf(i+1, len(plan.Actions)), applied)
		c.publish(events.Event{
			Type:       events.OperationProgress,
			EndpointID: op.EndpointID,
			PoolID:     op.PoolID,
			Summary:    fmt.Sprintf("%s %s applied (%d/%d)", action.Type, action.Package, i+1, len(plan.Actions)),
		})
	}

	c.settleCompleted(op, plan, applied, start, log)
}

// applyWithRetry runs a single unit, retrying within the backoff budget when
// the runner reports a transient failure. Non-transient failures return
// immediately as execution errors.
func (c *Coordinator) applyWithRetry(ctx context.Context, endpointID string, action protocol.Action) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		uctx, span := telemetry.StartUnitSpan(ctx, string(action.Type), action.Package)
		err := c.runner.Apply(uctx, endpointID, action)
		telemetry.EndUnitSpan(span, attempt, err)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !errors.Is(err, ErrTransient) {
			return fmt.Errorf("%w: %v", ErrExecution, err)
		}

		lastErr = err
		if attempt == c.retry.MaxAttempts {
			break
		}
		metrics.UnitRetriesTotal.WithLabelValues(string(action.Type)).Inc()
		delay := c.retry.nextRetryDelay(attempt)
		c.logger.Debug("transient unit failure, retrying",
			zap.String("endpoint", endpointID),
			zap.String("package", action.Package),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: retry budget exhausted after %d attempts: %v", ErrExecution, c.retry.MaxAttempts, lastErr)
}

// settleCompleted records success: refresh the endpoint's live package map,
// mark the operation completed, and set the resulting sync status.
func (c *Coordinator) settleCompleted(op *store.SyncOperation, plan *store.SyncPlan, applied []protocol.Action, start time.Time, log *zap.Logger) {
	_ = c.store.RecordProgress(op.ID, 100, applied)
	if err := c.store.TransitionOperation(op.ID, store.OpInProgress, store.OpCompleted, ""); err != nil {
		log.Warn("completion transition failed", zap.Error(err))
		return
	}

	c.refreshInstalled(op.EndpointID, applied)

	switch op.Type {
	case store.OpSyncToLatest:
		_ = c.store.SetSyncStatus(op.EndpointID, store.SyncInSync)
	default:
		// Reverts land on a historical state; recompute against the
		// pool's current target rather than assuming in_sync.
		if ep, err := c.store.GetEndpoint(op.EndpointID); err == nil {
			if pool, err := c.store.GetPool(op.PoolID); err == nil {
				if target, err := c.store.GetTargetState(op.PoolID); err == nil {
					c.refreshSyncStatus(ep, pool, target)
				} else {
					_ = c.store.SetSyncStatus(op.EndpointID, store.SyncUnknown)
				}
			}
		}
	}

	metrics.RecordOperationComplete(string(op.Type), string(store.OpCompleted), time.Since(start))
	c.publishTerminal(op, store.OpCompleted, fmt.Sprintf("%d actions applied", len(applied)))
	log.Info("operation completed",
		zap.Int("applied", len(applied)),
		zap.Duration("took", time.Since(start)),
	)
}

// settleInterrupted maps a context error to the right terminal status:
// cancellation was asked for, deadline means the operation overran its
// ceiling. Either way what was applied stays applied.
func (c *Coordinator) settleInterrupted(op *store.SyncOperation, applied []protocol.Action, cause error, start time.Time) {
	_ = c.store.RecordProgress(op.ID, progressOf(len(applied), len(op.Plan.Actions)), applied)
	c.refreshInstalled(op.EndpointID, applied)

	status := store.OpCancelled
	detail := fmt.Sprintf("cancelled after %d/%d actions", len(applied), len(op.Plan.Actions))
	if errors.Is(cause, context.DeadlineExceeded) {
		status = store.OpFailed
		detail = fmt.Sprintf("%v: exceeded %s ceiling after %d/%d actions", ErrTimeout, c.opTimeout, len(applied), len(op.Plan.Actions))
	}

	_ = c.store.TransitionOperation(op.ID, store.OpInProgress, status, detail)
	metrics.RecordOperationComplete(string(op.Type), string(status), time.Since(start))
	c.publishTerminal(op, status, detail)
	c.logger.Info("operation interrupted",
		zap.String("op", op.ID),
		zap.String("status", string(status)),
		zap.Int("applied", len(applied)),
	)
}

// refreshInstalled re-reads the endpoint's live package map from the runner;
// when the runner can't answer, the plan's applied actions are folded into
// the last known map so the store doesn't drift further than necessary.
func (c *Coordinator) refreshInstalled(endpointID string, applied []protocol.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if installed, err := c.runner.InstalledPackages(ctx, endpointID); err == nil {
		if err := c.store.UpdateInstalled(endpointID, installed); err != nil {
			c.logger.Warn("update installed failed", zap.String("endpoint", endpointID), zap.Error(err))
		}
		return
	}

	ep, err := c.store.GetEndpoint(endpointID)
	if err != nil {
		return
	}
	installed := ep.Installed.Clone()
	if installed == nil {
		installed = protocol.PackageMap{}
	}
	for _, action := range applied {
		switch action.Type {
		case protocol.ActionRemove:
			delete(installed, action.Package)
		default:
			installed[action.Package] = protocol.PackageInfo{
				Version:    action.Version,
				Repository: action.Repository,
			}
		}
	}
	_ = c.store.UpdateInstalled(endpointID, installed)
}

func (c *Coordinator) publishTerminal(op *store.SyncOperation, status store.OperationStatus, summary string) {
	evtType := events.OperationCompleted
	switch status {
	case store.OpFailed:
		evtType = events.OperationFailed
	case store.OpCancelled:
		evtType = events.OperationCancelled
	}
	c.publish(events.Event{
		Type:       evtType,
		EndpointID: op.EndpointID,
		PoolID:     op.PoolID,
		Summary:    summary,
		Detail:     map[string]string{"operation_id": op.ID, "type": string(op.Type)},
	})
}

func progressOf(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
