// Package reconciler runs the periodic housekeeping that keeps stored fleet
// state honest: offline detection, state-history trimming, stale report
// recomputation, and failing operations that overran their ceiling. Every
// pass is idempotent, so overlapping or missed runs are harmless.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/analyzer"
	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/metrics"
	"github.com/packpool/packpool/internal/controlplane/store"
)

// Config tunes the reconciliation passes.
type Config struct {
	// Interval is how often the main pass runs.
	Interval time.Duration
	// OfflineThreshold is how long without a heartbeat before an
	// endpoint is marked offline.
	OfflineThreshold time.Duration
	// OfflineRetention is how long an offline endpoint is kept before
	// its record is removed. Zero disables removal.
	OfflineRetention time.Duration
	// OperationCeiling is the age past which a non-terminal operation
	// is force-failed. This backstops executor crashes.
	OperationCeiling time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		OfflineThreshold: 90 * time.Second,
		OfflineRetention: 0,
		OperationCeiling: time.Hour,
	}
}

// Reconciler owns the cron entries and the per-pass logic.
type Reconciler struct {
	store    *store.Store
	analyzer *analyzer.Analyzer
	bus      *events.Bus
	logger   *zap.Logger
	cfg      Config
	cron     *cron.Cron
}

// New creates a reconciler. Call Start to begin the schedule.
func New(st *store.Store, an *analyzer.Analyzer, bus *events.Bus, logger *zap.Logger, cfg Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultConfig().OfflineThreshold
	}
	if cfg.OperationCeiling <= 0 {
		cfg.OperationCeiling = DefaultConfig().OperationCeiling
	}
	return &Reconciler{
		store:    st,
		analyzer: an,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start registers the cron entries and launches the schedule. A pass that is
// still running when its next slot comes up is skipped, not stacked.
func (r *Reconciler) Start() error {
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), r.RunOnce); err != nil {
		return fmt.Errorf("schedule reconcile pass: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("offline_threshold", r.cfg.OfflineThreshold),
	)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// RunOnce executes a full reconciliation pass. Exported so the server can
// trigger a pass on demand and so tests can drive passes without the cron.
func (r *Reconciler) RunOnce() {
	start := time.Now()
	r.sweepOffline()
	r.failOverdue()
	r.trimHistories()
	r.reanalyzeStale()
	r.observeGauges()
	r.logger.Debug("reconcile pass done", zap.Duration("took", time.Since(start)))
}

// sweepOffline flags endpoints past the heartbeat threshold and removes
// offline records past the retention window.
func (r *Reconciler) sweepOffline() {
	ids, err := r.store.MarkOffline(r.cfg.OfflineThreshold)
	if err != nil {
		r.logger.Warn("offline sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		r.logger.Info("endpoint went offline", zap.String("endpoint", id))
		r.publish(events.Event{
			Type:       events.EndpointOffline,
			EndpointID: id,
			Summary:    fmt.Sprintf("no heartbeat for %s", r.cfg.OfflineThreshold),
		})
	}

	if r.cfg.OfflineRetention <= 0 {
		return
	}
	removed, err := r.store.DeleteOfflineBefore(time.Now().Add(-r.cfg.OfflineRetention))
	if err != nil {
		r.logger.Warn("offline cleanup failed", zap.Error(err))
		return
	}
	for _, id := range removed {
		r.logger.Info("offline endpoint removed", zap.String("endpoint", id))
		r.publish(events.Event{
			Type:       events.EndpointRemoved,
			EndpointID: id,
			Summary:    fmt.Sprintf("offline longer than %s", r.cfg.OfflineRetention),
		})
	}
}

// failOverdue settles operations whose executor never reported a terminal
// status, typically after a process crash mid-execution.
func (r *Reconciler) failOverdue() {
	ids, err := r.store.FailOverdueOperations(r.cfg.OperationCeiling)
	if err != nil {
		r.logger.Warn("overdue operation sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		r.logger.Warn("operation force-failed as overdue", zap.String("op", id))
		r.publish(events.Event{
			Type:    events.OperationFailed,
			Summary: fmt.Sprintf("operation %s exceeded the %s ceiling", id, r.cfg.OperationCeiling),
			Detail:  map[string]string{"operation_id": id},
		})
	}
}

// trimHistories prunes each pool's state and operation history down to the
// pool's configured retention. The target state always survives.
func (r *Reconciler) trimHistories() {
	pools, err := r.store.ListPools()
	if err != nil {
		r.logger.Warn("list pools for trim failed", zap.Error(err))
		return
	}
	for _, pool := range pools {
		keep := pool.Policy.MaxHistory
		if keep <= 0 {
			continue
		}
		states, err := r.store.TrimStateHistory(pool.ID, keep)
		if err != nil {
			r.logger.Warn("state trim failed", zap.String("pool", pool.ID), zap.Error(err))
		}
		ops, err := r.store.TrimOperations(pool.ID, keep)
		if err != nil {
			r.logger.Warn("operation trim failed", zap.String("pool", pool.ID), zap.Error(err))
		}
		if states > 0 || ops > 0 {
			r.logger.Debug("history trimmed",
				zap.String("pool", pool.ID),
				zap.Int("states", states),
				zap.Int("operations", ops),
			)
		}
	}
}

// reanalyzeStale recomputes compatibility reports for pools whose repository
// facts changed since the report was computed.
func (r *Reconciler) reanalyzeStale() {
	stale, err := r.store.StalePoolIDs()
	if err != nil {
		r.logger.Warn("stale pool scan failed", zap.Error(err))
		return
	}
	for _, poolID := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		report, err := r.analyzer.Analyze(ctx, poolID)
		cancel()
		if err != nil {
			r.logger.Warn("reanalysis failed", zap.String("pool", poolID), zap.Error(err))
			continue
		}
		r.publish(events.Event{
			Type:    events.AnalysisCompleted,
			PoolID:  poolID,
			Summary: fmt.Sprintf("%d common, %d excluded, %d conflicts", len(report.CommonPackages), len(report.ExcludedPackages), len(report.Conflicts)),
		})
	}
}

// observeGauges refreshes the endpoints-by-status gauge family.
func (r *Reconciler) observeGauges() {
	counts, err := r.store.CountEndpoints()
	if err != nil {
		return
	}
	for status, n := range counts {
		metrics.EndpointsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (r *Reconciler) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
