package reconciler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/analyzer"
	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

func newTestReconciler(t *testing.T, cfg Config) (*Reconciler, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "controlplane.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := events.NewBus(64)
	return New(st, analyzer.New(st, testLogger()), bus, testLogger(), cfg), st, bus
}

func seedMember(t *testing.T, st *store.Store, poolName, epName string) (*store.Pool, *store.Endpoint) {
	t.Helper()
	pool, err := st.GetPoolByName(poolName)
	if err != nil {
		pool, err = st.CreatePool(store.Pool{Name: poolName})
		if err != nil {
			t.Fatal(err)
		}
	}
	ep, err := st.RegisterEndpoint(protocol.RegisterPayload{Name: epName, Hostname: epName + ".internal"}, "pek_"+epName)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AssignEndpoint(ep.ID, pool.ID); err != nil {
		t.Fatal(err)
	}
	return pool, ep
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestSweepOfflineMarksSilentEndpoints(t *testing.T) {
	r, st, bus := newTestReconciler(t, Config{OfflineThreshold: time.Millisecond})
	_, ep := seedMember(t, st, "web", "web-01")
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	time.Sleep(5 * time.Millisecond)
	r.RunOnce()

	got, err := st.GetEndpoint(ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.EndpointOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}

	var sawOffline bool
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.EndpointOffline && evt.EndpointID == ep.ID {
			sawOffline = true
		}
	}
	if !sawOffline {
		t.Fatal("expected an endpoint.offline event")
	}

	// Second pass is a no-op for the already-offline endpoint.
	r.RunOnce()
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.EndpointOffline {
			t.Fatal("offline endpoint reported twice")
		}
	}
}

func TestSweepRemovesLongOfflineEndpoints(t *testing.T) {
	r, st, bus := newTestReconciler(t, Config{
		OfflineThreshold: time.Millisecond,
		OfflineRetention: 10 * time.Millisecond,
	})
	_, ep := seedMember(t, st, "web", "web-01")
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	time.Sleep(5 * time.Millisecond)
	r.RunOnce() // marks offline
	time.Sleep(15 * time.Millisecond)
	r.RunOnce() // retention exceeded, record removed

	if _, err := st.GetEndpoint(ep.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected endpoint removed, got %v", err)
	}
	var sawRemoved bool
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.EndpointRemoved && evt.EndpointID == ep.ID {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Fatal("expected an endpoint.removed event")
	}
}

func TestFailOverdueOperations(t *testing.T) {
	r, st, bus := newTestReconciler(t, Config{
		OfflineThreshold: time.Hour,
		OperationCeiling: time.Millisecond,
	})
	pool, ep := seedMember(t, st, "web", "web-01")
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	op, err := st.CreateOperation(store.SyncOperation{PoolID: pool.ID, EndpointID: ep.ID, Type: store.OpSyncToLatest})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.TransitionOperation(op.ID, store.OpPending, store.OpInProgress, ""); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	r.RunOnce()

	got, _ := st.GetOperation(op.ID)
	if got.Status != store.OpFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	var sawFailed bool
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.OperationFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("expected an operation.failed event")
	}
}

func TestTrimHistoriesHonorsPoolRetention(t *testing.T) {
	r, st, _ := newTestReconciler(t, Config{OfflineThreshold: time.Hour})
	pool, err := st.CreatePool(store.Pool{Name: "web", Policy: store.SyncPolicy{MaxHistory: 2}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := st.CreatePackageState(store.PackageState{PoolID: pool.ID}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	target, err := st.CreateTargetState(store.PackageState{PoolID: pool.ID})
	if err != nil {
		t.Fatal(err)
	}

	r.RunOnce()

	states, err := st.ListPoolStates(pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 2 history + target after trim, got %d", len(states))
	}
	if got, _ := st.GetTargetState(pool.ID); got.ID != target.ID {
		t.Fatal("trim touched the target state")
	}
}

func TestReanalyzeStalePools(t *testing.T) {
	r, st, bus := newTestReconciler(t, Config{OfflineThreshold: time.Hour})
	pool, ep := seedMember(t, st, "web", "web-01")
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	err := st.ReplaceRepositories(ep.ID, []protocol.RepositoryListing{
		{Name: "main", Packages: map[string]protocol.PackageInfo{"nginx": {Version: "1.24.0"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	r.RunOnce()

	report, err := st.GetReport(pool.ID)
	if err != nil {
		t.Fatalf("expected a report after reanalysis: %v", err)
	}
	if report.CommonPackages["nginx"] != "1.24.0" {
		t.Fatalf("unexpected report: %+v", report.CommonPackages)
	}
	var sawAnalysis bool
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.AnalysisCompleted && evt.PoolID == pool.ID {
			sawAnalysis = true
		}
	}
	if !sawAnalysis {
		t.Fatal("expected an analysis.completed event")
	}

	// Nothing changed: the next pass leaves the report alone.
	r.RunOnce()
	for _, evt := range drainEvents(ch) {
		if evt.Type == events.AnalysisCompleted {
			t.Fatal("unchanged pool reanalyzed")
		}
	}
}

func TestStartStop(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{Interval: time.Hour, OfflineThreshold: time.Hour})
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.Stop()
	// Stopping an unstarted reconciler is harmless.
	unstarted, _, _ := newTestReconciler(t, Config{})
	unstarted.Stop()
}
