package store

import (
	"errors"
	"testing"
)

func TestCreatePoolDefaults(t *testing.T) {
	s := openStore(t)

	p, err := s.CreatePool(Pool{Name: "web"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Policy.ConflictResolution != ConflictManual {
		t.Fatalf("expected manual conflict policy, got %s", p.Policy.ConflictResolution)
	}
	if p.Policy.MaxHistory != 10 {
		t.Fatalf("expected default max history 10, got %d", p.Policy.MaxHistory)
	}
	if p.ID == "" {
		t.Fatal("expected generated pool id")
	}
}

func TestCreatePoolValidation(t *testing.T) {
	s := openStore(t)

	if _, err := s.CreatePool(Pool{Name: "   "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if _, err := s.CreatePool(Pool{Name: "web", Policy: SyncPolicy{ConflictResolution: "vote"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown policy, got %v", err)
	}
	if _, err := s.CreatePool(Pool{Name: "web", Policy: SyncPolicy{ConflictResolution: ConflictManual, MaxHistory: -1}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative history, got %v", err)
	}
}

func TestCreatePoolDuplicateName(t *testing.T) {
	s := openStore(t)

	mustPool(t, s, "web")
	if _, err := s.CreatePool(Pool{Name: "web"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}
}

func TestUpdatePool(t *testing.T) {
	s := openStore(t)

	p := mustPool(t, s, "web")
	p.Name = "web-prod"
	p.Policy.AutoSync = true
	p.Policy.ExcludedPackages = []string{"kernel"}

	updated, err := s.UpdatePool(*p)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "web-prod" || !updated.Policy.AutoSync {
		t.Fatalf("update not applied: %+v", updated)
	}
	if len(updated.Policy.ExcludedPackages) != 1 || updated.Policy.ExcludedPackages[0] != "kernel" {
		t.Fatalf("exclusions not applied: %v", updated.Policy.ExcludedPackages)
	}

	p.ID = "missing"
	if _, err := s.UpdatePool(*p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown pool, got %v", err)
	}
}

func TestListPoolsOrderedByName(t *testing.T) {
	s := openStore(t)

	mustPool(t, s, "zeta")
	mustPool(t, s, "alpha")

	pools, err := s.ListPools()
	if err != nil {
		t.Fatal(err)
	}
	if len(pools) != 2 || pools[0].Name != "alpha" || pools[1].Name != "zeta" {
		t.Fatalf("unexpected pool order: %+v", pools)
	}
}

func TestDeletePoolCascades(t *testing.T) {
	s := openStore(t)

	pool := mustPool(t, s, "web")
	ep := mustEndpoint(t, s, "web-01", pool.ID)
	if _, err := s.CreateTargetState(PackageState{PoolID: pool.ID, Packages: pkgs("nginx", "1.24.0")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOperation(SyncOperation{PoolID: pool.ID, EndpointID: ep.ID, Type: OpSyncToLatest}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePool(pool.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetTargetState(pool.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected states to cascade, got %v", err)
	}
	ops, err := s.ListOperations(OperationQuery{PoolID: pool.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected operations to cascade, got %d", len(ops))
	}

	// Member endpoints survive, unassigned.
	got, err := s.GetEndpoint(ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PoolID != "" {
		t.Fatalf("expected endpoint unassigned after pool delete, got pool %q", got.PoolID)
	}

	if err := s.DeletePool(pool.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
