package stores

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func newTestAction(id string, status ActionStatus, dependsOn ...string) *Action {
	return &Action{
		ID:          id,
		Name:        "node_create_" + id,
		TargetID:    "node-" + id,
		TargetScope: ScopeNode,
		Verb:        "NODE_CREATE",
		Cause:       CauseRPC,
		Status:      status,
		Inputs:      "{}",
		Outputs:     "{}",
		DependsOn:   dependsOn,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"actions", "action_deps", "locks", "engines", "health_registry", "cluster_policies", "events"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestActionCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	a := newTestAction("a1", ActionStatusReady)
	a.TimeoutSeconds = 3600

	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	got, err := store.GetAction(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Verb != "NODE_CREATE" || got.Status != ActionStatusReady {
		t.Errorf("unexpected action: verb=%s status=%s", got.Verb, got.Status)
	}
	if got.TimeoutSeconds != 3600 {
		t.Errorf("timeout = %d, want 3600", got.TimeoutSeconds)
	}

	got.StatusReason = "queued"
	if err := store.UpdateAction(ctx, got); err != nil {
		t.Fatalf("failed to update action: %v", err)
	}

	if _, err := store.GetAction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteAction(ctx, "a1"); err != nil {
		t.Fatalf("failed to delete action: %v", err)
	}
	if _, err := store.GetAction(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAcquireActionMutualExclusion(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAction(ctx, newTestAction("a1", ActionStatusReady)); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	const engines = 8
	var wg sync.WaitGroup
	wins := make(chan string, engines)
	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			engineID := string(rune('A' + n))
			if _, err := store.AcquireAction(ctx, "a1", engineID, time.Now()); err == nil {
				wins <- engineID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", len(winners), winners)
	}

	got, err := store.GetAction(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Status != ActionStatusRunning || got.Owner == nil || *got.Owner != winners[0] {
		t.Errorf("action not owned by winner: status=%s owner=%v", got.Status, got.Owner)
	}
}

func TestAcquireActionNotReady(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAction(ctx, newTestAction("a1", ActionStatusWaiting)); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	if _, err := store.AcquireAction(ctx, "a1", "e1", time.Now()); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}
}

func TestAcquireFirstReadyDependencyOrdering(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	a := newTestAction("a", ActionStatusReady)
	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("failed to create action a: %v", err)
	}
	b := newTestAction("b", ActionStatusReady, "a")
	b.CreatedAt = a.CreatedAt.Add(-time.Minute) // older but blocked
	if err := store.CreateAction(ctx, b); err != nil {
		t.Fatalf("failed to create action b: %v", err)
	}

	// b is blocked by a, so a must be claimed despite being younger.
	claimed, err := store.AcquireFirstReady(ctx, "e1", time.Now())
	if err != nil {
		t.Fatalf("failed to acquire first ready: %v", err)
	}
	if claimed == nil || claimed.ID != "a" {
		t.Fatalf("expected action a, got %+v", claimed)
	}

	// Nothing else is claimable while a has not succeeded.
	claimed, err = store.AcquireFirstReady(ctx, "e1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claimable action, got %s", claimed.ID)
	}

	if err := store.FinishAction(ctx, "a", ActionStatusSucceeded, "done", "{}", time.Now()); err != nil {
		t.Fatalf("failed to finish action a: %v", err)
	}

	claimed, err = store.AcquireFirstReady(ctx, "e1", time.Now())
	if err != nil {
		t.Fatalf("failed to acquire after dependency succeeded: %v", err)
	}
	if claimed == nil || claimed.ID != "b" {
		t.Fatalf("expected action b after a succeeded, got %+v", claimed)
	}
}

func TestAcquireFirstReadyRace(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAction(ctx, newTestAction("solo", ActionStatusReady)); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan *Action, 2)
	for _, engineID := range []string{"e1", "e2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a, err := store.AcquireFirstReady(ctx, id, time.Now())
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			results <- a
		}(engineID)
	}
	wg.Wait()
	close(results)

	var claimed int
	for a := range results {
		if a != nil {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one engine to claim the action, got %d", claimed)
	}
}

func TestMarkReadyDependents(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.CreateAction(ctx, newTestAction("p1", ActionStatusSucceeded)); err != nil {
		t.Fatalf("failed to create p1: %v", err)
	}
	if err := store.CreateAction(ctx, newTestAction("p2", ActionStatusRunning)); err != nil {
		t.Fatalf("failed to create p2: %v", err)
	}
	if err := store.CreateAction(ctx, newTestAction("c1", ActionStatusWaiting, "p1")); err != nil {
		t.Fatalf("failed to create c1: %v", err)
	}
	if err := store.CreateAction(ctx, newTestAction("c2", ActionStatusWaiting, "p1", "p2")); err != nil {
		t.Fatalf("failed to create c2: %v", err)
	}

	ready, err := store.MarkReadyDependents(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to mark dependents: %v", err)
	}
	if len(ready) != 1 || ready[0] != "c1" {
		t.Fatalf("expected [c1], got %v", ready)
	}

	// c2 still waits on p2.
	got, err := store.GetAction(ctx, "c2")
	if err != nil {
		t.Fatalf("failed to get c2: %v", err)
	}
	if got.Status != ActionStatusWaiting {
		t.Errorf("c2 status = %s, want WAITING", got.Status)
	}

	if err := store.FinishAction(ctx, "p2", ActionStatusSucceeded, "", "{}", time.Now()); err != nil {
		t.Fatalf("failed to finish p2: %v", err)
	}
	ready, err = store.MarkReadyDependents(ctx, "p2")
	if err != nil {
		t.Fatalf("failed to mark dependents of p2: %v", err)
	}
	if len(ready) != 1 || ready[0] != "c2" {
		t.Fatalf("expected [c2], got %v", ready)
	}
}

func TestActionSignals(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	a := newTestAction("a1", ActionStatusReady)
	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	// Not RUNNING yet: signal is rejected.
	if err := store.SetActionSignal(ctx, "a1", SignalCancel); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired on non-running action, got %v", err)
	}

	if _, err := store.AcquireAction(ctx, "a1", "e1", time.Now()); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	if err := store.SetActionSignal(ctx, "a1", SignalCancel); err != nil {
		t.Fatalf("failed to set signal: %v", err)
	}
	sig, err := store.GetActionSignal(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if sig != SignalCancel {
		t.Errorf("signal = %s, want CANCEL", sig)
	}

	if err := store.ClearActionSignal(ctx, "a1"); err != nil {
		t.Fatalf("failed to clear signal: %v", err)
	}
	sig, err = store.GetActionSignal(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if sig != SignalNone {
		t.Errorf("signal = %s, want empty", sig)
	}
}

func TestFinishActionDoesNotOverwriteTerminal(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAction(ctx, newTestAction("a1", ActionStatusRunning)); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	if err := store.FinishAction(ctx, "a1", ActionStatusCancelled, "cancelled", "{}", time.Now()); err != nil {
		t.Fatalf("failed to finish: %v", err)
	}
	if err := store.FinishAction(ctx, "a1", ActionStatusSucceeded, "late", "{}", time.Now()); err != nil {
		t.Fatalf("second finish should be a no-op, got: %v", err)
	}

	got, err := store.GetAction(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Status != ActionStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestMarkTimedOutActions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	stale := newTestAction("stale", ActionStatusReady)
	stale.TimeoutSeconds = 60
	if err := store.CreateAction(ctx, stale); err != nil {
		t.Fatalf("failed to create stale action: %v", err)
	}
	if _, err := store.AcquireAction(ctx, "stale", "e1", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	fresh := newTestAction("fresh", ActionStatusReady)
	fresh.TimeoutSeconds = 3600
	if err := store.CreateAction(ctx, fresh); err != nil {
		t.Fatalf("failed to create fresh action: %v", err)
	}
	if _, err := store.AcquireAction(ctx, "fresh", "e1", now); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	ids, err := store.MarkTimedOutActions(ctx, now)
	if err != nil {
		t.Fatalf("failed to mark timed out: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected [stale], got %v", ids)
	}

	got, err := store.GetAction(ctx, "stale")
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Status != ActionStatusFailed || got.Owner != nil {
		t.Errorf("expected FAILED and disowned, got status=%s owner=%v", got.Status, got.Owner)
	}
}

func TestStoredTimestampsParsableBySQLite(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	a := newTestAction("a1", ActionStatusReady)
	if err := store.CreateAction(ctx, a); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	// Wall-clock readings carry nanosecond fractions; SQLite's date parser
	// rejects more than three fractional digits, so an untruncated write
	// would make strftime on the column return NULL and blind the timeout
	// sweep.
	if _, err := store.AcquireAction(ctx, "a1", "e1", time.Now().Add(137*time.Nanosecond)); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	var epoch sql.NullInt64
	err := store.db.QueryRowContext(ctx,
		`SELECT CAST(strftime('%s', started_at) AS INTEGER) FROM actions WHERE id = ?`, "a1").Scan(&epoch)
	if err != nil {
		t.Fatalf("failed to read started_at epoch: %v", err)
	}
	if !epoch.Valid || epoch.Int64 <= 0 {
		t.Fatalf("stored started_at is not parsable by strftime: %+v", epoch)
	}
}

func TestLockExclusive(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.AcquireLock(ctx, "cluster-1", "a1", "e1", LockScopeExclusive, 8); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if err := store.AcquireLock(ctx, "cluster-1", "a2", "e2", LockScopeExclusive, 8); !errors.Is(err, ErrLockConflict) {
		t.Errorf("expected ErrLockConflict, got %v", err)
	}
	if err := store.AcquireLock(ctx, "cluster-1", "a3", "e2", LockScopeShared, 8); !errors.Is(err, ErrLockConflict) {
		t.Errorf("shared must not coexist with exclusive, got %v", err)
	}

	if err := store.ReleaseLock(ctx, "cluster-1", "a1", "e1"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}

	// Release deletes the record; a new acquire is a fresh insert.
	if _, err := store.GetLock(ctx, "cluster-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected lock record deleted, got %v", err)
	}
	if err := store.AcquireLock(ctx, "cluster-1", "a2", "e2", LockScopeExclusive, 8); err != nil {
		t.Fatalf("failed to re-acquire: %v", err)
	}
}

func TestLockExclusiveConcurrent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actionID := string(rune('a' + n))
			if err := store.AcquireLock(ctx, "cluster-1", actionID, "e1", LockScopeExclusive, 8); err == nil {
				mu.Lock()
				winners = append(winners, actionID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one exclusive holder, got %d (%v)", len(winners), winners)
	}
}

func TestLockSharedBounded(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	const maxShared = 3

	for i := 0; i < maxShared; i++ {
		actionID := string(rune('a' + i))
		if err := store.AcquireLock(ctx, "cluster-1", actionID, "e1", LockScopeShared, maxShared); err != nil {
			t.Fatalf("shared acquire %d failed: %v", i, err)
		}
	}

	if err := store.AcquireLock(ctx, "cluster-1", "overflow", "e1", LockScopeShared, maxShared); !errors.Is(err, ErrLockConflict) {
		t.Errorf("expected ErrLockConflict past shared bound, got %v", err)
	}
	if err := store.AcquireLock(ctx, "cluster-1", "excl", "e2", LockScopeExclusive, maxShared); !errors.Is(err, ErrLockConflict) {
		t.Errorf("exclusive must not coexist with shared holders, got %v", err)
	}

	lock, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if len(lock.Owners) != maxShared {
		t.Errorf("owners = %v, want %d holders", lock.Owners, maxShared)
	}
}

func TestReleaseLockIdempotent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Releasing a lock that does not exist is a no-op.
	if err := store.ReleaseLock(ctx, "cluster-1", "a1", "e1"); err != nil {
		t.Fatalf("release of missing lock should be no-op, got %v", err)
	}

	if err := store.AcquireLock(ctx, "cluster-1", "a1", "e1", LockScopeExclusive, 8); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	// Releasing with a non-holder action leaves the lock intact.
	if err := store.ReleaseLock(ctx, "cluster-1", "other", "e2"); err != nil {
		t.Fatalf("release by non-holder should be no-op, got %v", err)
	}
	lock, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("lock should still exist: %v", err)
	}
	if len(lock.Owners) != 1 || lock.Owners[0] != "a1" {
		t.Errorf("owners = %v, want [a1]", lock.Owners)
	}
}

func TestStealLockFencing(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.AcquireLock(ctx, "cluster-1", "a1", "dead-engine", LockScopeExclusive, 8); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	lock, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}

	gen, err := store.StealLock(ctx, "cluster-1", "a2", "e2", lock.Generation)
	if err != nil {
		t.Fatalf("steal failed: %v", err)
	}
	if gen != lock.Generation+1 {
		t.Errorf("generation = %d, want %d", gen, lock.Generation+1)
	}

	// A second steal with the stale generation must lose.
	if _, err := store.StealLock(ctx, "cluster-1", "a3", "e3", lock.Generation); !errors.Is(err, ErrStaleGeneration) {
		t.Errorf("expected ErrStaleGeneration, got %v", err)
	}

	got, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if got.EngineID != "e2" {
		t.Errorf("engine = %s, want e2", got.EngineID)
	}
}

func TestStealLockConcurrent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.AcquireLock(ctx, "cluster-1", "a1", "dead-engine", LockScopeExclusive, 8); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	lock, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}

	var wg sync.WaitGroup
	wins := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			engineID := string(rune('A' + n))
			if _, err := store.StealLock(ctx, "cluster-1", "steal", engineID, lock.Generation); err == nil {
				wins <- engineID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful steal, got %d (%v)", len(winners), winners)
	}

	got, err := store.GetLock(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if got.EngineID != winners[0] {
		t.Errorf("engine = %s, want %s", got.EngineID, winners[0])
	}
}

func TestEngineRegistry(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	e1 := &Engine{ID: "e1", Address: "127.0.0.1:7001", StartedAt: now, HeartbeatAt: now}
	e2 := &Engine{ID: "e2", Address: "127.0.0.1:7002", StartedAt: now, HeartbeatAt: now.Add(-10 * time.Minute)}
	if err := store.RegisterEngine(ctx, e1); err != nil {
		t.Fatalf("failed to register e1: %v", err)
	}
	if err := store.RegisterEngine(ctx, e2); err != nil {
		t.Fatalf("failed to register e2: %v", err)
	}

	live, err := store.ListLiveEngines(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to list live engines: %v", err)
	}
	if len(live) != 1 || live[0].ID != "e1" {
		t.Fatalf("expected only e1 live, got %v", live)
	}

	if err := store.HeartbeatEngine(ctx, "e2", now); err != nil {
		t.Fatalf("failed to heartbeat e2: %v", err)
	}
	live, err = store.ListLiveEngines(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to list live engines: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected both engines live, got %d", len(live))
	}

	if err := store.RemoveEngine(ctx, "e1"); err != nil {
		t.Fatalf("failed to remove e1: %v", err)
	}
	if _, err := store.GetEngine(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimHealthEntries(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	e1 := "e1"

	entry := &HealthEntry{
		ClusterID:       "cluster-C",
		CheckType:       "NODE_STATUS_POLLING",
		IntervalSeconds: 60,
		Params:          "{}",
		EngineID:        &e1,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateHealthEntry(ctx, entry); err != nil {
		t.Fatalf("failed to create health entry: %v", err)
	}

	// e1 is still alive: nothing to claim.
	claimed, err := store.ClaimHealthEntries(ctx, "e2", []string{"e1", "e2"})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claims while owner is alive, got %d", len(claimed))
	}

	// e1 died: e2 claims the entry.
	claimed, err = store.ClaimHealthEntries(ctx, "e2", []string{"e2"})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ClusterID != "cluster-C" {
		t.Fatalf("expected to claim cluster-C, got %v", claimed)
	}

	byE2, err := store.ListHealthEntriesByEngine(ctx, "e2")
	if err != nil {
		t.Fatalf("failed to list by engine: %v", err)
	}
	if len(byE2) != 1 {
		t.Errorf("expected 1 entry owned by e2, got %d", len(byE2))
	}
	byE1, err := store.ListHealthEntriesByEngine(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to list by engine: %v", err)
	}
	if len(byE1) != 0 {
		t.Errorf("expected no entries owned by e1, got %d", len(byE1))
	}
}

func TestHealthEntryDisabledNotClaimed(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	entry := &HealthEntry{
		ClusterID:       "cluster-D",
		CheckType:       "NODE_STATUS_POLLING",
		IntervalSeconds: 60,
		Params:          "{}",
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateHealthEntry(ctx, entry); err != nil {
		t.Fatalf("failed to create health entry: %v", err)
	}
	if err := store.SetHealthEntryEnabled(ctx, "cluster-D", false); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}

	claimed, err := store.ClaimHealthEntries(ctx, "e1", nil)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("disabled entries must not be claimed, got %d", len(claimed))
	}
}

func TestClusterPolicyCooldown(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	binding := &ClusterPolicy{
		ClusterID:  "cluster-1",
		PolicyID:   "policy-1",
		PolicyName: "scaling-policy",
		PolicyType: "senlin.policy.scaling",
		Enabled:    true,
		Priority:   40,
		Data:       "{}",
	}
	if err := store.CreateClusterPolicy(ctx, binding); err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	got, err := store.GetClusterPolicy(ctx, "cluster-1", "policy-1")
	if err != nil {
		t.Fatalf("failed to get binding: %v", err)
	}
	if got.CooldownInProgress(time.Minute, time.Now()) {
		t.Error("cooldown must not be in progress before any operation")
	}

	if err := store.TouchClusterPolicy(ctx, "cluster-1", "policy-1", time.Now()); err != nil {
		t.Fatalf("failed to touch: %v", err)
	}
	got, err = store.GetClusterPolicy(ctx, "cluster-1", "policy-1")
	if err != nil {
		t.Fatalf("failed to get binding: %v", err)
	}
	if !got.CooldownInProgress(time.Minute, time.Now()) {
		t.Error("cooldown should be in progress just after an operation")
	}
	if got.CooldownInProgress(time.Minute, time.Now().Add(2*time.Minute)) {
		t.Error("cooldown should have expired")
	}
}

func TestClusterPolicyOrdering(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, p := range []struct {
		id       string
		priority int
	}{
		{"low", 70},
		{"high", 10},
		{"mid", 40},
	} {
		binding := &ClusterPolicy{
			ClusterID:  "cluster-1",
			PolicyID:   p.id,
			PolicyName: p.id,
			PolicyType: "senlin.policy.scaling",
			Enabled:    true,
			Priority:   p.priority,
			Data:       "{}",
		}
		if err := store.CreateClusterPolicy(ctx, binding); err != nil {
			t.Fatalf("failed to create %s: %v", p.id, err)
		}
	}

	bindings, err := store.ListClusterPolicies(ctx, "cluster-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i, b := range bindings {
		if b.PolicyID != want[i] {
			t.Errorf("position %d = %s, want %s", i, b.PolicyID, want[i])
		}
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	actionID := "a1"
	e := &Event{
		ActionID:  &actionID,
		Level:     EventLevelInfo,
		Message:   "action started",
		Timestamp: time.Now().UTC(),
	}
	if err := store.AppendEvent(ctx, e); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if e.ID == 0 {
		t.Error("event ID was not populated")
	}

	events, err := store.ListEvents(ctx, &actionID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Message != "action started" {
		t.Fatalf("unexpected events: %v", events)
	}
}
