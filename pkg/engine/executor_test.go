package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

func setupTestStore(t *testing.T) stores.Store {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
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
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// stubProfile records invocations and returns a configurable result.
type stubProfile struct {
	mu    sync.Mutex
	calls []string
	err   error
	delay time.Duration
}

func (p *stubProfile) Type() string { return "stub" }

func (p *stubProfile) do(ctx context.Context, op, targetID string) (map[string]interface{}, error) {
	p.mu.Lock()
	p.calls = append(p.calls, op+":"+targetID)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return map[string]interface{}{"op": op}, nil
}

func (p *stubProfile) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *stubProfile) DoCreate(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "create", t)
}
func (p *stubProfile) DoDelete(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "delete", t)
}
func (p *stubProfile) DoUpdate(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "update", t)
}
func (p *stubProfile) DoCheck(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "check", t)
}
func (p *stubProfile) DoRecover(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "recover", t)
}
func (p *stubProfile) DoJoin(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "join", t)
}
func (p *stubProfile) DoLeave(ctx context.Context, t string, _ map[string]interface{}) (map[string]interface{}, error) {
	return p.do(ctx, "leave", t)
}

type stubResolver struct {
	profile Profile
}

func (r *stubResolver) Resolve(string) (Profile, error) {
	if r.profile == nil {
		return nil, errors.New("no profile registered")
	}
	return r.profile, nil
}

// stubLocks grants or denies every acquisition.
type stubLocks struct {
	mu        sync.Mutex
	conflict  bool
	fenceLost bool
	acquired  []string
	released  []string
}

func (l *stubLocks) Acquire(_ context.Context, targetID, actionID string, _ stores.LockScope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conflict {
		return NewConflictError("target locked by a live engine", nil).WithAction(actionID).WithTarget(targetID)
	}
	l.acquired = append(l.acquired, targetID)
	return nil
}

func (l *stubLocks) Release(_ context.Context, targetID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, targetID)
	return nil
}

func (l *stubLocks) Verify(_ context.Context, targetID, actionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fenceLost {
		return NewFatalInvariantError("lock stolen while held", nil).WithAction(actionID).WithTarget(targetID)
	}
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	actions []string
}

func (n *recordingNotifier) StartAction(_ context.Context, _, actionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, actionID)
	return nil
}

func (n *recordingNotifier) woken() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.actions...)
}

type stubPolicies struct {
	preErr  error
	postOps int
}

func (p *stubPolicies) PreOp(context.Context, string, *stores.Action) error {
	return p.preErr
}

func (p *stubPolicies) PostOp(context.Context, string, *stores.Action) error {
	p.postOps++
	return nil
}

func newTestExecutor(store stores.Store, locks LockManager, profile Profile, policies PolicyHooks, notifier Notifier) *Executor {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewExecutor(store, locks, &stubResolver{profile: profile}, policies, notifier, nil, nil, logger, ExecutorOptions{
		EngineID:       "engine-1",
		SignalInterval: 10 * time.Millisecond,
	})
}

// claimAction creates an action and claims it the way the scheduler would.
func claimAction(t *testing.T, store stores.Store, req ActionRequest) *stores.Action {
	t.Helper()
	ctx := context.Background()

	action, err := NewAction(req, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("failed to build action: %v", err)
	}
	if err := store.CreateAction(ctx, action); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	claimed, err := store.AcquireAction(ctx, action.ID, "engine-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}
	return claimed
}

func TestExecuteSuccess(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	locks := &stubLocks{}
	exec := newTestExecutor(store, locks, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})
	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", got.Status, got.StatusReason)
	}
	if got.Owner != nil {
		t.Error("ownership must be cleared on finish")
	}
	if got.EndedAt == nil {
		t.Error("end timestamp must be recorded")
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(got.Outputs), &outputs); err != nil {
		t.Fatalf("outputs are not JSON: %v", err)
	}
	if outputs["op"] != "create" {
		t.Errorf("profile outputs not recorded: %v", outputs)
	}

	if len(locks.acquired) != 1 || locks.acquired[0] != "node-1" {
		t.Errorf("unexpected lock set: %v", locks.acquired)
	}
	if len(locks.released) != 1 {
		t.Errorf("locks must be released: %v", locks.released)
	}
}

func TestExecuteWakesDependents(t *testing.T) {
	store := setupTestStore(t)
	notifier := &recordingNotifier{}
	exec := newTestExecutor(store, &stubLocks{}, &stubProfile{}, nil, notifier)
	ctx := context.Background()

	parent := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterScaleOut,
	})

	child, err := NewAction(ActionRequest{
		TargetID:  "node-1",
		Verb:      NodeCreate,
		DependsOn: []string{parent.ID},
	}, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("failed to build dependent: %v", err)
	}
	if err := store.CreateAction(ctx, child); err != nil {
		t.Fatalf("failed to create dependent: %v", err)
	}
	if child.Status != stores.ActionStatusWaiting {
		t.Fatalf("dependent must start WAITING, got %s", child.Status)
	}

	if err := exec.Execute(ctx, parent); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got, err := store.GetAction(ctx, child.ID)
	if err != nil {
		t.Fatalf("failed to read dependent: %v", err)
	}
	if got.Status != stores.ActionStatusReady {
		t.Fatalf("dependent must be promoted to READY, got %s", got.Status)
	}
	if woken := notifier.woken(); len(woken) != 1 || woken[0] != child.ID {
		t.Fatalf("dependent wake-up not broadcast: %v", woken)
	}
}

func TestExecuteAdapterFailure(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{err: errors.New("hypervisor rejected request")}
	exec := newTestExecutor(store, &stubLocks{}, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})

	// Adapter failures terminate the action but never the engine.
	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("adapter failure must not propagate: %v", err)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "hypervisor rejected request") {
		t.Errorf("failure reason lost: %q", got.StatusReason)
	}
}

func TestExecuteFenceLostFailsAction(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	locks := &stubLocks{fenceLost: true}
	exec := newTestExecutor(store, locks, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})

	// A fence stolen mid-execution must fail the action loudly, never
	// record success.
	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("fence loss must not propagate as infrastructure failure: %v", err)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "lock fence lost") {
		t.Errorf("fence loss reason missing: %q", got.StatusReason)
	}
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	store := setupTestStore(t)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create event publisher: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
	}, nil)

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	exec := NewExecutor(store, &stubLocks{}, &stubResolver{profile: &stubProfile{}}, nil, nil, nil, nil, logger, ExecutorOptions{
		EngineID: "engine-1",
		Events:   events,
	})

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})
	if err := exec.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// Subscribers run asynchronously; wait for both lifecycle events.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		started := seen[telemetry.EventTypeActionStarted]
		succeeded := seen[telemetry.EventTypeActionSucceeded]
		mu.Unlock()
		if started == 1 && succeeded == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("lifecycle events not published: %v", seen)
}

func TestExecuteInfrastructureFailurePropagates(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{err: NewInfrastructureError("store unreachable", nil)}
	exec := newTestExecutor(store, &stubLocks{}, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})

	err := exec.Execute(ctx, action)
	if err == nil {
		t.Fatal("infrastructure failure must propagate")
	}
	if !IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}

	// The action keeps its claimed state for the timeout sweep.
	got, gerr := store.GetAction(ctx, action.ID)
	if gerr != nil {
		t.Fatalf("failed to read action: %v", gerr)
	}
	if got.Status != stores.ActionStatusRunning {
		t.Fatalf("action must stay RUNNING, got %s", got.Status)
	}
}

func TestExecuteLockConflictRequeues(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	exec := newTestExecutor(store, &stubLocks{conflict: true}, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})

	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("lock conflict must not propagate: %v", err)
	}
	if profile.callCount() != 0 {
		t.Error("profile must not run without the lock")
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusReady {
		t.Fatalf("action must be requeued to READY, got %s", got.Status)
	}
	if got.Owner != nil {
		t.Error("requeued action must drop its owner")
	}
}

func TestExecuteCancelSignal(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	exec := newTestExecutor(store, &stubLocks{}, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})
	if err := store.SetActionSignal(ctx, action.ID, stores.SignalCancel); err != nil {
		t.Fatalf("failed to set signal: %v", err)
	}

	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if profile.callCount() != 0 {
		t.Error("cancelled action must not reach the profile")
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestExecuteSuspendResume(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	exec := newTestExecutor(store, &stubLocks{}, profile, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})
	if err := store.SetActionSignal(ctx, action.ID, stores.SignalSuspend); err != nil {
		t.Fatalf("failed to set signal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, action) }()

	// Wait for the executor to park on the pause gate.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetAction(ctx, action.ID)
		if err != nil {
			t.Fatalf("failed to read action: %v", err)
		}
		if got.Status == stores.ActionStatusSuspended {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusSuspended {
		t.Fatalf("action never suspended, status %s", got.Status)
	}
	if profile.callCount() != 0 {
		t.Fatal("suspended action must not reach the profile")
	}

	if err := store.SetActionSignal(ctx, action.ID, stores.SignalResume); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute failed after resume: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("executor never returned after resume")
	}

	got, err = store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED after resume, got %s", got.Status)
	}
	if profile.callCount() != 1 {
		t.Errorf("profile must run exactly once, ran %d times", profile.callCount())
	}
}

func TestExecuteSuspendThenCancel(t *testing.T) {
	store := setupTestStore(t)
	exec := newTestExecutor(store, &stubLocks{}, &stubProfile{}, nil, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeCreate,
	})
	if err := store.SetActionSignal(ctx, action.ID, stores.SignalSuspend); err != nil {
		t.Fatalf("failed to set signal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, action) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetAction(ctx, action.ID)
		if err != nil {
			t.Fatalf("failed to read action: %v", err)
		}
		if got.Status == stores.ActionStatusSuspended {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := store.SetActionSignal(ctx, action.ID, stores.SignalCancel); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("executor never returned after cancel")
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestExecutePolicyVeto(t *testing.T) {
	store := setupTestStore(t)
	profile := &stubProfile{}
	policies := &stubPolicies{preErr: NewConflictError("cluster frozen for maintenance", nil)}
	exec := newTestExecutor(store, &stubLocks{}, profile, policies, nil)
	ctx := context.Background()

	action := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterScaleOut,
	})
	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("policy veto must not propagate: %v", err)
	}
	if profile.callCount() != 0 {
		t.Error("vetoed action must not reach the profile")
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.StatusReason, "policy rejected operation") {
		t.Errorf("veto reason lost: %q", got.StatusReason)
	}
}

func TestExecutePolicyPostOpRuns(t *testing.T) {
	store := setupTestStore(t)
	policies := &stubPolicies{}
	exec := newTestExecutor(store, &stubLocks{}, &stubProfile{}, policies, nil)

	action := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterScaleOut,
	})
	if err := exec.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if policies.postOps != 1 {
		t.Errorf("post-op hook must run once, ran %d times", policies.postOps)
	}
}

func TestExecuteCheckSkipsPolicyHooks(t *testing.T) {
	store := setupTestStore(t)
	policies := &stubPolicies{preErr: NewConflictError("must not be consulted", nil)}
	exec := newTestExecutor(store, &stubLocks{}, &stubProfile{}, policies, nil)
	ctx := context.Background()

	// Check verbs are read-only; policy hooks do not apply.
	action := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterCheck,
	})
	if err := exec.Execute(ctx, action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", got.Status, got.StatusReason)
	}
}

func TestExecuteJoinLocksClusterFirst(t *testing.T) {
	store := setupTestStore(t)
	locks := &stubLocks{}
	exec := newTestExecutor(store, locks, &stubProfile{}, nil, nil)

	action := claimAction(t, store, ActionRequest{
		TargetID: "node-1",
		Verb:     NodeJoin,
		Inputs:   map[string]interface{}{"cluster_id": "cluster-1"},
	})
	if err := exec.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(locks.acquired) != 2 || locks.acquired[0] != "cluster-1" || locks.acquired[1] != "node-1" {
		t.Fatalf("join must lock cluster before node, got %v", locks.acquired)
	}
	// Release order is the reverse of acquisition.
	if len(locks.released) != 2 || locks.released[0] != "node-1" || locks.released[1] != "cluster-1" {
		t.Fatalf("unexpected release order: %v", locks.released)
	}
}

func TestExecuteAttachDetachPolicy(t *testing.T) {
	store := setupTestStore(t)
	exec := newTestExecutor(store, &stubLocks{}, &stubProfile{}, nil, nil)
	ctx := context.Background()

	attach := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterAttachPolicy,
		Inputs: map[string]interface{}{
			"policy_id":   "policy-1",
			"policy_name": "scale-guard",
			"policy_type": "senlin.policy.scaling",
			"priority":    float64(10),
			"data":        map[string]interface{}{"max_size": float64(5)},
		},
	})
	if err := exec.Execute(ctx, attach); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	binding, err := store.GetClusterPolicy(ctx, "cluster-1", "policy-1")
	if err != nil {
		t.Fatalf("binding not created: %v", err)
	}
	if binding.PolicyType != "senlin.policy.scaling" || binding.Priority != 10 {
		t.Errorf("binding fields lost: %+v", binding)
	}

	detach := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterDetachPolicy,
		Inputs:   map[string]interface{}{"policy_id": "policy-1"},
	})
	if err := exec.Execute(ctx, detach); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if _, err := store.GetClusterPolicy(ctx, "cluster-1", "policy-1"); !errors.Is(err, stores.ErrNotFound) {
		t.Fatalf("binding must be removed, got %v", err)
	}

	// Detaching a policy that is not attached fails the action.
	again := claimAction(t, store, ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterDetachPolicy,
		Inputs:   map[string]interface{}{"policy_id": "policy-1"},
	})
	if err := exec.Execute(ctx, again); err != nil {
		t.Fatalf("missing binding must not propagate: %v", err)
	}
	got, err := store.GetAction(ctx, again.ID)
	if err != nil {
		t.Fatalf("failed to read action: %v", err)
	}
	if got.Status != stores.ActionStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}
