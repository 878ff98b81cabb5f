package engine

import (
	"testing"
	"time"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
)

func TestVerbProperties(t *testing.T) {
	tests := []struct {
		verb      Verb
		scope     stores.TargetScope
		mutating  bool
		lockScope stores.LockScope
	}{
		{ClusterScaleOut, stores.ScopeCluster, true, stores.LockScopeExclusive},
		{ClusterDelete, stores.ScopeCluster, true, stores.LockScopeExclusive},
		{ClusterCheck, stores.ScopeCluster, false, stores.LockScopeShared},
		{NodeCreate, stores.ScopeNode, true, stores.LockScopeExclusive},
		{NodeCheck, stores.ScopeNode, false, stores.LockScopeShared},
		{NodeJoin, stores.ScopeNode, true, stores.LockScopeExclusive},
		{ClusterAttachPolicy, stores.ScopeCluster, true, stores.LockScopeExclusive},
	}

	for _, tt := range tests {
		t.Run(string(tt.verb), func(t *testing.T) {
			if !tt.verb.Valid() {
				t.Fatalf("%s must be a known verb", tt.verb)
			}
			if got := tt.verb.Scope(); got != tt.scope {
				t.Errorf("scope = %s, want %s", got, tt.scope)
			}
			if got := tt.verb.Mutating(); got != tt.mutating {
				t.Errorf("mutating = %v, want %v", got, tt.mutating)
			}
			if got := tt.verb.LockScope(); got != tt.lockScope {
				t.Errorf("lock scope = %s, want %s", got, tt.lockScope)
			}
		})
	}

	if Verb("CLUSTER_EXPLODE").Valid() {
		t.Error("unknown verb must not validate")
	}
}

func TestNewActionDefaults(t *testing.T) {
	now := time.Now()
	action, err := NewAction(ActionRequest{
		TargetID: "cluster-1",
		Verb:     ClusterScaleOut,
	}, time.Hour, now)
	if err != nil {
		t.Fatalf("failed to build action: %v", err)
	}

	if action.ID == "" {
		t.Error("action id must be generated")
	}
	if action.Status != stores.ActionStatusReady {
		t.Errorf("independent action must start READY, got %s", action.Status)
	}
	if action.Name != "CLUSTER_SCALE_OUT_cluster-1" {
		t.Errorf("unexpected default name: %s", action.Name)
	}
	if action.Cause != stores.CauseRPC {
		t.Errorf("unexpected default cause: %s", action.Cause)
	}
	if action.TimeoutSeconds != 3600 {
		t.Errorf("default timeout not applied: %d", action.TimeoutSeconds)
	}
	if action.Inputs != "{}" {
		t.Errorf("nil inputs must encode as empty object: %q", action.Inputs)
	}
	if !action.CreatedAt.Equal(now.UTC()) {
		t.Errorf("created_at not normalized to UTC: %v", action.CreatedAt)
	}
}

func TestNewActionWithDependenciesStartsWaiting(t *testing.T) {
	action, err := NewAction(ActionRequest{
		TargetID:  "node-1",
		Verb:      NodeCreate,
		DependsOn: []string{"parent-action"},
		Timeout:   30 * time.Second,
	}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("failed to build action: %v", err)
	}

	if action.Status != stores.ActionStatusWaiting {
		t.Errorf("dependent action must start WAITING, got %s", action.Status)
	}
	if action.TimeoutSeconds != 30 {
		t.Errorf("explicit timeout ignored: %d", action.TimeoutSeconds)
	}
}

func TestNewActionRejections(t *testing.T) {
	if _, err := NewAction(ActionRequest{TargetID: "cluster-1", Verb: "CLUSTER_EXPLODE"}, time.Hour, time.Now()); err == nil {
		t.Error("unknown verb must be rejected")
	}
	if _, err := NewAction(ActionRequest{Verb: ClusterCreate}, time.Hour, time.Now()); err == nil {
		t.Error("missing target must be rejected")
	}
}
