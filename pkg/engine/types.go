package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
)

// Verb is a pre-defined cluster or node operation.
type Verb string

// Cluster-scoped verbs.
const (
	ClusterCreate       Verb = "CLUSTER_CREATE"
	ClusterDelete       Verb = "CLUSTER_DELETE"
	ClusterScaleIn      Verb = "CLUSTER_SCALE_IN"
	ClusterScaleOut     Verb = "CLUSTER_SCALE_OUT"
	ClusterCheck        Verb = "CLUSTER_CHECK"
	ClusterRecover      Verb = "CLUSTER_RECOVER"
	ClusterAttachPolicy Verb = "CLUSTER_ATTACH_POLICY"
	ClusterDetachPolicy Verb = "CLUSTER_DETACH_POLICY"
)

// Node-scoped verbs.
const (
	NodeCreate  Verb = "NODE_CREATE"
	NodeDelete  Verb = "NODE_DELETE"
	NodeUpdate  Verb = "NODE_UPDATE"
	NodeCheck   Verb = "NODE_CHECK"
	NodeRecover Verb = "NODE_RECOVER"
	NodeJoin    Verb = "NODE_JOIN"
	NodeLeave   Verb = "NODE_LEAVE"
)

var knownVerbs = map[Verb]stores.TargetScope{
	ClusterCreate:       stores.ScopeCluster,
	ClusterDelete:       stores.ScopeCluster,
	ClusterScaleIn:      stores.ScopeCluster,
	ClusterScaleOut:     stores.ScopeCluster,
	ClusterCheck:        stores.ScopeCluster,
	ClusterRecover:      stores.ScopeCluster,
	ClusterAttachPolicy: stores.ScopeCluster,
	ClusterDetachPolicy: stores.ScopeCluster,
	NodeCreate:          stores.ScopeNode,
	NodeDelete:          stores.ScopeNode,
	NodeUpdate:          stores.ScopeNode,
	NodeCheck:           stores.ScopeNode,
	NodeRecover:         stores.ScopeNode,
	NodeJoin:            stores.ScopeNode,
	NodeLeave:           stores.ScopeNode,
}

// Scope returns the target scope the verb operates on.
func (v Verb) Scope() stores.TargetScope {
	if scope, ok := knownVerbs[v]; ok {
		return scope
	}
	return stores.ScopeCluster
}

// Valid reports whether the verb is one of the pre-defined operations.
func (v Verb) Valid() bool {
	_, ok := knownVerbs[v]
	return ok
}

// Mutating reports whether the verb mutates its target. Check verbs are
// read-only and take a shared lock; everything else takes an exclusive lock.
func (v Verb) Mutating() bool {
	switch v {
	case ClusterCheck, NodeCheck:
		return false
	}
	return true
}

// LockScope returns the lock sharing mode required by the verb.
func (v Verb) LockScope() stores.LockScope {
	if v.Mutating() {
		return stores.LockScopeExclusive
	}
	return stores.LockScopeShared
}

// ActionRequest describes a new action to be created.
type ActionRequest struct {
	Name      string                 `json:"name"`
	TargetID  string                 `json:"target_id"`
	Verb      Verb                   `json:"verb"`
	Cause     stores.ActionCause     `json:"cause"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Timeout   time.Duration          `json:"timeout,omitempty"`
}

// NewAction builds the persistent record for a request. Actions with
// dependencies start WAITING; independent actions start READY.
func NewAction(req ActionRequest, defaultTimeout time.Duration, now time.Time) (*stores.Action, error) {
	if !req.Verb.Valid() {
		return nil, NewNotFoundError(fmt.Sprintf("unknown verb %q", req.Verb), nil)
	}
	if req.TargetID == "" {
		return nil, NewAdapterError("action target is required", nil)
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, NewAdapterError("failed to encode action inputs", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	status := stores.ActionStatusReady
	if len(req.DependsOn) > 0 {
		status = stores.ActionStatusWaiting
	}

	name := req.Name
	if name == "" {
		name = string(req.Verb) + "_" + req.TargetID
	}

	cause := req.Cause
	if cause == "" {
		cause = stores.CauseRPC
	}

	return &stores.Action{
		ID:             uuid.New().String(),
		Name:           name,
		TargetID:       req.TargetID,
		TargetScope:    req.Verb.Scope(),
		Verb:           string(req.Verb),
		Cause:          cause,
		Status:         status,
		Inputs:         string(encoded),
		Outputs:        "{}",
		TimeoutSeconds: int64(timeout / time.Second),
		DependsOn:      req.DependsOn,
		CreatedAt:      now.UTC(),
	}, nil
}

// Identity is the process-lifetime identity of an engine: a fresh id every
// process start, used as the owner token in action, lock and health records
// and as the addressing token for dispatch.
type Identity struct {
	ID        string
	Address   string
	StartedAt time.Time
}

// NewIdentity generates a fresh engine identity.
func NewIdentity(address string, now time.Time) Identity {
	return Identity{
		ID:        uuid.New().String(),
		Address:   address,
		StartedAt: now.UTC(),
	}
}
