package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ActionStatus represents the lifecycle state of an action.
type ActionStatus string

const (
	ActionStatusInit      ActionStatus = "INIT"
	ActionStatusWaiting   ActionStatus = "WAITING"
	ActionStatusReady     ActionStatus = "READY"
	ActionStatusRunning   ActionStatus = "RUNNING"
	ActionStatusSuspended ActionStatus = "SUSPENDED"
	ActionStatusSucceeded ActionStatus = "SUCCEEDED"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}

// ActionSignal is the pending asynchronous signal on an action.
type ActionSignal string

const (
	SignalNone    ActionSignal = ""
	SignalCancel  ActionSignal = "CANCEL"
	SignalSuspend ActionSignal = "SUSPEND"
	SignalResume  ActionSignal = "RESUME"
)

// TargetScope distinguishes cluster-level from node-level actions.
type TargetScope string

const (
	ScopeCluster TargetScope = "cluster"
	ScopeNode    TargetScope = "node"
)

// ActionCause records how an action came to exist.
type ActionCause string

const (
	CauseRPC     ActionCause = "RPC_Request"
	CauseDerived ActionCause = "Derived_Action"
)

// Action is the persistent record of a unit of scheduled work against a
// cluster or node target.
type Action struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	TargetID       string       `json:"target_id"`
	TargetScope    TargetScope  `json:"target_scope"`
	Verb           string       `json:"verb"`
	Cause          ActionCause  `json:"cause"`
	Status         ActionStatus `json:"status"`
	StatusReason   string       `json:"status_reason"`
	Signal         ActionSignal `json:"signal"`
	Inputs         string       `json:"inputs"`  // JSON blob
	Outputs        string       `json:"outputs"` // JSON blob
	Owner          *string      `json:"owner,omitempty"`
	TimeoutSeconds int64        `json:"timeout_seconds"`
	DependsOn      []string     `json:"depends_on,omitempty"`
	DependedBy     []string     `json:"depended_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
}

// LockScope is the sharing mode of a target lock.
type LockScope string

const (
	LockScopeExclusive LockScope = "exclusive"
	LockScopeShared    LockScope = "shared"
)

// Lock is a mutual-exclusion record for a cluster or node target. Owners is
// the ordered set of holder action ids; Generation is a fencing token bumped
// on every steal so a stale holder can be detected on release.
type Lock struct {
	TargetID   string    `json:"target_id"`
	Scope      LockScope `json:"scope"`
	Owners     []string  `json:"owners"`
	EngineID   string    `json:"engine_id"`
	Generation int64     `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Engine is the registration record for a live engine process. The id is
// regenerated on every process start and doubles as the owner token in
// action and lock records.
type Engine struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// HealthEntry assigns periodic health-check duty for one cluster to the
// engine currently responsible for it. EngineID is nil while unclaimed.
type HealthEntry struct {
	ClusterID       string    `json:"cluster_id"`
	CheckType       string    `json:"check_type"`
	IntervalSeconds int64     `json:"interval_seconds"`
	Params          string    `json:"params"` // JSON blob
	EngineID        *string   `json:"engine_id,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ClusterPolicy is a (cluster, policy) binding with tie-break priority and a
// cooldown anchor timestamp.
type ClusterPolicy struct {
	ClusterID  string     `json:"cluster_id"`
	PolicyID   string     `json:"policy_id"`
	PolicyName string     `json:"policy_name"`
	PolicyType string     `json:"policy_type"`
	Enabled    bool       `json:"enabled"`
	Priority   int        `json:"priority"`
	Data       string     `json:"data"` // JSON blob
	LastOp     *time.Time `json:"last_op,omitempty"`
}

// CooldownInProgress reports whether the policy's cooldown window is still
// open at now.
func (cp *ClusterPolicy) CooldownInProgress(window time.Duration, now time.Time) bool {
	if cp.LastOp == nil || window <= 0 {
		return false
	}
	return now.Sub(*cp.LastOp) < window
}

// EventLevel is the severity of an action event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is an append-only log record attached to an action.
type Event struct {
	ID        int64      `json:"id"`
	ActionID  *string    `json:"action_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the persistence interface consumed by the engine core. Every
// cross-process invariant (at-most-one action owner, lock exclusivity, health
// entry uniqueness) is enforced by the atomic operations here, never by
// in-process locking.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Action operations
	CreateAction(ctx context.Context, action *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	UpdateAction(ctx context.Context, action *Action) error
	DeleteAction(ctx context.Context, id string) error
	ListActions(ctx context.Context, status *ActionStatus, limit, offset int) ([]*Action, error)

	// AcquireAction atomically transitions a READY action to RUNNING and
	// records the claiming engine. Returns ErrNotAcquired when the action
	// is not READY or already owned.
	AcquireAction(ctx context.Context, id, engineID string, now time.Time) (*Action, error)

	// AcquireFirstReady claims the oldest READY action with no unresolved
	// dependency. Returns (nil, nil) when nothing is claimable.
	AcquireFirstReady(ctx context.Context, engineID string, now time.Time) (*Action, error)

	// FinishAction writes a terminal status, clears ownership and records
	// the end timestamp. A terminal status already in place is not
	// overwritten.
	FinishAction(ctx context.Context, id string, status ActionStatus, reason, outputs string, now time.Time) error

	// MarkReadyDependents flips every WAITING dependent of id whose
	// remaining dependencies are all SUCCEEDED to READY and returns their
	// ids.
	MarkReadyDependents(ctx context.Context, id string) ([]string, error)

	// SetActionSignal records a pending signal on a RUNNING or SUSPENDED
	// action. Returns ErrNotAcquired when the action is in neither state.
	SetActionSignal(ctx context.Context, id string, signal ActionSignal) error
	GetActionSignal(ctx context.Context, id string) (ActionSignal, error)
	ClearActionSignal(ctx context.Context, id string) error

	// UpdateActionStatus moves a non-terminal action to the given status.
	UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string) error

	// MarkTimedOutActions fails every RUNNING action whose timeout elapsed
	// and returns the affected ids. Run by the periodic sweep, not by the
	// owning executor, since the owner may have crashed.
	MarkTimedOutActions(ctx context.Context, now time.Time) ([]string, error)

	// Lock operations
	AcquireLock(ctx context.Context, targetID, actionID, engineID string, scope LockScope, maxShared int) error
	ReleaseLock(ctx context.Context, targetID, actionID, engineID string) error
	StealLock(ctx context.Context, targetID, actionID, engineID string, observedGeneration int64) (int64, error)
	GetLock(ctx context.Context, targetID string) (*Lock, error)

	// Engine operations
	RegisterEngine(ctx context.Context, engine *Engine) error
	HeartbeatEngine(ctx context.Context, id string, now time.Time) error
	RemoveEngine(ctx context.Context, id string) error
	GetEngine(ctx context.Context, id string) (*Engine, error)
	ListLiveEngines(ctx context.Context, aliveSince time.Time) ([]*Engine, error)

	// Health registry operations
	CreateHealthEntry(ctx context.Context, entry *HealthEntry) error
	GetHealthEntry(ctx context.Context, clusterID string) (*HealthEntry, error)
	UpdateHealthEntry(ctx context.Context, entry *HealthEntry) error
	SetHealthEntryEnabled(ctx context.Context, clusterID string, enabled bool) error
	DeleteHealthEntry(ctx context.Context, clusterID string) error
	ListHealthEntriesByEngine(ctx context.Context, engineID string) ([]*HealthEntry, error)

	// ClaimHealthEntries atomically reassigns to engineID every enabled
	// entry whose owner is missing or not in aliveEngineIDs, returning the
	// claimed set.
	ClaimHealthEntries(ctx context.Context, engineID string, aliveEngineIDs []string) ([]*HealthEntry, error)

	// Cluster policy operations
	CreateClusterPolicy(ctx context.Context, binding *ClusterPolicy) error
	GetClusterPolicy(ctx context.Context, clusterID, policyID string) (*ClusterPolicy, error)
	ListClusterPolicies(ctx context.Context, clusterID string) ([]*ClusterPolicy, error)
	UpdateClusterPolicy(ctx context.Context, binding *ClusterPolicy) error
	DeleteClusterPolicy(ctx context.Context, clusterID, policyID string) error
	TouchClusterPolicy(ctx context.Context, clusterID, policyID string, now time.Time) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, actionID *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNotAcquired is returned by conditional claim operations that found the
// record already owned or not in a claimable state.
var ErrNotAcquired = errors.New("not acquired")

// ErrLockConflict is returned when a lock acquisition loses to an existing
// holder. Expected under concurrency; callers re-poll rather than queue.
var ErrLockConflict = errors.New("lock held by another owner")

// ErrStaleGeneration is returned when a fenced steal observes a generation
// that is no longer current.
var ErrStaleGeneration = errors.New("lock generation is stale")
