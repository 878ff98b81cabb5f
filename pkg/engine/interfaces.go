package engine

import (
	"context"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
)

// Profile is the pluggable strategy for one resource type. The executor
// holds only this interface; concrete implementations live behind the
// profile registry and drive the actual provisioning backend.
type Profile interface {
	// Type returns the profile type name, e.g. "os.nova.server".
	Type() string

	DoCreate(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoDelete(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoUpdate(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoCheck(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoRecover(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoJoin(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
	DoLeave(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error)
}

// ProfileResolver resolves the profile strategy for a target.
type ProfileResolver interface {
	// Resolve returns the profile registered for the given type name.
	Resolve(profileType string) (Profile, error)
}

// PolicyHooks is invoked by the executor around the target verb when
// policies are attached to the affected cluster.
type PolicyHooks interface {
	// PreOp runs attached policies before the verb executes. A returned
	// error vetoes the operation.
	PreOp(ctx context.Context, clusterID string, action *stores.Action) error

	// PostOp runs attached policies after the verb succeeded.
	PostOp(ctx context.Context, clusterID string, action *stores.Action) error
}

// LockManager serializes mutating operations against a single target.
type LockManager interface {
	// Acquire takes the target lock fail-fast; a conflict is returned
	// immediately, never queued.
	Acquire(ctx context.Context, targetID, actionID string, scope stores.LockScope) error

	// Release drops this action's hold. Idempotent.
	Release(ctx context.Context, targetID, actionID string) error

	// Verify confirms the action still holds the target lock. A lost hold
	// means the fence was stolen out from under a live engine and is
	// returned as a fatal invariant violation.
	Verify(ctx context.Context, targetID, actionID string) error
}

// Notifier wakes engines to look at new or changed work. Delivery is
// best-effort; the scheduler's periodic polling is the durability backstop.
type Notifier interface {
	// StartAction wakes one engine (or all, when engineID is empty) to
	// claim the given action, or any ready action when actionID is empty.
	StartAction(ctx context.Context, engineID, actionID string) error
}

// CredentialLookup returns delegated-access tokens for adapter calls made on
// behalf of a target's owner. Implemented by an external identity service
// adapter.
type CredentialLookup interface {
	Token(ctx context.Context, targetID string) (string, error)
}
