package profiles

import (
	"context"
	"sync"
)

// NoopProfile is a profile that records operations without driving any
// backend. It backs targets with no real provisioning need and serves as the
// executor's default in tests.
type NoopProfile struct {
	mu    sync.Mutex
	calls []Call
}

// Call is one recorded profile invocation.
type Call struct {
	Operation string
	TargetID  string
	Params    map[string]interface{}
}

// NewNoopProfile creates an empty no-op profile.
func NewNoopProfile() *NoopProfile {
	return &NoopProfile{}
}

// Type returns the profile type name.
func (p *NoopProfile) Type() string { return "noop" }

// Calls returns a copy of the recorded invocations.
func (p *NoopProfile) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *NoopProfile) record(operation, targetID string, params map[string]interface{}) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Operation: operation, TargetID: targetID, Params: params})
	return map[string]interface{}{
		"operation": operation,
		"target":    targetID,
	}
}

func (p *NoopProfile) DoCreate(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("create", targetID, params), nil
}

func (p *NoopProfile) DoDelete(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("delete", targetID, params), nil
}

func (p *NoopProfile) DoUpdate(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("update", targetID, params), nil
}

func (p *NoopProfile) DoCheck(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	out := p.record("check", targetID, params)
	out["healthy"] = true
	return out, nil
}

func (p *NoopProfile) DoRecover(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("recover", targetID, params), nil
}

func (p *NoopProfile) DoJoin(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("join", targetID, params), nil
}

func (p *NoopProfile) DoLeave(ctx context.Context, targetID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.record("leave", targetID, params), nil
}
