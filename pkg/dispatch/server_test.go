package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
)

type stubScheduler struct {
	engineID string
	started  []string
	signals  map[string][]string
	wakes    int
	startErr error
	sigErr   error
}

func newStubScheduler(id string) *stubScheduler {
	return &stubScheduler{engineID: id, signals: map[string][]string{}}
}

func (s *stubScheduler) EngineID() string { return s.engineID }

func (s *stubScheduler) Wake() { s.wakes++ }

func (s *stubScheduler) StartAction(_ context.Context, actionID string) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, actionID)
	return nil
}

func (s *stubScheduler) Cancel(_ context.Context, actionID string) error {
	if s.sigErr != nil {
		return s.sigErr
	}
	s.signals["cancel"] = append(s.signals["cancel"], actionID)
	return nil
}

func (s *stubScheduler) Suspend(_ context.Context, actionID string) error {
	if s.sigErr != nil {
		return s.sigErr
	}
	s.signals["suspend"] = append(s.signals["suspend"], actionID)
	return nil
}

func (s *stubScheduler) Resume(_ context.Context, actionID string) error {
	if s.sigErr != nil {
		return s.sigErr
	}
	s.signals["resume"] = append(s.signals["resume"], actionID)
	return nil
}

type stubHealth struct {
	registered   []string
	unregistered []string
	enabled      map[string]bool
}

func newStubHealth() *stubHealth {
	return &stubHealth{enabled: map[string]bool{}}
}

func (h *stubHealth) RegisterCluster(_ context.Context, clusterID, _ string, _ time.Duration, _ map[string]interface{}) error {
	h.registered = append(h.registered, clusterID)
	return nil
}

func (h *stubHealth) UnregisterCluster(_ context.Context, clusterID string) error {
	h.unregistered = append(h.unregistered, clusterID)
	return nil
}

func (h *stubHealth) SetClusterEnabled(_ context.Context, clusterID string, enabled bool) error {
	h.enabled[clusterID] = enabled
	return nil
}

func newTestServer(t *testing.T, sched Scheduler, health HealthAdmin) *httptest.Server {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	srv := NewServer(sched, health, logger, ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServerActionEndpoints(t *testing.T) {
	sched := newStubScheduler("engine-1")
	ts := newTestServer(t, sched, nil)

	resp := postJSON(t, ts.URL+"/v1/actions/start", `{"action_id": "a1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	if len(sched.started) != 1 || sched.started[0] != "a1" {
		t.Fatalf("start not forwarded: %v", sched.started)
	}

	resp = postJSON(t, ts.URL+"/v1/actions/cancel", `{"action_id": "a2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel returned %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/v1/actions/suspend", `{"action_id": "a3"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend returned %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/v1/actions/resume", `{"action_id": "a4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume returned %d", resp.StatusCode)
	}

	if got := sched.signals["cancel"]; len(got) != 1 || got[0] != "a2" {
		t.Errorf("cancel not forwarded: %v", got)
	}
	if got := sched.signals["suspend"]; len(got) != 1 || got[0] != "a3" {
		t.Errorf("suspend not forwarded: %v", got)
	}
	if got := sched.signals["resume"]; len(got) != 1 || got[0] != "a4" {
		t.Errorf("resume not forwarded: %v", got)
	}
}

func TestServerStartWithoutActionIDWakesPump(t *testing.T) {
	sched := newStubScheduler("engine-1")
	ts := newTestServer(t, sched, nil)

	// A start without an ID means "something is ready, go claim it"; the
	// pump picks the action, not the caller.
	resp := postJSON(t, ts.URL+"/v1/actions/start", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bare start returned %d", resp.StatusCode)
	}
	if sched.wakes != 1 {
		t.Fatalf("expected one wake, got %d", sched.wakes)
	}
	if len(sched.started) != 0 {
		t.Fatalf("bare start must not claim a specific action: %v", sched.started)
	}
}

func TestServerSignalRequiresActionID(t *testing.T) {
	ts := newTestServer(t, newStubScheduler("engine-1"), nil)

	resp := postJSON(t, ts.URL+"/v1/actions/cancel", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing action_id, got %d", resp.StatusCode)
	}
}

func TestServerStartConflictIsNotAnError(t *testing.T) {
	sched := newStubScheduler("engine-1")
	sched.startErr = engine.NewConflictError("action not claimable", nil)
	ts := newTestServer(t, sched, nil)

	// A peer losing the claim race is a normal outcome, not a failure.
	resp := postJSON(t, ts.URL+"/v1/actions/start", `{"action_id": "a1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for lost claim race, got %d", resp.StatusCode)
	}
}

func TestServerErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", engine.NewNotFoundError("no such action", nil), http.StatusNotFound},
		{"conflict", engine.NewConflictError("not signalable", nil), http.StatusConflict},
		{"infrastructure", engine.NewInfrastructureError("store down", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := newStubScheduler("engine-1")
			sched.sigErr = tt.err
			ts := newTestServer(t, sched, nil)

			resp := postJSON(t, ts.URL+"/v1/actions/cancel", `{"action_id": "a1"}`)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestServerListening(t *testing.T) {
	ts := newTestServer(t, newStubScheduler("engine-1"), nil)

	resp, err := http.Get(ts.URL + "/v1/listening")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("listening returned %d", resp.StatusCode)
	}
}

func TestServerHealthEndpoints(t *testing.T) {
	health := newStubHealth()
	ts := newTestServer(t, newStubScheduler("engine-1"), health)

	resp := postJSON(t, ts.URL+"/v1/health/registry",
		`{"cluster_id": "c1", "check_type": "NODE_STATUS_POLLING", "interval_seconds": 60}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %d", resp.StatusCode)
	}
	if len(health.registered) != 1 || health.registered[0] != "c1" {
		t.Fatalf("register not forwarded: %v", health.registered)
	}

	resp = postJSON(t, ts.URL+"/v1/health/disable", `{"cluster_id": "c1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable returned %d", resp.StatusCode)
	}
	if enabled, ok := health.enabled["c1"]; !ok || enabled {
		t.Fatalf("disable not forwarded: %v", health.enabled)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/health/registry?cluster_id=c1", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("unregister returned %d", delResp.StatusCode)
	}
	if len(health.unregistered) != 1 || health.unregistered[0] != "c1" {
		t.Fatalf("unregister not forwarded: %v", health.unregistered)
	}
}

func TestServerHealthDisabledReturns503(t *testing.T) {
	ts := newTestServer(t, newStubScheduler("engine-1"), nil)

	resp := postJSON(t, ts.URL+"/v1/health/registry", `{"cluster_id": "c1"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a health registry, got %d", resp.StatusCode)
	}
}
