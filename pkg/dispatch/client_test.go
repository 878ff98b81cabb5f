package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/stores"
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

// peerEngine runs a dispatch server for a stub scheduler and registers its
// address in the store so the client can discover it.
func peerEngine(t *testing.T, store stores.Store, engineID string) *stubScheduler {
	t.Helper()

	sched := newStubScheduler(engineID)
	ts := newTestServer(t, sched, nil)

	err := store.RegisterEngine(context.Background(), &stores.Engine{
		ID:          engineID,
		Address:     strings.TrimPrefix(ts.URL, "http://"),
		StartedAt:   time.Now(),
		HeartbeatAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to register engine: %v", err)
	}
	return sched
}

func newTestClient(store stores.Store, opts ClientOptions) *Client {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewClient(store, nil, logger, opts)
}

type stubWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *stubWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
}

func (w *stubWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes
}

func TestClientTargetedStart(t *testing.T) {
	store := setupTestStore(t)
	peer := peerEngine(t, store, "engine-2")
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1"})

	if err := client.StartAction(context.Background(), "engine-2", "a1"); err != nil {
		t.Fatalf("targeted start failed: %v", err)
	}
	if len(peer.started) != 1 || peer.started[0] != "a1" {
		t.Fatalf("peer did not receive start: %v", peer.started)
	}
}

func TestClientTargetedUnknownEngine(t *testing.T) {
	store := setupTestStore(t)
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1"})

	if err := client.StartAction(context.Background(), "engine-missing", "a1"); err == nil {
		t.Fatal("expected error for unregistered engine")
	}
}

func TestClientBroadcast(t *testing.T) {
	store := setupTestStore(t)
	peer2 := peerEngine(t, store, "engine-2")
	peer3 := peerEngine(t, store, "engine-3")
	local := &stubWaker{}
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1", Local: local})

	if err := client.StartAction(context.Background(), "", ""); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(peer2.started) != 1 || len(peer3.started) != 1 {
		t.Fatalf("broadcast missed a peer: %v / %v", peer2.started, peer3.started)
	}
	if local.count() != 1 {
		t.Fatalf("broadcast should wake the local engine, wakes=%d", local.count())
	}
}

func TestClientBroadcastSkipsSelf(t *testing.T) {
	store := setupTestStore(t)
	self := peerEngine(t, store, "engine-1")
	peer := peerEngine(t, store, "engine-2")
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1"})

	if err := client.StartAction(context.Background(), "", "a1"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(self.started) != 0 {
		t.Errorf("broadcast should not loop back to self: %v", self.started)
	}
	if len(peer.started) != 1 {
		t.Errorf("peer missed the broadcast: %v", peer.started)
	}
}

func TestClientBroadcastSurvivesDeadPeer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// A registered peer nobody listens for; its heartbeat is fresh so the
	// broadcast still tries it.
	err := store.RegisterEngine(ctx, &stores.Engine{
		ID:          "engine-gone",
		Address:     "127.0.0.1:1",
		StartedAt:   time.Now(),
		HeartbeatAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to register engine: %v", err)
	}
	peer := peerEngine(t, store, "engine-2")

	client := newTestClient(store, ClientOptions{
		SelfEngineID:   "engine-1",
		RequestTimeout: time.Second,
	})
	if err := client.StartAction(ctx, "", "a1"); err != nil {
		t.Fatalf("broadcast must tolerate unreachable peers: %v", err)
	}
	if len(peer.started) != 1 {
		t.Errorf("reachable peer missed the broadcast: %v", peer.started)
	}
}

func TestClientBroadcastSkipsStalePeers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	stale := peerEngine(t, store, "engine-stale")
	if err := store.HeartbeatEngine(ctx, "engine-stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("failed to age heartbeat: %v", err)
	}
	fresh := peerEngine(t, store, "engine-2")

	client := newTestClient(store, ClientOptions{
		SelfEngineID:   "engine-1",
		LivenessWindow: time.Minute,
	})
	if err := client.StartAction(ctx, "", "a1"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(stale.started) != 0 {
		t.Errorf("stale peer should be skipped: %v", stale.started)
	}
	if len(fresh.started) != 1 {
		t.Errorf("fresh peer missed the broadcast: %v", fresh.started)
	}
}

func TestClientListening(t *testing.T) {
	store := setupTestStore(t)
	peerEngine(t, store, "engine-2")
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1"})

	ok, err := client.Listening(context.Background(), "engine-2")
	if err != nil {
		t.Fatalf("listening probe failed: %v", err)
	}
	if !ok {
		t.Fatal("expected peer to be listening")
	}

	if _, err := client.Listening(context.Background(), "engine-missing"); err == nil {
		t.Fatal("expected error for unregistered engine")
	}
}

func TestClientLocalShortCircuit(t *testing.T) {
	store := setupTestStore(t)
	local := &stubWaker{}
	client := newTestClient(store, ClientOptions{SelfEngineID: "engine-1", Local: local})

	// A targeted start for self never touches the network.
	if err := client.StartAction(context.Background(), "engine-1", ""); err != nil {
		t.Fatalf("local start failed: %v", err)
	}
	if local.count() != 1 {
		t.Fatalf("expected one local wake, got %d", local.count())
	}
}
