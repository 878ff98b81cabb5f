package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// Waker receives local wake-ups without a network round trip.
type Waker interface {
	Wake()
}

// ClientOptions configures a dispatch client.
type ClientOptions struct {
	// SelfEngineID is this process's engine id. Broadcasts skip it and use
	// Local instead.
	SelfEngineID string

	// Local, when non-nil, is woken directly on broadcasts.
	Local Waker

	// RequestTimeout bounds each peer request.
	RequestTimeout time.Duration

	// LivenessWindow bounds how stale a peer's heartbeat may be before
	// broadcasts skip it.
	LivenessWindow time.Duration
}

// Client notifies engines about new or changed work. A targeted call
// reaches one engine; an empty engine id fans out to every live peer.
// Broadcast delivery is best-effort: a lost notification only delays the
// target until its next poll.
type Client struct {
	store   stores.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	http    *http.Client

	selfID         string
	local          Waker
	livenessWindow time.Duration
}

var _ engine.Notifier = (*Client)(nil)

// NewClient creates a dispatch client.
func NewClient(store stores.Store, metrics *telemetry.Metrics, logger zerolog.Logger, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 2 * time.Minute
	}
	return &Client{
		store:          store,
		metrics:        metrics,
		logger:         logger.With().Str("component", "dispatch-client").Logger(),
		http:           &http.Client{Timeout: opts.RequestTimeout},
		selfID:         opts.SelfEngineID,
		local:          opts.Local,
		livenessWindow: opts.LivenessWindow,
	}
}

// StartAction asks an engine to claim the action, or any ready action when
// actionID is empty. An empty engineID broadcasts to all live engines.
func (c *Client) StartAction(ctx context.Context, engineID, actionID string) error {
	return c.Notify(ctx, MethodStartAction, engineID, actionID)
}

// CancelAction asks an engine to cancel the action.
func (c *Client) CancelAction(ctx context.Context, engineID, actionID string) error {
	return c.Notify(ctx, MethodCancelAction, engineID, actionID)
}

// SuspendAction asks an engine to suspend the action.
func (c *Client) SuspendAction(ctx context.Context, engineID, actionID string) error {
	return c.Notify(ctx, MethodSuspendAction, engineID, actionID)
}

// ResumeAction asks an engine to resume the action.
func (c *Client) ResumeAction(ctx context.Context, engineID, actionID string) error {
	return c.Notify(ctx, MethodResumeAction, engineID, actionID)
}

// Listening probes whether the engine's dispatch server is reachable.
func (c *Client) Listening(ctx context.Context, engineID string) (bool, error) {
	target, err := c.store.GetEngine(ctx, engineID)
	if err != nil {
		return false, engine.NewNotFoundError("engine not registered", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/v1/listening", target.Address), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Notify sends one dispatch method to a specific engine, or to every live
// engine when engineID is empty. Targeted failures are returned to the
// caller; broadcast failures are logged and swallowed.
func (c *Client) Notify(ctx context.Context, method, engineID, actionID string) error {
	if engineID != "" {
		return c.notifyOne(ctx, method, engineID, actionID)
	}
	return c.broadcast(ctx, method, actionID)
}

func (c *Client) notifyOne(ctx context.Context, method, engineID, actionID string) error {
	if engineID == c.selfID && c.local != nil && method == MethodStartAction {
		c.local.Wake()
		return nil
	}

	target, err := c.store.GetEngine(ctx, engineID)
	if err != nil {
		return engine.NewNotFoundError("engine not registered", err)
	}
	if err := c.post(ctx, target.Address, method, actionID); err != nil {
		c.metrics.DispatchRequest(method, "error")
		return err
	}
	c.metrics.DispatchRequest(method, "ok")
	return nil
}

func (c *Client) broadcast(ctx context.Context, method, actionID string) error {
	if c.local != nil {
		c.local.Wake()
	}

	aliveSince := time.Now().UTC().Add(-c.livenessWindow)
	peers, err := c.store.ListLiveEngines(ctx, aliveSince)
	if err != nil {
		return engine.NewInfrastructureError("failed to list live engines", err)
	}

	for _, peer := range peers {
		if peer.ID == c.selfID {
			continue
		}
		if err := c.post(ctx, peer.Address, method, actionID); err != nil {
			// The periodic poll covers a missed peer.
			c.metrics.DispatchRequest(method, "error")
			c.logger.Warn().Err(err).
				Str("engine", peer.ID).
				Str("method", method).
				Msg("failed to notify peer")
			continue
		}
		c.metrics.DispatchRequest(method, "ok")
	}
	return nil
}

func (c *Client) post(ctx context.Context, address, method, actionID string) error {
	body, err := json.Marshal(ActionRequest{ActionID: actionID})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("http://%s/v1/actions/%s", address, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach engine at %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("engine at %s rejected %s: %s", address, method, apiErr.Error)
		}
		return fmt.Errorf("engine at %s rejected %s: status %d", address, method, resp.StatusCode)
	}
	return nil
}
