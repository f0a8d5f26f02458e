// Package dataclient talks HTTP to the metagraph data and snapshot layers:
// signed submissions to data nodes, checkpoint and per-fiber reads from the
// snapshot layer, and webhook subscription management.
package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/circuitbreaker"
)

// Config holds the endpoints and timeouts for a client.
type Config struct {
	// DataURLs are the data-layer (DL1) base URLs. Submit uses the first;
	// SubmitBroadcast fans out to all.
	DataURLs []string
	// ML0URL is the metagraph snapshot-layer base URL.
	ML0URL string
	// GL0URL is the global snapshot-layer base URL, optional.
	GL0URL string

	QueryTimeout  time.Duration
	SubmitTimeout time.Duration
}

// Client is a metagraph data/snapshot layer HTTP client. Safe for concurrent
// use.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *circuitbreaker.Manager
	logger   *log.Logger
}

// New creates a client. Timeouts default to 3s for queries and 10s for
// submits.
func New(cfg Config) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{},
		breakers: circuitbreaker.NewManager(),
		logger:   log.New(log.Writer(), "[DATA] ", log.LstdFlags),
	}
}

// BreakerStates exposes per-endpoint circuit states for health reporting.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}

// Submit POSTs a signed envelope to the first configured data node.
func (c *Client) Submit(ctx context.Context, env chain.SignedEnvelope) (*chain.SubmitResponse, error) {
	if len(c.cfg.DataURLs) == 0 {
		return nil, fmt.Errorf("no data-layer endpoints configured")
	}
	if len(env.Proofs) == 0 {
		return nil, fmt.Errorf("refusing to submit envelope with no proofs")
	}
	return c.submitTo(ctx, c.cfg.DataURLs[0], env)
}

// SubmitBroadcast dispatches the envelope to every configured data node in
// parallel and returns the first 2xx. If all fail, the errors are aggregated.
func (c *Client) SubmitBroadcast(ctx context.Context, env chain.SignedEnvelope) (*chain.SubmitResponse, error) {
	if len(c.cfg.DataURLs) == 0 {
		return nil, fmt.Errorf("no data-layer endpoints configured")
	}
	if len(env.Proofs) == 0 {
		return nil, fmt.Errorf("refusing to submit envelope with no proofs")
	}
	if len(c.cfg.DataURLs) == 1 {
		return c.submitTo(ctx, c.cfg.DataURLs[0], env)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *chain.SubmitResponse
		err  error
	}
	results := make(chan result, len(c.cfg.DataURLs))
	var wg sync.WaitGroup
	for _, u := range c.cfg.DataURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			resp, err := c.submitTo(ctx, url, env)
			results <- result{resp: resp, err: err}
		}(u)
	}
	go func() { wg.Wait(); close(results) }()

	var failures []error
	for r := range results {
		if r.err == nil {
			cancel() // abandon the slower submissions
			return r.resp, nil
		}
		failures = append(failures, r.err)
	}
	// Wrap with %w so the per-node typed errors survive: the reconciler's
	// retry policy classifies the aggregate with errors.As.
	return nil, fmt.Errorf("all %d data nodes failed: %w", len(c.cfg.DataURLs), errors.Join(failures...))
}

func (c *Client) submitTo(ctx context.Context, baseURL string, env chain.SignedEnvelope) (*chain.SubmitResponse, error) {
	var resp chain.SubmitResponse
	err := c.breakers.Get(baseURL).Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		return c.doJSON(ctx, http.MethodPost, baseURL+"/data", env, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStateMachine fetches a fiber's current snapshot-layer state. Returns
// ErrNotFound when the fiber is not yet (or no longer) visible.
func (c *Client) GetStateMachine(ctx context.Context, fiberID string) (*chain.Fiber, error) {
	var fiber chain.Fiber
	url := c.cfg.ML0URL + "/data-application/v1/state-machines/" + fiberID
	err := c.query(ctx, url, &fiber)
	if err != nil {
		var ce *Error
		if asHTTP(err, &ce) && ce.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if fiber.FiberID == "" {
		fiber.FiberID = fiberID
	}
	return &fiber, nil
}

// GetCheckpoint fetches the snapshot layer's current checkpoint.
func (c *Client) GetCheckpoint(ctx context.Context) (*chain.Checkpoint, error) {
	var cp chain.Checkpoint
	if err := c.query(ctx, c.cfg.ML0URL+"/data-application/v1/checkpoint", &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetLatestOrdinal returns the latest snapshot ordinal, or nil when the
// layer has not produced one yet.
func (c *Client) GetLatestOrdinal(ctx context.Context) (*uint64, error) {
	var body struct {
		Value *uint64 `json:"value"`
	}
	err := c.query(ctx, c.cfg.ML0URL+"/snapshots/latest/ordinal", &body)
	if err != nil {
		var ce *Error
		if asHTTP(err, &ce) && ce.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return body.Value, nil
}

// GetGlobalOrdinal returns the L0 ordinal from the global snapshot layer.
func (c *Client) GetGlobalOrdinal(ctx context.Context) (uint64, error) {
	if c.cfg.GL0URL == "" {
		return 0, fmt.Errorf("no GL0 endpoint configured")
	}
	var body struct {
		Value struct {
			Ordinal uint64 `json:"ordinal"`
		} `json:"value"`
	}
	if err := c.query(ctx, c.cfg.GL0URL+"/global-snapshots/latest", &body); err != nil {
		return 0, err
	}
	return body.Value.Ordinal, nil
}

// ClusterInfo lists the peers a node knows about.
func (c *Client) ClusterInfo(ctx context.Context, baseURL string) ([]chain.ClusterNode, error) {
	var nodes []chain.ClusterNode
	if err := c.query(ctx, baseURL+"/cluster/info", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// NodeInfo fetches a single node's own state.
func (c *Client) NodeInfo(ctx context.Context, baseURL string) (*chain.NodeInfo, error) {
	var info chain.NodeInfo
	if err := c.query(ctx, baseURL+"/node/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SubscribeWebhook registers a callback with the snapshot layer. Idempotent:
// if a subscription for callbackURL already exists, its id is returned.
func (c *Client) SubscribeWebhook(ctx context.Context, callbackURL, secret string) (string, error) {
	existing, err := c.ListWebhookSubscribers(ctx)
	if err == nil {
		for _, sub := range existing {
			if sub.CallbackURL == callbackURL {
				return sub.ID, nil
			}
		}
	}

	var resp chain.WebhookSubscription
	req := map[string]string{"callbackUrl": callbackURL}
	if secret != "" {
		req["secret"] = secret
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	url := c.cfg.ML0URL + "/data-application/v1/webhooks/subscribe"
	if err := c.doJSON(ctx, http.MethodPost, url, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UnsubscribeWebhook removes a subscription by id.
func (c *Client) UnsubscribeWebhook(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	url := c.cfg.ML0URL + "/data-application/v1/webhooks/subscribe/" + id
	return c.doJSON(ctx, http.MethodDelete, url, nil, nil)
}

// ListWebhookSubscribers returns the snapshot layer's subscriber list.
func (c *Client) ListWebhookSubscribers(ctx context.Context) ([]chain.WebhookSubscription, error) {
	var subs []chain.WebhookSubscription
	if err := c.query(ctx, c.cfg.ML0URL+"/data-application/v1/webhooks/subscribers", &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c *Client) query(ctx context.Context, url string, out interface{}) error {
	return c.breakers.Get(baseOf(url)).Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
		return c.doJSON(ctx, http.MethodGet, url, nil, out)
	})
}

// doJSON performs one request and decodes a JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Class: FailureMalformed, Endpoint: url, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &Error{Class: FailureMalformed, Endpoint: url, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classify(url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Class:    FailureHTTPStatus,
			Endpoint: url,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Class: FailureMalformed, Endpoint: url, Err: err, Body: string(raw)}
	}
	return nil
}

func asHTTP(err error, ce **Error) bool {
	if e, ok := err.(*Error); ok && e.Class == FailureHTTPStatus {
		*ce = e
		return true
	}
	// Breaker wrapping never obscures the typed error, but unwrap anyway.
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return asHTTP(u.Unwrap(), ce)
	}
	return false
}

func baseOf(url string) string {
	// Strip the path so all routes on one node share a breaker.
	if i := strings.Index(url, "://"); i >= 0 {
		if j := strings.IndexByte(url[i+3:], '/'); j >= 0 {
			return url[:i+3+j]
		}
	}
	return url
}
