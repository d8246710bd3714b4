// Package vision is the thin RPC façade to the external vision service:
// screenshot to coordinates, memory lookup and world-model updates. The
// backend is opaque; this client only adds resilience (retry, breaker, rate
// limit) and typing.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Client talks to the vision service over HTTP.
	Client struct {
		baseURL string
		http    *http.Client
		breaker *gobreaker.CircuitBreaker
		limiter *rate.Limiter
		retries uint64
		logger  telemetry.Logger
	}

	// Config configures a Client.
	Config struct {
		// BaseURL is the vision service root, e.g. http://localhost:8420.
		// Required.
		BaseURL string
		// HTTPClient overrides the transport. Defaults to a 30 s client.
		HTTPClient *http.Client
		// MaxRetries bounds retry attempts per call. Defaults to 3.
		MaxRetries uint64
		// RequestsPerSecond throttles outbound calls. Defaults to 5.
		RequestsPerSecond float64
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// GroundRequest asks the service to locate an element on a screenshot.
	GroundRequest struct {
		Screenshot []byte
		// Context describes the mission phase for the model prompt.
		Context string
		// TextCommand is the instruction, e.g. "find the search button".
		TextCommand string
	}

	// Grounding is the service's answer to a GroundRequest.
	Grounding struct {
		Found       bool    `json:"found"`
		X           float64 `json:"x"`
		Y           float64 `json:"y"`
		Width       float64 `json:"width"`
		Height      float64 `json:"height"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
	}

	// MemoryQuery searches the service-side memory.
	MemoryQuery struct {
		Query          string `json:"query,omitempty"`
		AXTreeSummary  string `json:"ax_tree_summary,omitempty"`
		ScreenshotHash string `json:"screenshot_hash,omitempty"`
		TopK           int    `json:"top_k"`
	}

	// MemoryHit is one memory search result.
	MemoryHit struct {
		Text       string  `json:"text"`
		Similarity float64 `json:"similarity"`
		ActionPlan string  `json:"action_plan"`
	}

	// WorldModelUpdate feeds an observed transition to the world model.
	WorldModelUpdate struct {
		StateID string         `json:"state_id"`
		Extra   map[string]any `json:"extra,omitempty"`
	}

	// WorldModelReply is the world model's response.
	WorldModelReply struct {
		Success    bool   `json:"success"`
		Prediction string `json:"prediction"`
	}

	groundWire struct {
		Screenshot  string `json:"screenshot_bytes"`
		Context     string `json:"context"`
		TextCommand string `json:"text_command"`
	}
)

// New creates a vision Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vision",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		retries: retries,
		logger:  logger,
	}, nil
}

// ProcessVision locates an element described by the text command on the
// screenshot and returns its coordinates with a confidence.
func (c *Client) ProcessVision(ctx context.Context, req GroundRequest) (*Grounding, error) {
	wire := groundWire{
		Screenshot:  base64.StdEncoding.EncodeToString(req.Screenshot),
		Context:     req.Context,
		TextCommand: req.TextCommand,
	}
	var out Grounding
	if err := c.post(ctx, "/process_vision", wire, &out); err != nil {
		return nil, fmt.Errorf("process vision: %w", err)
	}
	return &out, nil
}

// QueryMemory searches the service-side memory.
func (c *Client) QueryMemory(ctx context.Context, q MemoryQuery) ([]MemoryHit, error) {
	if q.TopK <= 0 {
		q.TopK = 3
	}
	var out []MemoryHit
	if err := c.post(ctx, "/query_memory", q, &out); err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	return out, nil
}

// UpdateWorldModel reports a transition and returns the model's prediction.
func (c *Client) UpdateWorldModel(ctx context.Context, u WorldModelUpdate) (*WorldModelReply, error) {
	var out WorldModelReply
	if err := c.post(ctx, "/update_world_model", u, &out); err != nil {
		return nil, fmt.Errorf("update world model: %w", err)
	}
	return &out, nil
}

// Health probes the service's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vision health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision health: status %d", resp.StatusCode)
	}
	return nil
}

// post sends one JSON request with rate limiting, circuit breaking and
// bounded exponential backoff on transient failures.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, path, body, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	default:
		// 4xx will not improve with retries.
		return backoff.Permanent(fmt.Errorf("%s: status %d", path, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
