// Package selectors is the per-(domain, intent) selector registry. Each
// record carries a consecutive-failure count; when a selector keeps failing
// or vision grounding loses confidence in it, the trauma center asks the
// vision service for a replacement and registers it here.
package selectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Record is the last-known-good selector for one (domain, intent).
	Record struct {
		// Selector is the CSS or XPath expression.
		Selector string `json:"selector"`
		// Kind is "css" or "xpath".
		Kind string `json:"kind"`
		// Confidence is the vision confidence at registration time.
		Confidence float64 `json:"confidence"`
		// LastUsed is the last successful use.
		LastUsed time.Time `json:"last_used"`
		// ConsecutiveFailures counts failures since the last success.
		ConsecutiveFailures int `json:"consecutive_failures"`
		// RecoveryFailures counts successive failed remap attempts.
		RecoveryFailures int `json:"recovery_failures"`
		// Metadata carries free-form annotations.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Registry stores selector records in Redis.
	Registry struct {
		rdb    *redis.Client
		logger telemetry.Logger
	}
)

const (
	// KindCSS and KindXPath are the supported selector kinds.
	KindCSS   = "css"
	KindXPath = "xpath"

	// remapFailureThreshold is the consecutive-failure count that forces a
	// remap even when grounding confidence is still acceptable.
	remapFailureThreshold = 3

	// remapConfidenceFloor is the grounding confidence below which the
	// current selector is no longer trusted.
	remapConfidenceFloor = 0.7
)

// NewRegistry creates a Registry. A nil logger defaults to noop.
func NewRegistry(rdb *redis.Client, logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{rdb: rdb, logger: logger}
}

func key(domain, intent string) string {
	return "selector:" + domain + ":" + intent
}

// Get returns the record for (domain, intent), or nil when none is stored.
func (r *Registry) Get(ctx context.Context, domain, intent string) (*Record, error) {
	raw, err := r.rdb.Get(ctx, key(domain, intent)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get selector %s/%s: %w", domain, intent, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode selector %s/%s: %w", domain, intent, err)
	}
	return &rec, nil
}

// Register stores a selector for (domain, intent), resetting both failure
// counters.
func (r *Registry) Register(ctx context.Context, domain, intent string, rec Record) error {
	if rec.Kind == "" {
		rec.Kind = KindCSS
	}
	rec.ConsecutiveFailures = 0
	rec.RecoveryFailures = 0
	rec.LastUsed = time.Now().UTC()
	return r.put(ctx, domain, intent, rec)
}

// RecordSuccess resets the failure counter and refreshes last_used. A success
// on an unknown key is a no-op.
func (r *Registry) RecordSuccess(ctx context.Context, domain, intent string) error {
	rec, err := r.Get(ctx, domain, intent)
	if err != nil || rec == nil {
		return err
	}
	rec.ConsecutiveFailures = 0
	rec.RecoveryFailures = 0
	rec.LastUsed = time.Now().UTC()
	return r.put(ctx, domain, intent, *rec)
}

// RecordFailure increments the consecutive-failure counter and returns the
// new count.
func (r *Registry) RecordFailure(ctx context.Context, domain, intent string) (int, error) {
	rec, err := r.Get(ctx, domain, intent)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	rec.ConsecutiveFailures++
	if err := r.put(ctx, domain, intent, *rec); err != nil {
		return 0, err
	}
	return rec.ConsecutiveFailures, nil
}

// NeedsRemap reports whether the record should be re-derived given the latest
// grounding confidence for it.
func NeedsRemap(rec *Record, groundingConfidence float64) bool {
	if rec == nil {
		return true
	}
	return rec.ConsecutiveFailures >= remapFailureThreshold ||
		groundingConfidence < remapConfidenceFloor
}

func (r *Registry) put(ctx context.Context, domain, intent string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode selector %s/%s: %w", domain, intent, err)
	}
	if err := r.rdb.Set(ctx, key(domain, intent), raw, 0).Err(); err != nil {
		return fmt.Errorf("store selector %s/%s: %w", domain, intent, err)
	}
	return nil
}
