package selectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/store"
	"github.com/linkpellow/chimera/telemetry"
	"github.com/linkpellow/chimera/vision"
)

type (
	// Grounder locates elements on screenshots. *vision.Client implements it.
	Grounder interface {
		ProcessVision(ctx context.Context, req vision.GroundRequest) (*vision.Grounding, error)
	}

	// Auditor records repairs durably. *store.Store implements it.
	Auditor interface {
		RecordSelectorRepair(ctx context.Context, r store.SelectorRepair) error
	}

	// TraumaCenter re-derives broken selectors with vision assistance.
	TraumaCenter struct {
		registry *Registry
		vision   Grounder
		auditor  Auditor
		rdb      *redis.Client
		logger   telemetry.Logger
	}

	// TraumaConfig configures a TraumaCenter.
	TraumaConfig struct {
		// Registry is required.
		Registry *Registry
		// Vision is required.
		Vision Grounder
		// Auditor may be nil; repairs are then not persisted.
		Auditor Auditor
		// Redis carries critical alerts. May be nil.
		Redis *redis.Client
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// ErrExhausted means recovery failed three times in a row for the same
// (domain, intent); a critical alert was raised and the caller must stop
// retrying that key.
var ErrExhausted = errors.New("selector recovery exhausted")

const (
	// recoveryFailureLimit is the successive remap failures after which the
	// key is handed to a human.
	recoveryFailureLimit = 3

	// registerConfidenceFloor is the minimum vision confidence required to
	// accept a replacement selector.
	registerConfidenceFloor = 0.5

	alertChannel = "dojo:alerts"
)

// NewTraumaCenter creates a TraumaCenter.
func NewTraumaCenter(cfg TraumaConfig) (*TraumaCenter, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Vision == nil {
		return nil, fmt.Errorf("vision grounder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &TraumaCenter{
		registry: cfg.Registry,
		vision:   cfg.Vision,
		auditor:  cfg.Auditor,
		rdb:      cfg.Redis,
		logger:   logger,
	}, nil
}

// Recover asks vision for a replacement selector for (domain, intent). On a
// confident answer the replacement is registered, the repair audited and the
// grounding returned so the caller can click its coordinates immediately. On
// the third successive recovery failure it raises a critical alert and
// returns ErrExhausted.
func (t *TraumaCenter) Recover(ctx context.Context, domain, intent string, screenshot []byte, description string) (*vision.Grounding, error) {
	rec, err := t.registry.Get(ctx, domain, intent)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.RecoveryFailures >= recoveryFailureLimit {
		return nil, ErrExhausted
	}

	grounding, err := t.vision.ProcessVision(ctx, vision.GroundRequest{
		Screenshot:  screenshot,
		Context:     "selector_recovery",
		TextCommand: fmt.Sprintf("find a new selector for intent %q: %s", intent, description),
	})
	if err != nil || !grounding.Found || grounding.Confidence <= registerConfidenceFloor {
		return nil, t.recoveryFailed(ctx, domain, intent, rec, err)
	}

	oldSelector := ""
	if rec != nil {
		oldSelector = rec.Selector
	}
	newRec := Record{
		Selector:   grounding.Description,
		Kind:       KindCSS,
		Confidence: grounding.Confidence,
	}
	if err := t.registry.Register(ctx, domain, intent, newRec); err != nil {
		return nil, err
	}
	if t.auditor != nil {
		if err := t.auditor.RecordSelectorRepair(ctx, store.SelectorRepair{
			Domain:      domain,
			Intent:      intent,
			OldSelector: oldSelector,
			NewSelector: newRec.Selector,
			Confidence:  newRec.Confidence,
		}); err != nil {
			t.logger.Error(ctx, "audit selector repair failed", "domain", domain, "intent", intent, "err", err)
		}
	}
	t.logger.Info(ctx, "selector remapped", "domain", domain, "intent", intent, "selector", newRec.Selector, "confidence", newRec.Confidence)
	return grounding, nil
}

func (t *TraumaCenter) recoveryFailed(ctx context.Context, domain, intent string, rec *Record, cause error) error {
	if rec == nil {
		rec = &Record{}
	}
	rec.RecoveryFailures++
	if err := t.registry.put(ctx, domain, intent, *rec); err != nil {
		return err
	}
	if rec.RecoveryFailures >= recoveryFailureLimit {
		t.alert(ctx, domain, intent)
		return ErrExhausted
	}
	if cause != nil {
		return fmt.Errorf("selector recovery %s/%s: %w", domain, intent, cause)
	}
	return fmt.Errorf("selector recovery %s/%s: no confident replacement", domain, intent)
}

func (t *TraumaCenter) alert(ctx context.Context, domain, intent string) {
	t.logger.Error(ctx, "selector recovery exhausted", "domain", domain, "intent", intent)
	if t.rdb == nil {
		return
	}
	msg, _ := json.Marshal(map[string]string{
		"type":   "trauma_critical",
		"domain": domain,
		"intent": intent,
	})
	if err := t.rdb.Publish(ctx, alertChannel, msg).Err(); err != nil {
		t.logger.Error(ctx, "publish trauma alert failed", "domain", domain, "err", err)
	}
}
