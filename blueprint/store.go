package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
)

// ErrNotFound reports that no blueprint exists for the requested domain. The
// store has already raised a mapping_required alert when this is returned.
var ErrNotFound = errors.New("blueprint not found")

// AlertChannel is the pub/sub channel the dojo authoring tool listens on.
const AlertChannel = "dojo:alerts"

type (
	// Store serves blueprints out of Redis. Blueprints are written
	// out-of-band by the dojo authoring tool; the store only reads and
	// alerts on gaps.
	Store struct {
		rdb    *redis.Client
		logger telemetry.Logger
	}

	// StoreConfig configures a Store.
	StoreConfig struct {
		// Redis is required.
		Redis *redis.Client
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	mappingAlert struct {
		Type   string `json:"type"`
		Domain string `json:"domain"`
	}
)

// NewStore creates a blueprint Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{rdb: cfg.Redis, logger: logger}, nil
}

// Get fetches the blueprint for a domain, trying the uppercase key first and
// the legacy lowercase key second. A missing blueprint publishes a
// mapping_required alert to the dojo channel and returns ErrNotFound.
func (s *Store) Get(ctx context.Context, domain string) (*Blueprint, error) {
	for _, key := range []string{"BLUEPRINT:" + domain, "blueprint:" + domain} {
		raw, err := s.rdb.HGet(ctx, key, "data").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch blueprint %s: %w", domain, err)
		}
		bp, err := Parse([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("blueprint %s: %w", domain, err)
		}
		if bp.Domain == "" {
			bp.Domain = domain
		}
		return bp, nil
	}

	s.alertMappingRequired(ctx, domain)
	return nil, fmt.Errorf("domain %s: %w", domain, ErrNotFound)
}

// Put stores a blueprint under the canonical key. Used by tests and the
// smoke harness; production writes come from the dojo.
func (s *Store) Put(ctx context.Context, bp *Blueprint) error {
	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("encode blueprint: %w", err)
	}
	if err := s.rdb.HSet(ctx, "BLUEPRINT:"+bp.Domain, "data", string(data)).Err(); err != nil {
		return fmt.Errorf("store blueprint: %w", err)
	}
	return nil
}

func (s *Store) alertMappingRequired(ctx context.Context, domain string) {
	payload, err := json.Marshal(mappingAlert{Type: "mapping_required", Domain: domain})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, AlertChannel, string(payload)).Err(); err != nil {
		s.logger.Warn(ctx, "mapping alert publish failed", "domain", domain, "err", err.Error())
		return
	}
	s.logger.Info(ctx, "mapping required", "domain", domain)
}
