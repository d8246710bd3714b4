// Package cookies shares authenticated browser cookies between workers
// through Redis. One worker logs in and publishes; the rest reuse the jar
// until it expires.
package cookies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Cookie is one browser cookie in wire form.
	Cookie struct {
		Name     string  `json:"name"`
		Value    string  `json:"value"`
		Domain   string  `json:"domain"`
		Path     string  `json:"path"`
		Expires  float64 `json:"expires,omitempty"`
		HTTPOnly bool    `json:"httpOnly"`
		Secure   bool    `json:"secure"`
		SameSite string  `json:"sameSite,omitempty"`
	}

	// Meta describes who published the jar and when.
	Meta struct {
		WorkerID  string    `json:"worker_id"`
		SavedAt   time.Time `json:"saved_at"`
		CookieCnt int       `json:"cookie_count"`
	}

	// Store reads and writes per-platform cookie jars.
	Store struct {
		rdb *redis.Client
		ttl time.Duration
	}
)

// DefaultTTL is how long a published jar stays valid.
const DefaultTTL = 24 * time.Hour

// ErrNoCookies means no live jar exists for the platform.
var ErrNoCookies = errors.New("no cookies stored")

// NewStore creates a Store. A non-positive ttl uses DefaultTTL.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func cookieKey(platform string) string { return "auth:cookies:" + platform }
func metaKey(platform string) string   { return "auth:meta:" + platform }

// Save publishes the jar for a platform, replacing any previous one. Both
// the jar and its metadata twin expire together.
func (s *Store) Save(ctx context.Context, platform, workerID string, jar []Cookie) error {
	raw, err := json.Marshal(jar)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	meta, err := json.Marshal(Meta{
		WorkerID:  workerID,
		SavedAt:   time.Now().UTC(),
		CookieCnt: len(jar),
	})
	if err != nil {
		return fmt.Errorf("encode cookie meta: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, cookieKey(platform), raw, s.ttl)
	pipe.Set(ctx, metaKey(platform), meta, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cookies for %s: %w", platform, err)
	}
	return nil
}

// Load returns the live jar for a platform, or ErrNoCookies.
func (s *Store) Load(ctx context.Context, platform string) ([]Cookie, error) {
	raw, err := s.rdb.Get(ctx, cookieKey(platform)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCookies
	}
	if err != nil {
		return nil, fmt.Errorf("load cookies for %s: %w", platform, err)
	}
	var jar []Cookie
	if err := json.Unmarshal([]byte(raw), &jar); err != nil {
		return nil, fmt.Errorf("decode cookies for %s: %w", platform, err)
	}
	return jar, nil
}

// LoadMeta returns the metadata twin for a platform, or ErrNoCookies.
func (s *Store) LoadMeta(ctx context.Context, platform string) (*Meta, error) {
	raw, err := s.rdb.Get(ctx, metaKey(platform)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCookies
	}
	if err != nil {
		return nil, fmt.Errorf("load cookie meta for %s: %w", platform, err)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode cookie meta for %s: %w", platform, err)
	}
	return &meta, nil
}

// Drop removes the jar and its metadata, forcing the next worker to log in.
func (s *Store) Drop(ctx context.Context, platform string) error {
	if err := s.rdb.Del(ctx, cookieKey(platform), metaKey(platform)).Err(); err != nil {
		return fmt.Errorf("drop cookies for %s: %w", platform, err)
	}
	return nil
}
