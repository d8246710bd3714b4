package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KnownCarriers is the set of mobile carriers tracked per target domain.
// "default" is the proxy pool's unpinned route.
var KnownCarriers = []string{"att", "tmobile", "verizon", "sprint", "default"}

const carrierNeutralRate = 0.5

// RecordCarrierResult updates the per-(domain, carrier) health counters. The
// hash field holds "<success>,<failure>" so the dashboard can read it raw.
func (r *Router) RecordCarrierResult(ctx context.Context, domain, carrier string, success bool) error {
	key := carrierKey(domain)
	raw, err := r.rdb.HGet(ctx, key, carrier).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read carrier health: %w", err)
	}
	s, f := parseCarrierHealth(raw)
	if success {
		s++
	} else {
		f++
	}
	if err := r.rdb.HSet(ctx, key, carrier, fmt.Sprintf("%d,%d", s, f)).Err(); err != nil {
		return fmt.Errorf("write carrier health: %w", err)
	}
	return nil
}

// PreferredCarrier returns the carrier with the lowest observed failure rate
// for the domain. Carriers in exclude are skipped so callers can force a
// pivot. Carriers with no observations count as neutral (0.5).
func (r *Router) PreferredCarrier(ctx context.Context, domain string, exclude ...string) string {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}
	vals, _ := r.rdb.HGetAll(ctx, carrierKey(domain)).Result()

	best := ""
	bestRate := 2.0
	for _, c := range KnownCarriers {
		if excluded[c] {
			continue
		}
		rate := carrierNeutralRate
		if raw, ok := vals[c]; ok {
			s, f := parseCarrierHealth(raw)
			if s+f >= 1 {
				rate = float64(f) / float64(s+f)
			}
		}
		if rate < bestRate {
			best, bestRate = c, rate
		}
	}
	return best
}

func carrierKey(domain string) string { return "carrier_health:" + domain }

func parseCarrierHealth(raw string) (success, failure int64) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	return parseInt(strings.TrimSpace(parts[0])), parseInt(strings.TrimSpace(parts[1]))
}
