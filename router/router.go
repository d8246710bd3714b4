// Package router implements GPS, the adaptive provider router: an ε-greedy
// bandit over the provider magazine weighted by per-provider and
// per-(provider, state) statistics kept in Redis.
package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Router selects a provider per mission and records mission outcomes.
	// All state lives in Redis so every worker and pipeline shares it.
	Router struct {
		rdb      *redis.Client
		magazine []string
		epsilon  float64
		rand     func() float64
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Config configures a Router.
	Config struct {
		// Redis is the shared statistics store. Required.
		Redis *redis.Client
		// Magazine is the ordered list of candidate providers.
		// Defaults to DefaultMagazine.
		Magazine []string
		// Epsilon is the exploration probability. Defaults to 0.1.
		Epsilon float64
		// Rand returns U(0,1) draws. Defaults to math/rand/v2. Tests inject
		// a deterministic source.
		Rand func() float64
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Result is one mission outcome fed back into the statistics.
	Result struct {
		Provider string
		Success  bool
		Captcha  bool
		Latency  time.Duration
		// State is the lead's two-letter state, when known.
		State string
		// DataTypes lists the datatypes the mission recovered
		// (phone, age, income). Latency is split across them.
		DataTypes []string
	}

	stats struct {
		success int64
		failure int64
		captcha int64
		latency int64 // cumulative ms
	}
)

// DefaultMagazine is the built-in provider rotation order.
var DefaultMagazine = []string{
	"FastPeopleSearch",
	"TruePeopleSearch",
	"ZabaSearch",
	"SearchPeopleFree",
	"ThatsThem",
	"AnyWho",
}

const (
	defaultEpsilon = 0.1
	// preferredProb is the acceptance probability for the Hive-Mind
	// preferred-provider shortcut.
	preferredProb = 0.8
	// latencyScale normalizes average latency into the score term.
	latencyScale = 8000.0
	// stateBoostWeight scales the state-conditional success rate bonus.
	stateBoostWeight = 0.15
	// stateMinSamples gates the state boost on sample size.
	stateMinSamples = 3

	blacklistKey = "gps:blacklist"
)

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	magazine := cfg.Magazine
	if len(magazine) == 0 {
		magazine = DefaultMagazine
	}
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = defaultEpsilon
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Router{
		rdb:      cfg.Redis,
		magazine: append([]string(nil), magazine...),
		epsilon:  eps,
		rand:     rnd,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Magazine returns the configured provider order.
func (r *Router) Magazine() []string { return append([]string(nil), r.magazine...) }

// Select picks a provider for a mission. tried providers and blacklisted
// providers are excluded; preferred (the Hive-Mind prediction) is accepted
// with probability 0.8 when it is a live candidate. With probability ε a
// uniform random candidate is returned, otherwise the best-scoring one.
// An empty candidate set falls back to the first magazine entry.
func (r *Router) Select(ctx context.Context, state string, tried map[string]bool, preferred string) string {
	blacklisted := r.blacklisted(ctx)
	var candidates []string
	for _, p := range r.magazine {
		if !tried[p] && !blacklisted[p] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return r.magazine[0]
	}

	if preferred != "" && r.rand() < preferredProb {
		for _, c := range candidates {
			if c == preferred {
				r.metrics.IncCounter("gps.preferred_hits", 1, "provider", preferred)
				return preferred
			}
		}
	}

	if r.rand() < r.epsilon {
		pick := candidates[int(r.rand()*float64(len(candidates)))%len(candidates)]
		r.logger.Debug(ctx, "gps exploring", "provider", pick)
		return pick
	}

	best := candidates[0]
	bestScore := r.score(ctx, candidates[0], state)
	for _, c := range candidates[1:] {
		if s := r.score(ctx, c, state); s > bestScore {
			best, bestScore = c, s
		}
	}
	r.logger.Debug(ctx, "gps exploiting", "provider", best, "score", bestScore)
	return best
}

// Next returns the first magazine provider not yet tried and not blacklisted
// after a failure, or "" when the magazine is exhausted.
func (r *Router) Next(ctx context.Context, failed string, tried map[string]bool) string {
	blacklisted := r.blacklisted(ctx)
	for _, p := range r.magazine {
		if p != failed && !tried[p] && !blacklisted[p] {
			return p
		}
	}
	return ""
}

// RecordResult feeds a mission outcome into the provider statistics. Each
// counter update is an atomic HINCRBY; readers may observe a transient mix of
// pre- and post-update counters, which the ε-greedy policy tolerates.
func (r *Router) RecordResult(ctx context.Context, res Result) error {
	key := providerKey(res.Provider)
	pipe := r.rdb.Pipeline()
	if res.Success {
		pipe.HIncrBy(ctx, key, "success_count", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failure_count", 1)
	}
	if res.Captcha {
		pipe.HIncrBy(ctx, key, "captcha_count", 1)
	}
	latMS := res.Latency.Milliseconds()
	pipe.HIncrBy(ctx, key, "total_latency_ms", latMS)

	if res.State != "" {
		skey := stateKey(res.State, res.Provider)
		if res.Success {
			pipe.HIncrBy(ctx, skey, "success_count", 1)
		} else {
			pipe.HIncrBy(ctx, skey, "failure_count", 1)
		}
	}

	if len(res.DataTypes) > 0 {
		split := latMS / int64(len(res.DataTypes))
		for _, dt := range res.DataTypes {
			dkey := datatypeKey(dt, res.Provider)
			pipe.HIncrBy(ctx, dkey, "total_latency_ms", split)
			pipe.HIncrBy(ctx, dkey, "count", 1)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record provider result: %w", err)
	}
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	r.metrics.IncCounter("gps.results", 1, "provider", res.Provider, "outcome", outcome)
	return nil
}

// SuccessRate returns the provider's observed success rate, or 0.5 when no
// observations exist. The Reconciler uses this as its field weight.
func (r *Router) SuccessRate(ctx context.Context, provider string) float64 {
	st := r.stats(ctx, provider)
	n := st.success + st.failure
	if n == 0 {
		return 0.5
	}
	return float64(st.success) / float64(n)
}

// Blacklist marks a provider unusable until ClearBlacklist.
func (r *Router) Blacklist(ctx context.Context, provider string) error {
	if err := r.rdb.SAdd(ctx, blacklistKey, provider).Err(); err != nil {
		return fmt.Errorf("blacklist provider: %w", err)
	}
	return nil
}

// ClearBlacklist removes a provider from the blacklist.
func (r *Router) ClearBlacklist(ctx context.Context, provider string) error {
	if err := r.rdb.SRem(ctx, blacklistKey, provider).Err(); err != nil {
		return fmt.Errorf("clear blacklist: %w", err)
	}
	return nil
}

// score computes the exploit ranking for one provider:
// reward/n − avg_latency/8000, plus the state boost when the
// state-conditional sample is large enough. Zero observations score 0.
func (r *Router) score(ctx context.Context, provider, state string) float64 {
	st := r.stats(ctx, provider)
	n := st.success + st.failure
	score := 0.0
	if n > 0 {
		reward := float64(st.success) - 0.5*float64(st.captcha) - 5*float64(st.failure)
		avgLat := float64(st.latency) / float64(n)
		score = reward/float64(n) - avgLat/latencyScale
	}
	if state != "" {
		score += r.stateBoost(ctx, provider, state)
	}
	return score
}

func (r *Router) stateBoost(ctx context.Context, provider, state string) float64 {
	vals, err := r.rdb.HGetAll(ctx, stateKey(state, provider)).Result()
	if err != nil || len(vals) == 0 {
		return 0
	}
	s := parseInt(vals["success_count"])
	f := parseInt(vals["failure_count"])
	if s+f < stateMinSamples {
		return 0
	}
	return stateBoostWeight * float64(s) / float64(s+f)
}

func (r *Router) stats(ctx context.Context, provider string) stats {
	vals, err := r.rdb.HGetAll(ctx, providerKey(provider)).Result()
	if err != nil {
		return stats{}
	}
	return stats{
		success: parseInt(vals["success_count"]),
		failure: parseInt(vals["failure_count"]),
		captcha: parseInt(vals["captcha_count"]),
		latency: parseInt(vals["total_latency_ms"]),
	}
}

func (r *Router) blacklisted(ctx context.Context) map[string]bool {
	members, err := r.rdb.SMembers(ctx, blacklistKey).Result()
	if err != nil {
		return nil
	}
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m] = true
	}
	return out
}

// providerDomains maps magazine provider names onto the domains their
// blueprints and carrier statistics are keyed by.
var providerDomains = map[string]string{
	"FastPeopleSearch": "fastpeoplesearch.com",
	"TruePeopleSearch": "truepeoplesearch.com",
	"ZabaSearch":       "zabasearch.com",
	"SearchPeopleFree": "searchpeoplefree.com",
	"ThatsThem":        "thatsthem.com",
	"AnyWho":           "anywho.com",
}

// ProviderDomain resolves a provider name to its domain. Unknown providers
// fall back to a lowercased "<name>.com" guess.
func ProviderDomain(provider string) string {
	if d, ok := providerDomains[provider]; ok {
		return d
	}
	return strings.ToLower(provider) + ".com"
}

func providerKey(name string) string { return "gps:provider:" + name }

func stateKey(state, name string) string { return "gps:state:" + state + ":" + name }

func datatypeKey(dt, name string) string { return "gps:datatype:" + dt + ":" + name }

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
