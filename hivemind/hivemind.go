// Package hivemind implements the shared vector memory: successful action
// plans recalled by page shape, and provider predictions by lead shape.
package hivemind

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// HiveMind is the shared memory façade over the experience and pattern
	// indexes. Writes under a given key are last-writer-wins.
	HiveMind struct {
		experiences Index
		patterns    Index
		logger      telemetry.Logger
	}

	// Config configures a HiveMind.
	Config struct {
		// Experiences is the action-plan index. Required.
		Experiences Index
		// Patterns is the provider-prediction index. Required.
		Patterns Index
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Experience caches one successful action plan keyed by the page it
	// worked on.
	Experience struct {
		ActionPlan    string
		AXTreeSummary string
		// ScreenshotHash identifies the page state; it derives the
		// storage key.
		ScreenshotHash string
	}

	// Pattern records which provider produced data for a lead shape.
	Pattern struct {
		Company   string
		City      string
		Title     string
		Provider  string
		DataFound string
	}
)

// Index and prefix names shared with the dashboard.
const (
	ExperienceIndex  = "experiences"
	ExperiencePrefix = "experience:"
	PatternIndex     = "enrichment_patterns"
	PatternPrefix    = "pattern:"
)

const (
	// recallMaxDistance is the cosine distance under which a KNN-1 match
	// counts as an exact recall hit.
	recallMaxDistance = 0.02
	// searchMinSimilarity filters free-text semantic search results.
	searchMinSimilarity = 0.7
	// predictMinSimilarity gates the provider prediction.
	predictMinSimilarity = 0.6
	// axSummaryLimit truncates stored tree summaries.
	axSummaryLimit = 1000
	// hashKeyChars is how much of the screenshot hash feeds the embedding.
	hashKeyChars = 16
)

// ExperienceFields and PatternFields are the payload fields of each index.
var (
	ExperienceFields = []string{"action_plan", "ax_tree_summary", "screenshot_hash"}
	PatternFields    = []string{"company", "city", "title", "provider", "data_found"}
)

// New creates a HiveMind.
func New(cfg Config) (*HiveMind, error) {
	if cfg.Experiences == nil || cfg.Patterns == nil {
		return nil, fmt.Errorf("experience and pattern indexes are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &HiveMind{experiences: cfg.Experiences, patterns: cfg.Patterns, logger: logger}, nil
}

// NewRedis wires a HiveMind over RediSearch indexes, creating them if needed.
func NewRedis(ctx context.Context, rdb *redis.Client, logger telemetry.Logger) (*HiveMind, error) {
	exp, err := NewRedisIndex(ctx, rdb, ExperienceIndex, ExperiencePrefix, ExperienceFields)
	if err != nil {
		return nil, fmt.Errorf("experience index: %w", err)
	}
	pat, err := NewRedisIndex(ctx, rdb, PatternIndex, PatternPrefix, PatternFields)
	if err != nil {
		return nil, fmt.Errorf("pattern index: %w", err)
	}
	return New(Config{Experiences: exp, Patterns: pat, Logger: logger})
}

// StoreExperience inserts or overwrites the action plan for a page state.
func (h *HiveMind) StoreExperience(ctx context.Context, exp Experience) error {
	if exp.ScreenshotHash == "" {
		return fmt.Errorf("screenshot hash is required")
	}
	summary := exp.AXTreeSummary
	if len(summary) > axSummaryLimit {
		summary = summary[:axSummaryLimit]
	}
	key := ExperiencePrefix + exp.ScreenshotHash
	vec := Embed(experienceText(summary, exp.ScreenshotHash))
	err := h.experiences.Upsert(ctx, key, vec, map[string]string{
		"action_plan":     exp.ActionPlan,
		"ax_tree_summary": summary,
		"screenshot_hash": exp.ScreenshotHash,
	})
	if err != nil {
		return fmt.Errorf("store experience: %w", err)
	}
	return nil
}

// Recall looks up the action plan for a page state. It returns ok=false when
// the nearest stored experience is not close enough to trust.
func (h *HiveMind) Recall(ctx context.Context, axTreeSummary, screenshotHash string) (string, bool) {
	if len(axTreeSummary) > axSummaryLimit {
		axTreeSummary = axTreeSummary[:axSummaryLimit]
	}
	vec := Embed(experienceText(axTreeSummary, screenshotHash))
	hits, err := h.experiences.Search(ctx, vec, 1)
	if err != nil {
		h.logger.Warn(ctx, "experience recall failed", "err", err.Error())
		return "", false
	}
	if len(hits) == 0 || hits[0].Similarity < 1-recallMaxDistance {
		return "", false
	}
	return hits[0].Payload["action_plan"], true
}

// SemanticSearch returns stored experiences matching a free-text query,
// best first, filtered by the similarity floor.
func (h *HiveMind) SemanticSearch(ctx context.Context, query string, k int) ([]Hit, error) {
	hits, err := h.experiences.Search(ctx, Embed(query), k)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Similarity > searchMinSimilarity {
			out = append(out, hit)
		}
	}
	return out, nil
}

// StorePattern records that a provider produced data for a lead shape.
func (h *HiveMind) StorePattern(ctx context.Context, p Pattern) error {
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	text := patternText(p.Company, p.City, p.Title)
	sum := fnv.New64a()
	sum.Write([]byte(text + "|" + p.Provider))
	key := PatternPrefix + strconv.FormatUint(sum.Sum64(), 16)
	err := h.patterns.Upsert(ctx, key, Embed(text), map[string]string{
		"company":    p.Company,
		"city":       p.City,
		"title":      p.Title,
		"provider":   p.Provider,
		"data_found": p.DataFound,
	})
	if err != nil {
		return fmt.Errorf("store pattern: %w", err)
	}
	return nil
}

// PredictProvider suggests the provider most likely to have data for a lead,
// or ok=false when no stored pattern is similar enough.
func (h *HiveMind) PredictProvider(ctx context.Context, company, city, title string) (string, bool) {
	hits, err := h.patterns.Search(ctx, Embed(patternText(company, city, title)), 1)
	if err != nil {
		h.logger.Warn(ctx, "provider prediction failed", "err", err.Error())
		return "", false
	}
	if len(hits) == 0 || hits[0].Similarity < predictMinSimilarity {
		return "", false
	}
	return hits[0].Payload["provider"], true
}

func experienceText(axTreeSummary, screenshotHash string) string {
	if len(screenshotHash) > hashKeyChars {
		screenshotHash = screenshotHash[:hashKeyChars]
	}
	return axTreeSummary + "\n" + screenshotHash
}

func patternText(company, city, title string) string {
	return company + " " + city + " " + title
}
