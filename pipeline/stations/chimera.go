package stations

import (
	"context"
	"time"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/reconcile"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Chimera submits scraping missions for the lead and folds the extracted
	// fields into the record. The station itself spends nothing; the worker
	// swarm carries the cost. When a router is configured and the first
	// provider yields no phone, fallback providers are tried and the
	// per-provider records merged by success-rate weight. It continues even
	// when every mission returns nothing so the skip-trace fallback gets its
	// turn.
	Chimera struct {
		queue        *dispatch.Queue
		await        time.Duration
		router       *router.Router
		reconciler   *reconcile.Reconciler
		maxProviders int
		logger       telemetry.Logger
	}

	// ChimeraConfig configures the station.
	ChimeraConfig struct {
		// Queue is required.
		Queue *dispatch.Queue
		// Await bounds the wait for each mission result. Defaults to
		// DefaultAwait.
		Await time.Duration
		// Router supplies fallback providers. Nil disables fallback.
		Router *router.Router
		// Reconciler merges multi-provider records. Nil merges unweighted.
		Reconciler *reconcile.Reconciler
		// MaxProviders bounds how many providers are tried per lead.
		// Defaults to 1; values above 1 require a Router.
		MaxProviders int
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// DefaultAwait bounds how long the pipeline waits for a mission result.
const DefaultAwait = 180 * time.Second

// NewChimera creates the station.
func NewChimera(cfg ChimeraConfig) *Chimera {
	await := cfg.Await
	if await <= 0 {
		await = DefaultAwait
	}
	maxProviders := cfg.MaxProviders
	if maxProviders <= 0 || cfg.Router == nil {
		maxProviders = 1
	}
	rec := cfg.Reconciler
	if rec == nil {
		rec = reconcile.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Chimera{
		queue:        cfg.Queue,
		await:        await,
		router:       cfg.Router,
		reconciler:   rec,
		maxProviders: maxProviders,
		logger:       logger,
	}
}

func (*Chimera) Name() string { return "chimera_scraper" }

func (*Chimera) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{
		pipeline.FieldFirstName, pipeline.FieldLastName,
		pipeline.FieldCity, pipeline.FieldState,
	}
}

func (*Chimera) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{
		pipeline.FieldPhone, pipeline.FieldAge, pipeline.FieldIncome,
		pipeline.FieldAddress, pipeline.FieldEmail,
	}
}

func (*Chimera) CostEstimate() float64 { return 0 }

func (c *Chimera) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	lead := map[string]any{}
	for _, f := range []pipeline.Field{
		pipeline.FieldName, pipeline.FieldFirstName, pipeline.FieldLastName,
		pipeline.FieldCity, pipeline.FieldState, pipeline.FieldZipcode,
		pipeline.FieldLinkedInURL,
	} {
		if v := pc.GetString(f); v != "" {
			lead[string(f)] = v
		}
	}

	provider := pc.GetString(FieldProviderPick)
	tried := map[string]bool{}
	var records []reconcile.ProviderRecord

	for attempt := 0; attempt < c.maxProviders; attempt++ {
		if attempt > 0 {
			provider = c.router.Select(ctx, pc.GetString(pipeline.FieldState), tried, "")
			if provider == "" || tried[provider] {
				break
			}
		}
		tried[provider] = true

		extracted := c.scrape(ctx, pc, lead, provider, attempt == 0)
		if len(extracted) > 0 {
			records = append(records, reconcile.ProviderRecord{Provider: provider, Fields: extracted})
			if v, ok := extracted[string(pipeline.FieldPhone)]; ok && v != nil && v != "" {
				break
			}
		}
	}

	merged := c.reconciler.Merge(ctx, records)
	fields := pipeline.Fields{}
	for _, f := range []pipeline.Field{
		pipeline.FieldPhone, pipeline.FieldAge, pipeline.FieldIncome,
		pipeline.FieldAddress, pipeline.FieldEmail,
	} {
		if v, ok := merged[string(f)]; ok && v != nil && v != "" {
			fields[f] = v
		}
	}
	return fields, pipeline.Continue, nil
}

// scrape runs one mission against one provider and returns its extracted
// fields, or nil when the mission failed or returned nothing. The loaded
// blueprint only matches the first provider's domain; fallback providers let
// the worker fetch their own.
func (c *Chimera) scrape(ctx context.Context, pc *pipeline.Context, lead map[string]any, provider string, first bool) map[string]any {
	mission := dispatch.NewMission(lead, provider)
	if first {
		if bp, ok := pc.Get(FieldBlueprint); ok {
			if b, ok := bp.(*blueprint.Blueprint); ok {
				mission.Blueprint = b
			}
		}
	}

	if err := c.queue.Push(ctx, mission); err != nil {
		c.logger.Error(ctx, "mission dispatch failed", "mission_id", mission.MissionID, "err", err)
		return nil
	}
	res, err := c.queue.AwaitResult(ctx, mission.MissionID, c.await)
	if err != nil {
		c.logger.Warn(ctx, "no mission result", "mission_id", mission.MissionID, "err", err)
		return nil
	}
	if res.Status != dispatch.StatusCompleted {
		c.logger.Info(ctx, "mission unsuccessful", "mission_id", mission.MissionID,
			"provider", provider, "status", res.Status, "trauma", res.TraumaSignals)
		return nil
	}
	return res.Extracted
}
