package stations

import (
	"context"
	"errors"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/hivemind"
	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/telemetry"
)

// BlueprintLoader picks the provider for the lead and loads its blueprint.
// A missing blueprint is not a failure: the store raises the mapping alert
// and the loader marks the context so the scraper can decide what to do.
type BlueprintLoader struct {
	router     *router.Router
	hive       *hivemind.HiveMind
	blueprints *blueprint.Store
	logger     telemetry.Logger
}

// NewBlueprintLoader creates the station. The hive mind is optional; without
// it no preferred-provider shortcut is offered to the router.
func NewBlueprintLoader(rt *router.Router, hive *hivemind.HiveMind, bps *blueprint.Store, logger telemetry.Logger) *BlueprintLoader {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &BlueprintLoader{router: rt, hive: hive, blueprints: bps, logger: logger}
}

func (*BlueprintLoader) Name() string { return "blueprint_loader" }

func (*BlueprintLoader) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldLinkedInURL}
}

func (*BlueprintLoader) ProducesOutputs() []pipeline.Field { return nil }

func (*BlueprintLoader) CostEstimate() float64 { return 0 }

func (l *BlueprintLoader) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	preferred := ""
	if l.hive != nil {
		if p, ok := l.hive.PredictProvider(ctx,
			pc.GetString(pipeline.FieldCompany),
			pc.GetString(pipeline.FieldCity),
			pc.GetString(pipeline.FieldTitle),
		); ok {
			preferred = p
		}
	}
	provider := l.router.Select(ctx, pc.GetString(pipeline.FieldState), nil, preferred)
	fields := pipeline.Fields{FieldProviderPick: provider}

	bp, err := l.blueprints.Get(ctx, router.ProviderDomain(provider))
	switch {
	case errors.Is(err, blueprint.ErrNotFound):
		fields[FieldMappingRequired] = true
	case err != nil:
		// Transient store errors must not sink the lead either.
		l.logger.Error(ctx, "blueprint fetch failed", "provider", provider, "err", err)
		fields[FieldMappingRequired] = true
	default:
		fields[FieldBlueprint] = bp
		fields[FieldMappingRequired] = false
	}
	return fields, pipeline.Continue, nil
}
