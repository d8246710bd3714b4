package stations

import (
	"context"

	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/telemetry"
)

// DNC checks the do-not-call registry. A listed number stops the pipeline;
// a registry error fails open with status UNKNOWN.
type DNC struct {
	checker DNCChecker
	logger  telemetry.Logger
}

// DNCCost is the per-call price of the registry check.
const DNCCost = 0.02

// NewDNC creates the station.
func NewDNC(checker DNCChecker, logger telemetry.Logger) *DNC {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &DNC{checker: checker, logger: logger}
}

func (*DNC) Name() string { return "dnc_gatekeeper" }

func (*DNC) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldPhone}
}

func (*DNC) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{FieldDNCStatus, FieldCanContact}
}

func (*DNC) CostEstimate() float64 { return DNCCost }

func (d *DNC) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	res, err := d.checker.Check(ctx, pc.GetString(pipeline.FieldPhone))
	if err != nil {
		d.logger.Warn(ctx, "dnc check failed, passing lead through", "err", err)
		return pipeline.Fields{
			FieldDNCStatus:  "UNKNOWN",
			FieldCanContact: true,
		}, pipeline.Continue, nil
	}
	fields := pipeline.Fields{
		FieldDNCStatus:  res.Status,
		FieldCanContact: res.CanContact,
	}
	if !res.CanContact {
		return fields, pipeline.SkipRemaining, nil
	}
	return fields, pipeline.Continue, nil
}
