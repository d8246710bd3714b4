package stations

import (
	"context"

	"github.com/linkpellow/chimera/pipeline"
)

// SkipTracing is the paid fallback when scraping produced no phone. It is
// skipped outright when a phone is already present and fails when the trace
// comes back empty.
type SkipTracing struct {
	tracer SkipTracer
}

// SkipTraceCost is the per-call price of the trace API.
const SkipTraceCost = 0.15

// NewSkipTracing creates the station.
func NewSkipTracing(tracer SkipTracer) *SkipTracing {
	return &SkipTracing{tracer: tracer}
}

func (*SkipTracing) Name() string { return "skip_tracing" }

func (*SkipTracing) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{
		pipeline.FieldFirstName, pipeline.FieldLastName,
		pipeline.FieldCity, pipeline.FieldState,
	}
}

func (*SkipTracing) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldPhone, pipeline.FieldEmail}
}

func (*SkipTracing) CostEstimate() float64 { return SkipTraceCost }

func (s *SkipTracing) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	if pc.Has(pipeline.FieldPhone) {
		return nil, pipeline.Continue, nil
	}
	phone, email, err := s.tracer.Trace(ctx,
		pc.GetString(pipeline.FieldFirstName),
		pc.GetString(pipeline.FieldLastName),
		pc.GetString(pipeline.FieldCity),
		pc.GetString(pipeline.FieldState),
	)
	if err != nil {
		return nil, pipeline.Fail, &pipeline.EnrichmentError{
			Step:         "skip_tracing",
			Reason:       "trace_failed",
			SuggestedFix: "retry later or verify the trace API credentials",
			Err:          err,
		}
	}
	if phone == "" {
		return nil, pipeline.Fail, &pipeline.EnrichmentError{
			Step:   "skip_tracing",
			Reason: "no_phone_found",
		}
	}
	fields := pipeline.Fields{pipeline.FieldPhone: phone}
	if email != "" {
		fields[pipeline.FieldEmail] = email
	}
	return fields, pipeline.Continue, nil
}
