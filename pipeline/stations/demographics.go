package stations

import (
	"context"

	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/telemetry"
)

// DemographicsStation estimates income and age from the zipcode. Errors are
// tolerated; the lead just stays less enriched.
type DemographicsStation struct {
	api    DemographicsAPI
	logger telemetry.Logger
}

// DemographicsCost is the per-call price of the demographics API.
const DemographicsCost = 0.01

// NewDemographics creates the station.
func NewDemographics(api DemographicsAPI, logger telemetry.Logger) *DemographicsStation {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &DemographicsStation{api: api, logger: logger}
}

func (*DemographicsStation) Name() string { return "demographics" }

func (*DemographicsStation) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldZipcode}
}

func (*DemographicsStation) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{
		pipeline.FieldIncome, FieldIncomeRange, pipeline.FieldAge, pipeline.FieldAddress,
	}
}

func (*DemographicsStation) CostEstimate() float64 { return DemographicsCost }

func (d *DemographicsStation) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	demo, err := d.api.ByZip(ctx, pc.GetString(pipeline.FieldZipcode))
	if err != nil {
		d.logger.Warn(ctx, "demographics lookup failed", "err", err)
		return nil, pipeline.Continue, nil
	}
	fields := pipeline.Fields{}
	if demo.Income != "" && !pc.Has(pipeline.FieldIncome) {
		fields[pipeline.FieldIncome] = demo.Income
	}
	if demo.IncomeRange != "" {
		fields[FieldIncomeRange] = demo.IncomeRange
	}
	if demo.Age != "" && !pc.Has(pipeline.FieldAge) {
		fields[pipeline.FieldAge] = demo.Age
	}
	if demo.Address != "" && !pc.Has(pipeline.FieldAddress) {
		fields[pipeline.FieldAddress] = demo.Address
	}
	return fields, pipeline.Continue, nil
}
