package stations

import (
	"context"
	"strings"

	"github.com/linkpellow/chimera/pipeline"
)

// Identity splits the canonical name into first and last name. It spends
// nothing and fails only when the name cannot be split.
type Identity struct{}

func (Identity) Name() string { return "identity_resolution" }

func (Identity) RequiredInputs() []pipeline.Field { return []pipeline.Field{pipeline.FieldName} }

func (Identity) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{
		pipeline.FieldFirstName, pipeline.FieldLastName, pipeline.FieldCity,
		pipeline.FieldState, pipeline.FieldZipcode, pipeline.FieldLinkedInURL,
		pipeline.FieldCompany, pipeline.FieldTitle,
	}
}

func (Identity) CostEstimate() float64 { return 0 }

func (Identity) Process(_ context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	name := strings.TrimSpace(pc.GetString(pipeline.FieldName))
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return nil, pipeline.Fail, &pipeline.EnrichmentError{
			Step:         "identity_resolution",
			Reason:       "unparseable_name",
			SuggestedFix: "provide firstName and lastName explicitly",
		}
	}
	fields := pipeline.Fields{}
	if !pc.Has(pipeline.FieldFirstName) {
		fields[pipeline.FieldFirstName] = parts[0]
	}
	if !pc.Has(pipeline.FieldLastName) {
		fields[pipeline.FieldLastName] = parts[len(parts)-1]
	}
	return fields, pipeline.Continue, nil
}
