package stations

import (
	"context"

	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/store"
)

// Persist upserts the enriched record as the golden lead row. Persistence
// failure is the station's failure; the pipeline still finishes so the trace
// shows what was lost.
type Persist struct {
	store *store.Store
}

// NewPersist creates the station. A nil (degraded) store still "saves": the
// upsert is a no-op that returns id 0.
func NewPersist(st *store.Store) *Persist {
	return &Persist{store: st}
}

func (*Persist) Name() string { return "persist" }

func (*Persist) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldLinkedInURL}
}

func (*Persist) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{FieldSaved, FieldLeadID}
}

func (*Persist) CostEstimate() float64 { return 0 }

func (p *Persist) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	lead := store.Lead{
		LinkedInURL: pc.GetString(pipeline.FieldLinkedInURL),
		Name:        store.Str(pc.GetString(pipeline.FieldName)),
		Phone:       store.Str(pc.GetString(pipeline.FieldPhone)),
		Email:       store.Str(pc.GetString(pipeline.FieldEmail)),
		City:        store.Str(pc.GetString(pipeline.FieldCity)),
		State:       store.Str(pc.GetString(pipeline.FieldState)),
		Zipcode:     store.Str(pc.GetString(pipeline.FieldZipcode)),
		Age:         store.Str(pc.GetString(pipeline.FieldAge)),
		Income:      store.Str(pc.GetString(pipeline.FieldIncome)),
		DNCStatus:   store.Str(pc.GetString(FieldDNCStatus)),
	}
	if v, ok := pc.Get(FieldCanContact); ok {
		if b, ok := v.(bool); ok {
			lead.CanContact = &b
		}
	}

	id, err := p.store.UpsertLead(ctx, lead)
	if err != nil {
		return nil, pipeline.Fail, &pipeline.EnrichmentError{
			Step:         "persist",
			Reason:       "upsert_failed",
			SuggestedFix: "check database connectivity",
			Err:          err,
		}
	}
	return pipeline.Fields{FieldSaved: true, FieldLeadID: id}, pipeline.Continue, nil
}
