package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStation struct {
	name     string
	requires []Field
	produces []Field
	cost     float64
	process  func(ctx context.Context, pc *Context) (Fields, StopCondition, error)
}

func (s *fakeStation) Name() string              { return s.name }
func (s *fakeStation) RequiredInputs() []Field   { return s.requires }
func (s *fakeStation) ProducesOutputs() []Field  { return s.produces }
func (s *fakeStation) CostEstimate() float64     { return s.cost }
func (s *fakeStation) Process(ctx context.Context, pc *Context) (Fields, StopCondition, error) {
	return s.process(ctx, pc)
}

func constStation(name string, cost float64, out Fields, requires ...Field) *fakeStation {
	return &fakeStation{
		name:     name,
		requires: requires,
		cost:     cost,
		process: func(context.Context, *Context) (Fields, StopCondition, error) {
			return out, Continue, nil
		},
	}
}

func TestRunEmptyStationList(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldName: "John Doe"})
	require.NoError(t, err)

	rec := pc.Record()
	assert.Equal(t, "John Doe", rec[FieldName])
	assert.Equal(t, 0.0, rec[MetaCost])
	assert.Equal(t, 0, rec[MetaStationsExecuted])
	assert.Equal(t, 0, rec[MetaErrors])
}

func TestRunNameNormalization(t *testing.T) {
	cases := []struct {
		name string
		lead Fields
		want string
	}{
		{"fullName", Fields{"fullName": "Jane Roe"}, "Jane Roe"},
		{"full_name", Fields{"full_name": "Jane Roe"}, "Jane Roe"},
		{"Name", Fields{"Name": "Jane Roe"}, "Jane Roe"},
		{"split", Fields{FieldFirstName: "Jane", FieldLastName: "Roe"}, "Jane Roe"},
		{"canonical wins", Fields{FieldName: "Kept", "fullName": "Ignored"}, "Kept"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(Config{})
			require.NoError(t, err)
			pc, err := e.Run(context.Background(), tc.lead)
			require.NoError(t, err)
			assert.Equal(t, tc.want, pc.Record()[FieldName])
		})
	}
}

func TestRunMissingInputsRecordedAndContinues(t *testing.T) {
	needsPhone := constStation("gatekeep", 0.01, Fields{"is_valid": true}, FieldPhone)
	after := constStation("after", 0, Fields{"ran": true})

	e, err := New(Config{Stations: []Station{needsPhone, after}})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldName: "John Doe"})
	require.NoError(t, err)

	require.Len(t, pc.History(), 2)
	assert.Equal(t, StatusFail, pc.History()[0].Status)
	assert.Equal(t, "missing_inputs", pc.History()[0].Reason)
	assert.Equal(t, StatusSuccess, pc.History()[1].Status)
	assert.True(t, pc.Record()["ran"].(bool))
	// The station was never invoked so its cost is not debited.
	assert.Equal(t, 0.0, pc.Cost())
}

func TestRunBudgetExceededStopsPipeline(t *testing.T) {
	free := constStation("scraper", 0, Fields{FieldPhone: "+13055550100"}, FieldName)
	costly := constStation("skiptrace", 0.15, Fields{FieldEmail: "x@y.z"}, FieldName)
	never := constStation("never", 0, Fields{"nope": true})

	e, err := New(Config{Stations: []Station{free, costly, never}, Budget: 0.10})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldName: "John Doe"})
	require.NoError(t, err)

	require.Len(t, pc.History(), 2)
	assert.Equal(t, StatusSkip, pc.History()[1].Status)
	assert.Equal(t, "budget_exceeded", pc.History()[1].Reason)
	rec := pc.Record()
	assert.Equal(t, "+13055550100", rec[FieldPhone])
	assert.NotContains(t, rec, Field("nope"))
	assert.Equal(t, 1, rec[MetaStationsExecuted])
}

func TestRunSkipRemainingTerminatesCleanly(t *testing.T) {
	gate := &fakeStation{
		name:     "dnc",
		requires: []Field{FieldPhone},
		cost:     0.02,
		process: func(context.Context, *Context) (Fields, StopCondition, error) {
			return Fields{"can_contact": false}, SkipRemaining, nil
		},
	}
	after := constStation("persist", 0, Fields{"saved": true})

	e, err := New(Config{Stations: []Station{gate, after}})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldPhone: "+13055550100"})
	require.NoError(t, err)

	require.Len(t, pc.History(), 1)
	assert.Equal(t, "skip_remaining", pc.History()[0].Condition)
	assert.Equal(t, false, pc.Record()["can_contact"])
	assert.NotContains(t, pc.Record(), Field("saved"))
	assert.Equal(t, 1, pc.Record()[MetaStationsExecuted])
}

func TestRunStructuredErrorRecordedAndContinues(t *testing.T) {
	failing := &fakeStation{
		name: "identity",
		cost: 0.05,
		process: func(context.Context, *Context) (Fields, StopCondition, error) {
			return nil, Fail, &EnrichmentError{
				Step:         "identity",
				Reason:       "no_match",
				SuggestedFix: "verify the lead name spelling",
			}
		},
	}
	after := constStation("after", 0, Fields{"ran": true})

	e, err := New(Config{Stations: []Station{failing, after}})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldName: "John Doe"})
	require.NoError(t, err)

	require.Len(t, pc.Errors(), 1)
	assert.Equal(t, "no_match", pc.Errors()[0].Reason)
	assert.Equal(t, "verify the lead name spelling", pc.Errors()[0].SuggestedFix)
	assert.True(t, pc.Record()["ran"].(bool))
	// Invocation happened so the cost is committed despite the failure.
	assert.Equal(t, 0.05, pc.Cost())
	assert.Equal(t, 1, pc.Record()[MetaErrors])
}

func TestRunUnstructuredErrorCapturedAndContinues(t *testing.T) {
	failing := &fakeStation{
		name: "flaky",
		process: func(context.Context, *Context) (Fields, StopCondition, error) {
			return nil, Fail, errors.New("connection reset")
		},
	}
	e, err := New(Config{Stations: []Station{failing}})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{FieldName: "John Doe"})
	require.NoError(t, err)

	require.Len(t, pc.Errors(), 1)
	assert.Equal(t, "connection reset", pc.Errors()[0].Reason)
}

func TestRunCostMonotonic(t *testing.T) {
	var stations []Station
	for _, c := range []float64{0.01, 0.02, 0.0, 0.15} {
		stations = append(stations, constStation("s", c, nil))
	}
	e, err := New(Config{Stations: stations, Budget: 1})
	require.NoError(t, err)

	pc, err := e.Run(context.Background(), Fields{})
	require.NoError(t, err)
	assert.InDelta(t, 0.18, pc.Cost(), 1e-9)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(Config{Stations: []Station{constStation("s", 0, nil)}})
	require.NoError(t, err)

	_, err = e.Run(ctx, Fields{})
	require.Error(t, err)
}
