package stations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/reconcile"
	"github.com/linkpellow/chimera/router"
)

type (
	fakeCarrier struct {
		info CarrierInfo
		err  error
	}
	fakeDNC struct {
		res DNCResult
		err error
	}
	fakeDemo struct {
		demo Demographics
		err  error
	}
	fakeTracer struct {
		phone string
		email string
		err   error
		calls int
	}
)

func (f *fakeCarrier) Lookup(context.Context, string) (CarrierInfo, error) { return f.info, f.err }
func (f *fakeDNC) Check(context.Context, string) (DNCResult, error)        { return f.res, f.err }
func (f *fakeDemo) ByZip(context.Context, string) (Demographics, error)    { return f.demo, f.err }

func (f *fakeTracer) Trace(context.Context, string, string, string, string) (string, string, error) {
	f.calls++
	return f.phone, f.email, f.err
}

func newTestQueue(t *testing.T) (*dispatch.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := dispatch.NewQueue(dispatch.QueueConfig{Redis: rdb})
	require.NoError(t, err)
	return q, rdb
}

// respond plays the worker side: claim the next mission and publish a result.
func respond(t *testing.T, q *dispatch.Queue, res dispatch.Result) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		m, err := q.Pop(ctx, 10*time.Second)
		if err != nil {
			return
		}
		_ = q.PublishResult(ctx, m.MissionID, res)
	}()
}

func TestIdentitySplitsName(t *testing.T) {
	pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldName: "John Michael Doe"}, 5)
	fields, cond, err := Identity{}.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, cond)
	assert.Equal(t, "John", fields[pipeline.FieldFirstName])
	assert.Equal(t, "Doe", fields[pipeline.FieldLastName])
}

func TestIdentityFailsOnSingleToken(t *testing.T) {
	pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldName: "Cher"}, 5)
	_, cond, err := Identity{}.Process(context.Background(), pc)
	assert.Equal(t, pipeline.Fail, cond)
	var ee *pipeline.EnrichmentError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "unparseable_name", ee.Reason)
}

func TestBlueprintLoader(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rt, err := router.New(router.Config{
		Redis:    rdb,
		Magazine: []string{"ThatsThem"},
		Rand:     func() float64 { return 0.99 },
	})
	require.NoError(t, err)
	bps, err := blueprint.NewStore(blueprint.StoreConfig{Redis: rdb})
	require.NoError(t, err)
	loader := NewBlueprintLoader(rt, nil, bps, nil)

	pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldLinkedInURL: "u1"}, 5)

	// No blueprint stored yet: mapping is required, station still continues.
	fields, cond, err := loader.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, cond)
	assert.Equal(t, "ThatsThem", fields[FieldProviderPick])
	assert.Equal(t, true, fields[FieldMappingRequired])

	require.NoError(t, bps.Put(context.Background(), &blueprint.Blueprint{
		Domain: "thatsthem.com",
		Steps:  []blueprint.Step{{Type: blueprint.StepGoto, URL: "https://thatsthem.com"}},
	}))

	fields, _, err = loader.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, false, fields[FieldMappingRequired])
	require.NotNil(t, fields[FieldBlueprint])
}

func TestSkipTracingSkipsWhenPhonePresent(t *testing.T) {
	tracer := &fakeTracer{phone: "+1999"}
	st := NewSkipTracing(tracer)
	pc := pipeline.NewContext(pipeline.Fields{
		pipeline.FieldFirstName: "John", pipeline.FieldLastName: "Doe",
		pipeline.FieldCity: "Miami", pipeline.FieldState: "FL",
		pipeline.FieldPhone: "+13055550100",
	}, 5)

	fields, cond, err := st.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, cond)
	assert.Empty(t, fields)
	assert.Zero(t, tracer.calls)
}

func TestSkipTracingFailsWithoutPhone(t *testing.T) {
	st := NewSkipTracing(&fakeTracer{})
	pc := pipeline.NewContext(pipeline.Fields{
		pipeline.FieldFirstName: "John", pipeline.FieldLastName: "Doe",
		pipeline.FieldCity: "Miami", pipeline.FieldState: "FL",
	}, 5)

	_, cond, err := st.Process(context.Background(), pc)
	assert.Equal(t, pipeline.Fail, cond)
	var ee *pipeline.EnrichmentError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "no_phone_found", ee.Reason)
}

func TestGatekeepStopsOnVOIPAndJunk(t *testing.T) {
	cases := []struct {
		name string
		info CarrierInfo
		stop bool
	}{
		{"mobile verizon", CarrierInfo{Valid: true, Mobile: true, Carrier: "Verizon"}, false},
		{"voip", CarrierInfo{Valid: true, VOIP: true, Carrier: "Level 3"}, true},
		{"landline", CarrierInfo{Valid: true, Landline: true, Carrier: "AT&T"}, true},
		{"invalid", CarrierInfo{Valid: false}, true},
		{"junk textnow", CarrierInfo{Valid: true, Mobile: true, Carrier: "TextNow Inc."}, true},
		{"junk google voice", CarrierInfo{Valid: true, Mobile: true, Carrier: "Google Voice"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewPhoneGatekeep(&fakeCarrier{info: tc.info}, nil)
			pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldPhone: "+1305"}, 5)
			_, cond, err := g.Process(context.Background(), pc)
			require.NoError(t, err)
			if tc.stop {
				assert.Equal(t, pipeline.SkipRemaining, cond)
			} else {
				assert.Equal(t, pipeline.Continue, cond)
			}
		})
	}
}

func TestGatekeepFailsOpenOnAPIError(t *testing.T) {
	g := NewPhoneGatekeep(&fakeCarrier{err: errors.New("timeout")}, nil)
	pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldPhone: "+1305"}, 5)
	fields, cond, err := g.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, cond)
	assert.Empty(t, fields)
}

func TestDNCFailsOpenAsUnknown(t *testing.T) {
	d := NewDNC(&fakeDNC{err: errors.New("registry down")}, nil)
	pc := pipeline.NewContext(pipeline.Fields{pipeline.FieldPhone: "+1305"}, 5)
	fields, cond, err := d.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, cond)
	assert.Equal(t, "UNKNOWN", fields[FieldDNCStatus])
	assert.Equal(t, true, fields[FieldCanContact])
}

func TestIsJunkCarrier(t *testing.T) {
	for _, junk := range []string{"Google Voice", "TextNow", "Burner", "Twilio",
		"Bandwidth", "Vonage", "RingCentral", "8x8", "Nextiva", "Ooma",
		"MagicJack", "Grasshopper"} {
		assert.True(t, IsJunkCarrier(junk), junk)
	}
	assert.False(t, IsJunkCarrier("Verizon"))
	assert.False(t, IsJunkCarrier("T-Mobile"))
}

// When the first provider comes back without a phone the station tries a
// fallback provider and merges both records.
func TestChimeraFallbackProviderMerge(t *testing.T) {
	q, rdb := newTestQueue(t)

	rt, err := router.New(router.Config{
		Redis:    rdb,
		Magazine: []string{"ThatsThem", "AnyWho"},
		Rand:     func() float64 { return 0.99 },
	})
	require.NoError(t, err)

	results := []dispatch.Result{
		{Status: dispatch.StatusCompleted, Extracted: map[string]any{"age": "44"}},
		{Status: dispatch.StatusCompleted, Extracted: map[string]any{"phone": "+13055550100"}},
	}
	var popped []dispatch.Mission
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, res := range results {
			m, err := q.Pop(ctx, 10*time.Second)
			if err != nil {
				return
			}
			popped = append(popped, m)
			_ = q.PublishResult(ctx, m.MissionID, res)
		}
	}()

	st := NewChimera(ChimeraConfig{
		Queue:        q,
		Await:        15 * time.Second,
		Router:       rt,
		Reconciler:   reconcile.New(rt),
		MaxProviders: 2,
	})
	pc := pipeline.NewContext(pipeline.Fields{
		pipeline.FieldFirstName: "John", pipeline.FieldLastName: "Doe",
		pipeline.FieldCity: "Miami", pipeline.FieldState: "FL",
		FieldProviderPick: "ThatsThem",
	}, 5)

	fields, cond, err := st.Process(context.Background(), pc)
	require.NoError(t, err)
	<-done
	assert.Equal(t, pipeline.Continue, cond)
	assert.Equal(t, "+13055550100", fields[pipeline.FieldPhone])
	assert.Equal(t, "44", fields[pipeline.FieldAge])
	require.Len(t, popped, 2)
	assert.Equal(t, "ThatsThem", popped[0].TargetProvider)
	assert.Equal(t, "AnyWho", popped[1].TargetProvider)
}

// Scenario: a clean lead flows through all six stations and every gate
// passes.
func TestPipelineHappyPath(t *testing.T) {
	q, _ := newTestQueue(t)
	respond(t, q, dispatch.Result{
		Status:    dispatch.StatusCompleted,
		Extracted: map[string]any{"phone": "+13055550100"},
	})

	engine, err := pipeline.New(pipeline.Config{
		Budget: 5.0,
		Stations: []pipeline.Station{
			Identity{},
			NewChimera(ChimeraConfig{Queue: q, Await: 15 * time.Second}),
			NewPhoneGatekeep(&fakeCarrier{info: CarrierInfo{Valid: true, Mobile: true, Carrier: "Verizon"}}, nil),
			NewDNC(&fakeDNC{res: DNCResult{Status: "CLEAR", CanContact: true}}, nil),
			NewDemographics(&fakeDemo{demo: Demographics{Income: "85000", Age: "44"}}, nil),
			NewPersist(nil),
		},
	})
	require.NoError(t, err)

	pc, err := engine.Run(context.Background(), pipeline.Fields{
		pipeline.FieldName:        "John Doe",
		pipeline.FieldLinkedInURL: "u1",
		pipeline.FieldCity:        "Miami",
		pipeline.FieldState:       "FL",
		pipeline.FieldZipcode:     "33101",
	})
	require.NoError(t, err)

	record := pc.Record()
	assert.Equal(t, "+13055550100", record[pipeline.FieldPhone])
	assert.Equal(t, "Verizon", record[FieldCarrier])
	assert.Equal(t, true, record[FieldCanContact])
	assert.Equal(t, "85000", record[pipeline.FieldIncome])
	assert.Equal(t, true, record[FieldSaved])
	assert.Equal(t, 6, record[pipeline.MetaStationsExecuted])
	assert.Less(t, pc.Cost(), 5.0)
	assert.Empty(t, pc.Errors())
}

// Scenario: the DNC registry says no; everything after the gate stays unrun.
func TestPipelineDNCShortCircuit(t *testing.T) {
	q, _ := newTestQueue(t)
	respond(t, q, dispatch.Result{
		Status:    dispatch.StatusCompleted,
		Extracted: map[string]any{"phone": "+13055550100"},
	})

	demo := &fakeDemo{demo: Demographics{Income: "85000"}}
	engine, err := pipeline.New(pipeline.Config{
		Budget: 5.0,
		Stations: []pipeline.Station{
			Identity{},
			NewChimera(ChimeraConfig{Queue: q, Await: 15 * time.Second}),
			NewPhoneGatekeep(&fakeCarrier{info: CarrierInfo{Valid: true, Mobile: true, Carrier: "Verizon"}}, nil),
			NewDNC(&fakeDNC{res: DNCResult{Status: "LISTED", CanContact: false}}, nil),
			NewDemographics(demo, nil),
			NewPersist(nil),
		},
	})
	require.NoError(t, err)

	pc, err := engine.Run(context.Background(), pipeline.Fields{
		pipeline.FieldName:        "John Doe",
		pipeline.FieldLinkedInURL: "u1",
		pipeline.FieldCity:        "Miami",
		pipeline.FieldState:       "FL",
		pipeline.FieldZipcode:     "33101",
	})
	require.NoError(t, err)

	record := pc.Record()
	assert.Equal(t, 4, record[pipeline.MetaStationsExecuted])
	assert.Equal(t, false, record[FieldCanContact])
	assert.NotContains(t, record, FieldSaved)
	last := pc.History()[len(pc.History())-1]
	assert.Equal(t, "dnc_gatekeeper", last.Station)
	assert.Equal(t, pipeline.SkipRemaining.String(), last.Condition)
}

// Scenario: a tight budget stops the pipeline before the paid skip-trace.
func TestPipelineBudgetStopsSkipTrace(t *testing.T) {
	q, _ := newTestQueue(t)
	respond(t, q, dispatch.Result{
		Status:    dispatch.StatusCompleted,
		Extracted: map[string]any{"age": "44"},
	})

	tracer := &fakeTracer{phone: "+1999"}
	engine, err := pipeline.New(pipeline.Config{
		Budget: 0.10,
		Stations: []pipeline.Station{
			Identity{},
			NewChimera(ChimeraConfig{Queue: q, Await: 15 * time.Second}),
			NewSkipTracing(tracer),
		},
	})
	require.NoError(t, err)

	pc, err := engine.Run(context.Background(), pipeline.Fields{
		pipeline.FieldName:  "John Doe",
		pipeline.FieldCity:  "Miami",
		pipeline.FieldState: "FL",
	})
	require.NoError(t, err)

	record := pc.Record()
	// The scraper's output survives; the trace never ran.
	assert.Equal(t, "44", record[pipeline.FieldAge])
	assert.Zero(t, tracer.calls)
	assert.Equal(t, 2, record[pipeline.MetaStationsExecuted])
	last := pc.History()[len(pc.History())-1]
	assert.Equal(t, "budget_exceeded", last.Reason)
}
