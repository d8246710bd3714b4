// Package pipeline implements the contract-based enrichment engine: an
// ordered list of stations executed per lead under a cost budget, with
// prerequisite checks, early-termination semantics and a step trace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Engine drives leads through an ordered station list. It is reentrant:
	// concurrent leads each get an isolated Context.
	Engine struct {
		stations []Station
		budget   float64
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Config configures an Engine.
	Config struct {
		// Stations run in declared order. Required.
		Stations []Station
		// Budget is the default per-lead cost ceiling in dollars.
		// Defaults to 5.0.
		Budget float64
		// Logger receives per-station debug and failure logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives station duration and outcome counters. Defaults to noop.
		Metrics telemetry.Metrics
	}
)

// Internal metadata fields attached to the final record.
const (
	MetaCost             Field = "_pipeline_cost"
	MetaStationsExecuted Field = "_pipeline_stations_executed"
	MetaErrors           Field = "_pipeline_errors"
)

// DefaultBudget is the per-lead cost ceiling applied when none is configured.
const DefaultBudget = 5.0

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Stations) == 0 && cfg.Stations == nil {
		cfg.Stations = []Station{}
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		stations: cfg.Stations,
		budget:   budget,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Run executes the pipeline for one lead and returns the final context. The
// returned error is non-nil only for engine-level faults (canceled context);
// station failures are recorded in the context and never abort the run.
func (e *Engine) Run(ctx context.Context, lead Fields) (*Context, error) {
	pc := NewContext(lead, e.budget)
	normalizeName(pc)

	for _, st := range e.stations {
		if err := ctx.Err(); err != nil {
			return pc, fmt.Errorf("pipeline canceled: %w", err)
		}
		if cont := e.runStation(ctx, pc, st); !cont {
			break
		}
	}

	pc.Set(MetaCost, pc.Cost())
	pc.Set(MetaStationsExecuted, executed(pc.History()))
	pc.Set(MetaErrors, len(pc.Errors()))
	return pc, nil
}

// runStation executes one station attempt and reports whether the loop should
// continue.
func (e *Engine) runStation(ctx context.Context, pc *Context, st Station) bool {
	name := st.Name()

	// Prerequisite check: a missing input is this station's failure.
	if missing := missingInputs(pc, st); len(missing) > 0 {
		e.logger.Debug(ctx, "station inputs missing", "station", name, "missing", fmt.Sprint(missing))
		pc.appendHistory(StepRecord{
			Station:   name,
			StartedAt: time.Now(),
			Status:    StatusFail,
			Condition: Fail.String(),
			Reason:    "missing_inputs",
		})
		pc.appendError(StepError{Step: name, Reason: "missing_inputs"})
		return true
	}

	// Budget check stops the whole pipeline, not just this station.
	if pc.Cost()+st.CostEstimate() > pc.Budget() {
		e.logger.Info(ctx, "budget exceeded, skipping remaining stations",
			"station", name, "cost", pc.Cost(), "budget", pc.Budget())
		e.metrics.IncCounter("pipeline.budget_exceeded", 1, "station", name)
		pc.appendHistory(StepRecord{
			Station:   name,
			StartedAt: time.Now(),
			Status:    StatusSkip,
			Condition: SkipRemaining.String(),
			Reason:    "budget_exceeded",
		})
		return false
	}

	started := time.Now()
	fields, cond, err := st.Process(ctx, pc)
	dur := time.Since(started)

	// Cost is committed even on failure: the external spend already happened.
	pc.addCost(st.CostEstimate())
	pc.merge(fields)
	e.metrics.RecordTimer("pipeline.station_duration", dur, "station", name)

	rec := StepRecord{
		Station:   name,
		StartedAt: started,
		Duration:  dur,
		Condition: cond.String(),
		Status:    StatusSuccess,
	}

	if err != nil {
		rec.Status = StatusFail
		rec.Error = err.Error()
		var ee *EnrichmentError
		if errors.As(err, &ee) {
			rec.Reason = ee.Reason
			rec.SuggestedFix = ee.SuggestedFix
			pc.appendError(StepError{Step: ee.Step, Reason: ee.Reason, SuggestedFix: ee.SuggestedFix})
		} else {
			pc.appendError(StepError{Step: name, Reason: err.Error()})
		}
		e.logger.Warn(ctx, "station failed", "station", name, "err", err.Error())
		e.metrics.IncCounter("pipeline.station_failures", 1, "station", name)
	}

	if cond == SkipRemaining {
		if rec.Status == StatusSuccess {
			rec.Status = StatusSkip
		}
		pc.appendHistory(rec)
		e.logger.Info(ctx, "pipeline terminated early", "station", name)
		return false
	}

	pc.appendHistory(rec)
	return true
}

// normalizeName aliases common name variants into the canonical "name" field
// before the first station runs.
func normalizeName(pc *Context) {
	if pc.Has(FieldName) {
		return
	}
	for _, alias := range []Field{"fullName", "full_name", "Name"} {
		if v := pc.GetString(alias); v != "" {
			pc.Set(FieldName, v)
			return
		}
	}
	first, last := pc.GetString(FieldFirstName), pc.GetString(FieldLastName)
	if first != "" && last != "" {
		pc.Set(FieldName, first+" "+last)
	}
}

func missingInputs(pc *Context, st Station) []Field {
	var missing []Field
	for _, f := range st.RequiredInputs() {
		if !pc.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// executed counts stations that were actually invoked; budget skips are
// attempts that never ran.
func executed(history []StepRecord) int {
	n := 0
	for _, h := range history {
		if h.Reason != "budget_exceeded" {
			n++
		}
	}
	return n
}
