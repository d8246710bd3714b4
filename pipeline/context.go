package pipeline

import "time"

type (
	// Context is a single lead's journey through the pipeline. It is owned
	// exclusively by the engine executing it; stations mutate it only through
	// the fields they return.
	Context struct {
		data    Fields
		cost    float64
		budget  float64
		history []StepRecord
		errs    []StepError
	}

	// StepRecord is one append-only history entry per station attempt.
	StepRecord struct {
		Station      string        `json:"station"`
		StartedAt    time.Time     `json:"started_at"`
		Duration     time.Duration `json:"duration_ms"`
		Status       string        `json:"status"`
		Condition    string        `json:"condition"`
		Reason       string        `json:"reason,omitempty"`
		Error        string        `json:"error,omitempty"`
		SuggestedFix string        `json:"suggested_fix,omitempty"`
	}

	// StepError is a recorded station failure.
	StepError struct {
		Step         string `json:"step"`
		Reason       string `json:"reason"`
		SuggestedFix string `json:"suggested_fix,omitempty"`
	}
)

// Step statuses recorded in history entries.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusSkip    = "skip"
)

// NewContext builds a pipeline context seeded with the lead record and a
// cost budget.
func NewContext(lead Fields, budget float64) *Context {
	data := make(Fields, len(lead))
	for k, v := range lead {
		data[k] = v
	}
	return &Context{data: data, budget: budget}
}

// Get returns the value stored under f.
func (c *Context) Get(f Field) (any, bool) {
	v, ok := c.data[f]
	return v, ok
}

// GetString returns the string value stored under f, or "" when absent or
// not a string.
func (c *Context) GetString(f Field) string {
	if v, ok := c.data[f]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Has reports whether f is present with a non-nil value.
func (c *Context) Has(f Field) bool {
	v, ok := c.data[f]
	return ok && v != nil
}

// Set stores a single field value. Used by the engine for normalization and
// metadata; stations should return fields from Process instead.
func (c *Context) Set(f Field, v any) { c.data[f] = v }

// Cost returns the running cost total.
func (c *Context) Cost() float64 { return c.cost }

// Budget returns the cost ceiling.
func (c *Context) Budget() float64 { return c.budget }

// History returns the executed-station trace.
func (c *Context) History() []StepRecord { return c.history }

// Errors returns the recorded station failures.
func (c *Context) Errors() []StepError { return c.errs }

// Record returns a copy of the accumulated lead record.
func (c *Context) Record() Fields {
	out := make(Fields, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// merge adds new fields to the record. Cost never decreases.
func (c *Context) merge(fields Fields) {
	for k, v := range fields {
		c.data[k] = v
	}
}

func (c *Context) addCost(d float64) {
	if d > 0 {
		c.cost += d
	}
}

func (c *Context) appendHistory(r StepRecord) { c.history = append(c.history, r) }

func (c *Context) appendError(e StepError) { c.errs = append(c.errs, e) }
