package pipeline

import "context"

type (
	// Field is a typed key into the lead record. Stations declare their
	// contracts in terms of Fields so the runnable check is statically sound.
	Field string

	// Fields is a partial lead record keyed by Field.
	Fields map[Field]any

	// StopCondition is a station's signal back to the engine.
	StopCondition int

	// Station is one stage in the enrichment pipeline. Implementations must
	// be safe for concurrent use: one Station value serves many contexts.
	Station interface {
		// Name identifies the station in history entries and logs.
		Name() string
		// RequiredInputs lists the fields that must be present before the
		// station runs. A missing input is the station's failure, not the
		// pipeline's.
		RequiredInputs() []Field
		// ProducesOutputs lists the fields the station may add on success.
		ProducesOutputs() []Field
		// CostEstimate is the station's worst-case external spend in dollars,
		// checked against the remaining budget before invocation.
		CostEstimate() float64
		// Process runs the station against the context and returns the fields
		// to merge plus a stop condition. Errors should be *EnrichmentError
		// where a structured failure is known.
		Process(ctx context.Context, pc *Context) (Fields, StopCondition, error)
	}
)

const (
	// Continue proceeds to the next station.
	Continue StopCondition = iota
	// SkipRemaining terminates the pipeline cleanly (budget exhaustion,
	// business gates such as a DNC hit).
	SkipRemaining
	// Fail marks this station failed; the engine proceeds to the next one.
	Fail
)

// String returns the condition's wire name.
func (c StopCondition) String() string {
	switch c {
	case SkipRemaining:
		return "skip_remaining"
	case Fail:
		return "fail"
	default:
		return "continue"
	}
}

// Core lead fields referenced by station contracts.
const (
	FieldName        Field = "name"
	FieldFirstName   Field = "firstName"
	FieldLastName    Field = "lastName"
	FieldCity        Field = "city"
	FieldState       Field = "state"
	FieldZipcode     Field = "zipcode"
	FieldLinkedInURL Field = "linkedinUrl"
	FieldCompany     Field = "company"
	FieldTitle       Field = "title"
	FieldPhone       Field = "phone"
	FieldEmail       Field = "email"
	FieldAge         Field = "age"
	FieldIncome      Field = "income"
	FieldAddress     Field = "address"
)
