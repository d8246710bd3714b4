package pipeline

import "fmt"

// EnrichmentError is a structured station failure. The engine records it in
// the context's error list and continues; it never aborts the pipeline.
type EnrichmentError struct {
	// Step names the station that failed.
	Step string
	// Reason is a short machine-readable failure cause.
	Reason string
	// SuggestedFix optionally tells operators how to unblock the step.
	SuggestedFix string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *EnrichmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Reason)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *EnrichmentError) Unwrap() error { return e.Err }

// Errf builds an EnrichmentError with a formatted reason.
func Errf(step, format string, args ...any) *EnrichmentError {
	return &EnrichmentError{Step: step, Reason: fmt.Sprintf(format, args...)}
}
