// Package dispatch defines the mission wire format and the Redis-backed
// queue connecting the enrichment pipeline to the worker swarm.
package dispatch

import (
	"github.com/google/uuid"

	"github.com/linkpellow/chimera/blueprint"
)

type (
	// Mission is one unit of scraping work: run a blueprint against one
	// provider for one lead. Queued missions are owned by the dispatcher;
	// a claimed mission is owned by the claiming worker until it publishes
	// the result.
	Mission struct {
		MissionID string `json:"mission_id"`
		// Instruction is a free-text hint describing the mission goal,
		// surfaced to the vision service as context.
		Instruction string `json:"instruction,omitempty"`
		// Lead carries the fields the blueprint placeholders resolve from.
		Lead map[string]any `json:"lead"`
		// TargetProvider names the provider the router selected.
		TargetProvider string `json:"target_provider,omitempty"`
		// Blueprint is the pre-resolved instruction list, when the producer
		// already loaded it. Workers fetch by domain otherwise.
		Blueprint *blueprint.Blueprint `json:"blueprint,omitempty"`
		// Carrier pins the proxy carrier when the router flagged the default
		// as unhealthy for the target domain.
		Carrier string `json:"carrier,omitempty"`
		// SessionID is the sticky proxy session key. Defaults to MissionID;
		// rotation on a 403 replaces it.
		SessionID string `json:"session_id,omitempty"`
	}

	// Result is the single terminal outcome a worker publishes per mission.
	Result struct {
		Status string `json:"status"`
		// VisionConfidence is the minimum confidence over all vision calls
		// made during the mission, 1.0 when none were made.
		VisionConfidence float64 `json:"vision_confidence"`
		// CaptchaSolved is true iff a CAPTCHA was faced and solved.
		CaptchaSolved bool    `json:"captcha_solved"`
		DurationS     float64 `json:"duration_s"`
		Provider      string  `json:"provider"`
		// Extracted holds the recovered person fields (phone, email, age,
		// income, address).
		Extracted map[string]any `json:"extracted"`
		// TraumaSignals enumerates notable recoverable conditions observed
		// during the mission for downstream monitoring.
		TraumaSignals []string `json:"trauma_signals"`
	}
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Trauma signals attached to results.
const (
	TraumaHoneypot      = "HONEYPOT_TRAP"
	TraumaSessionBroken = "SESSION_BROKEN"
	TraumaTimeout       = "TIMEOUT"
	TraumaCaptchaFailed = "CAPTCHA_FAILED"
	TraumaSelectorLost  = "SELECTOR_LOST"
)

// NewMission builds a mission for a lead with a fresh id. The session id
// starts equal to the mission id so the proxy pins one IP for its duration.
func NewMission(lead map[string]any, provider string) Mission {
	id := uuid.NewString()
	return Mission{
		MissionID:      id,
		Lead:           lead,
		TargetProvider: provider,
		SessionID:      id,
	}
}

// SessionKey returns the sticky proxy session id, falling back to the
// mission id.
func (m Mission) SessionKey() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.MissionID
}
