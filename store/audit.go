package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkpellow/chimera/stealth"
)

type (
	// MissionAudit is one row in mission_results.
	MissionAudit struct {
		MissionID        string
		Provider         string
		Status           string
		DurationS        float64
		VisionConfidence float64
		CaptchaSolved    bool
		TraumaSignals    []string
		Extracted        map[string]any
	}

	// SelectorRepair is one row in selector_repairs.
	SelectorRepair struct {
		Domain      string
		Intent      string
		OldSelector string
		NewSelector string
		Confidence  float64
	}

	// CognitiveMap is a cached page-structure summary per URL.
	CognitiveMap struct {
		URL       string    `db:"url"`
		Summary   string    `db:"summary"`
		UpdatedAt time.Time `db:"updated_at"`
	}
)

// cognitiveMapMaxAge is the staleness window after which a cached map is
// ignored and re-derived.
const cognitiveMapMaxAge = 7 * 24 * time.Hour

// RecordMissionResult appends a mission outcome to the audit log.
func (s *Store) RecordMissionResult(ctx context.Context, a MissionAudit) error {
	if !s.Enabled() {
		return nil
	}
	signals, err := json.Marshal(a.TraumaSignals)
	if err != nil {
		return fmt.Errorf("encode trauma signals: %w", err)
	}
	extracted, err := json.Marshal(a.Extracted)
	if err != nil {
		return fmt.Errorf("encode extracted fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mission_results
			(mission_id, provider, status, duration_s, vision_confidence, captcha_solved, trauma_signals, extracted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.MissionID, a.Provider, a.Status, a.DurationS, a.VisionConfidence,
		a.CaptchaSolved, string(signals), string(extracted),
	)
	if err != nil {
		return fmt.Errorf("record mission result: %w", err)
	}
	return nil
}

// RecordSelectorRepair appends a trauma-center repair to the audit log.
func (s *Store) RecordSelectorRepair(ctx context.Context, r SelectorRepair) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selector_repairs (domain, intent, old_selector, new_selector, confidence)
		VALUES ($1, $2, $3, $4, $5)`,
		r.Domain, r.Intent, r.OldSelector, r.NewSelector, r.Confidence,
	)
	if err != nil {
		return fmt.Errorf("record selector repair: %w", err)
	}
	return nil
}

// SaveCognitiveMap stores or refreshes the page-structure summary for a URL.
func (s *Store) SaveCognitiveMap(ctx context.Context, url, summary string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_cognitive_maps (url, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (url) DO UPDATE SET summary = EXCLUDED.summary, updated_at = now()`,
		url, summary,
	)
	if err != nil {
		return fmt.Errorf("save cognitive map: %w", err)
	}
	return nil
}

// GetCognitiveMap returns the cached summary for a URL, or ok=false when the
// cache is absent or older than the staleness window.
func (s *Store) GetCognitiveMap(ctx context.Context, url string) (string, bool, error) {
	if !s.Enabled() {
		return "", false, nil
	}
	var m CognitiveMap
	err := s.db.GetContext(ctx, &m,
		`SELECT url, summary, updated_at FROM site_cognitive_maps WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cognitive map: %w", err)
	}
	if time.Since(m.UpdatedAt) > cognitiveMapMaxAge {
		return "", false, nil
	}
	return m.Summary, true, nil
}

// SaveEntropy persists the hardware entropy seeds allocated for a mission so
// the session's fingerprint can be reproduced later.
func (s *Store) SaveEntropy(ctx context.Context, workerID, missionID string, seeds stealth.Seeds) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hardware_entropy (worker_id, mission_id, gpu_seed, audio_seed, canvas_seed)
		VALUES ($1, $2, $3, $4, $5)`,
		workerID, missionID, seeds.GPU, seeds.Audio, seeds.Canvas,
	)
	if err != nil {
		return fmt.Errorf("save hardware entropy: %w", err)
	}
	return nil
}

// SaveBlueprint mirrors a blueprint into Postgres for durability; Redis
// remains the serving copy.
func (s *Store) SaveBlueprint(ctx context.Context, domain string, data json.RawMessage) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_blueprints (domain, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (domain) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		domain, string(data),
	)
	if err != nil {
		return fmt.Errorf("save blueprint: %w", err)
	}
	return nil
}
