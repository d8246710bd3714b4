package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lead is the golden record persisted per input lead. Nil pointer fields are
// "unknown" and never overwrite existing values on upsert.
type Lead struct {
	ID               int64           `db:"id"`
	LinkedInURL      string          `db:"linkedin_url"`
	Name             *string         `db:"name"`
	Phone            *string         `db:"phone"`
	Email            *string         `db:"email"`
	City             *string         `db:"city"`
	State            *string         `db:"state"`
	Zipcode          *string         `db:"zipcode"`
	Age              *string         `db:"age"`
	Income           *string         `db:"income"`
	DNCStatus        *string         `db:"dnc_status"`
	CanContact       *bool           `db:"can_contact"`
	ConfidenceAge    *float64        `db:"confidence_age"`
	ConfidenceIncome *float64        `db:"confidence_income"`
	SourceMetadata   json.RawMessage `db:"source_metadata"`
	EnrichedAt       *time.Time      `db:"enriched_at"`
	CreatedAt        time.Time       `db:"created_at"`
}

const upsertLeadSQL = `
INSERT INTO leads (
	linkedin_url, name, phone, email, city, state, zipcode, age, income,
	dnc_status, can_contact, confidence_age, confidence_income,
	source_metadata, enriched_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
ON CONFLICT (linkedin_url) DO UPDATE SET
	name = COALESCE(EXCLUDED.name, leads.name),
	phone = COALESCE(EXCLUDED.phone, leads.phone),
	email = COALESCE(EXCLUDED.email, leads.email),
	city = COALESCE(EXCLUDED.city, leads.city),
	state = COALESCE(EXCLUDED.state, leads.state),
	zipcode = COALESCE(EXCLUDED.zipcode, leads.zipcode),
	age = COALESCE(EXCLUDED.age, leads.age),
	income = COALESCE(EXCLUDED.income, leads.income),
	dnc_status = COALESCE(EXCLUDED.dnc_status, leads.dnc_status),
	can_contact = COALESCE(EXCLUDED.can_contact, leads.can_contact),
	confidence_age = COALESCE(EXCLUDED.confidence_age, leads.confidence_age),
	confidence_income = COALESCE(EXCLUDED.confidence_income, leads.confidence_income),
	source_metadata = COALESCE(EXCLUDED.source_metadata, leads.source_metadata),
	enriched_at = now()
RETURNING id`

// UpsertLead writes the lead keyed by its canonical LinkedIn URL. Existing
// non-null columns survive null incoming values; created_at is never
// touched after the first insert. Returns the row id.
func (s *Store) UpsertLead(ctx context.Context, lead Lead) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	if lead.LinkedInURL == "" {
		return 0, fmt.Errorf("linkedin url is required")
	}
	var meta any
	if len(lead.SourceMetadata) > 0 {
		meta = string(lead.SourceMetadata)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, upsertLeadSQL,
		lead.LinkedInURL, lead.Name, lead.Phone, lead.Email, lead.City,
		lead.State, lead.Zipcode, lead.Age, lead.Income, lead.DNCStatus,
		lead.CanContact, lead.ConfidenceAge, lead.ConfidenceIncome, meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert lead: %w", err)
	}
	return id, nil
}

// GetLead fetches a lead by canonical URL. Returns sql.ErrNoRows when absent.
func (s *Store) GetLead(ctx context.Context, linkedinURL string) (*Lead, error) {
	if !s.Enabled() {
		return nil, sql.ErrNoRows
	}
	var lead Lead
	err := s.db.GetContext(ctx, &lead, `SELECT * FROM leads WHERE linkedin_url = $1`, linkedinURL)
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return &lead, nil
}

// Str returns a pointer to s, or nil when s is empty. Upsert helpers use it
// to map "absent" onto SQL NULL.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
