package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpellow/chimera/stealth"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func TestNilStoreIsDegradedNoop(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.False(t, s.Enabled())
	assert.NoError(t, s.Close())

	id, err := s.UpsertLead(ctx, Lead{LinkedInURL: "u"})
	assert.NoError(t, err)
	assert.Zero(t, id)

	assert.NoError(t, s.RecordMissionResult(ctx, MissionAudit{MissionID: "m"}))
	assert.NoError(t, s.SaveEntropy(ctx, "w", "m", stealth.Seeds{}))
}

func TestUpsertLeadCoalesces(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`INSERT INTO leads`).
		WithArgs("https://linkedin.com/in/jdoe", "John Doe", "+13055550100",
			nil, "Miami", "FL", nil, nil, nil, nil, nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := s.UpsertLead(context.Background(), Lead{
		LinkedInURL: "https://linkedin.com/in/jdoe",
		Name:        Str("John Doe"),
		Phone:       Str("+13055550100"),
		City:        Str("Miami"),
		State:       Str("FL"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLeadRequiresURL(t *testing.T) {
	s, _ := mockStore(t)
	_, err := s.UpsertLead(context.Background(), Lead{})
	require.Error(t, err)
}

func TestUpsertLeadSQLPreservesExisting(t *testing.T) {
	// The statement must COALESCE incoming values against existing columns
	// and never touch created_at on conflict.
	assert.Contains(t, upsertLeadSQL, "COALESCE(EXCLUDED.phone, leads.phone)")
	assert.Contains(t, upsertLeadSQL, "ON CONFLICT (linkedin_url)")
	assert.NotContains(t, upsertLeadSQL, "created_at = ")
}

func TestRecordMissionResult(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`INSERT INTO mission_results`).
		WithArgs("m-1", "ThatsThem", "completed", 42.5, 0.9, true,
			`["HONEYPOT_TRAP"]`, `{"phone":"+13055550100"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordMissionResult(context.Background(), MissionAudit{
		MissionID:        "m-1",
		Provider:         "ThatsThem",
		Status:           "completed",
		DurationS:        42.5,
		VisionConfidence: 0.9,
		CaptchaSolved:    true,
		TraumaSignals:    []string{"HONEYPOT_TRAP"},
		Extracted:        map[string]any{"phone": "+13055550100"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEntropy(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`INSERT INTO hardware_entropy`).
		WithArgs("worker-3", "m-9", int32(111), int32(222), int32(333)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveEntropy(context.Background(), "worker-3", "m-9",
		stealth.Seeds{GPU: 111, Audio: 222, Canvas: 333})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCognitiveMapStaleness(t *testing.T) {
	s, mock := mockStore(t)
	ctx := context.Background()

	fresh := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT url, summary, updated_at FROM site_cognitive_maps`).
		WithArgs("https://x.com/a").
		WillReturnRows(sqlmock.NewRows([]string{"url", "summary", "updated_at"}).
			AddRow("https://x.com/a", "list page", fresh))

	summary, ok, err := s.GetCognitiveMap(ctx, "https://x.com/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "list page", summary)

	stale := time.Now().Add(-8 * 24 * time.Hour)
	mock.ExpectQuery(`SELECT url, summary, updated_at FROM site_cognitive_maps`).
		WithArgs("https://x.com/b").
		WillReturnRows(sqlmock.NewRows([]string{"url", "summary", "updated_at"}).
			AddRow("https://x.com/b", "old page", stale))

	_, ok, err = s.GetCognitiveMap(ctx, "https://x.com/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordSelectorRepair(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`INSERT INTO selector_repairs`).
		WithArgs("thatsthem.com", "search_button", "#old", "#new", 0.85).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordSelectorRepair(context.Background(), SelectorRepair{
		Domain:      "thatsthem.com",
		Intent:      "search_button",
		OldSelector: "#old",
		NewSelector: "#new",
		Confidence:  0.85,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
