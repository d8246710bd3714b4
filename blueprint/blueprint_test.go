package blueprint

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
	"domain": "fastpeoplesearch.com",
	"steps": [
		{"type": "goto", "url": "https://www.fastpeoplesearch.com/name/{{firstName}}-{{lastName}}_{{city}}-{{state}}"},
		{"type": "wait", "wait_ms": 2000},
		{"type": "click", "selector": "a.search-result", "intent": "first search result"},
		{"type": "vlm_ground", "intent": "the phone number link"}
	]
}`

func TestParseValid(t *testing.T) {
	bp, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "fastpeoplesearch.com", bp.Domain)
	require.Len(t, bp.Steps, 4)
	assert.Equal(t, StepGoto, bp.Steps[0].Type)
	assert.Equal(t, 2000, bp.Steps[1].WaitMS)
}

func TestParseRejectsMissingSteps(t *testing.T) {
	_, err := Parse([]byte(`{"domain": "x.com"}`))
	require.Error(t, err)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{`))
	require.Error(t, err)
}

func TestResolvePlaceholders(t *testing.T) {
	bp, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)

	resolved := bp.Resolve(map[string]any{
		"firstName": "John",
		"lastName":  "Doe",
		"city":      "Miami",
		"state":     "FL",
	})
	assert.Equal(t, "https://www.fastpeoplesearch.com/name/John-Doe_Miami-FL", resolved.Steps[0].URL)
	// Original is untouched.
	assert.Contains(t, bp.Steps[0].URL, "{{firstName}}")
}

func TestResolveLeavesUnknownPlaceholders(t *testing.T) {
	bp := &Blueprint{Steps: []Step{{Type: StepInput, Value: "{{missing}}"}}}
	resolved := bp.Resolve(map[string]any{"firstName": "John"})
	assert.Equal(t, "{{missing}}", resolved.Steps[0].Value)
}

func testStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewStore(StoreConfig{Redis: rdb})
	require.NoError(t, err)
	return s, mr, rdb
}

func TestStorePutGet(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	bp, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, bp))

	got, err := s.Get(ctx, "fastpeoplesearch.com")
	require.NoError(t, err)
	assert.Equal(t, bp.Domain, got.Domain)
	assert.Len(t, got.Steps, 4)
}

func TestStoreGetLegacyKeyFallback(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()

	mr.HSet("blueprint:zabasearch.com", "data", `{"steps":[{"type":"goto","url":"https://zabasearch.com"}]}`)

	got, err := s.Get(ctx, "zabasearch.com")
	require.NoError(t, err)
	assert.Equal(t, "zabasearch.com", got.Domain)
}

func TestStoreGetMissingPublishesAlert(t *testing.T) {
	s, _, rdb := testStore(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, AlertChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	_, err = s.Get(ctx, "unmapped.com")
	require.ErrorIs(t, err, ErrNotFound)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mapping_required","domain":"unmapped.com"}`, msg.Payload)
}

func TestStoreGetRejectsInvalidStored(t *testing.T) {
	s, mr, _ := testStore(t)
	mr.HSet("BLUEPRINT:bad.com", "data", `{"domain":"bad.com"}`)

	_, err := s.Get(context.Background(), "bad.com")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
