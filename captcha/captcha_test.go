package captcha

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpellow/chimera/vision"
)

func TestParseCoordinates(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []Coord
	}{
		{"comma", "120,240", []Coord{{120, 240}}},
		{"space", "120 240", []Coord{{120, 240}}},
		{"bracketed", "[120, 240] and (300, 60)", []Coord{{120, 240}, {300, 60}}},
		{"multiline", "click these:\n55,60\n155 60\n255, 160", []Coord{{55, 60}, {155, 60}, {255, 160}}},
		{"decimals", "12.5, 40.25", []Coord{{12.5, 40.25}}},
		{"prose", "The traffic lights are at 100,200. Also one at 300 400.", []Coord{{100, 200}, {300, 400}}},
		{"none", "I cannot see any matching tiles.", []Coord{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseCoordinates(tc.text))
		})
	}
}

type scriptedSession struct {
	// presentSequence is consumed by successive ChallengePresent calls; the
	// last value repeats.
	presentSequence []bool
	box             *Rect
	clicks          []Coord
}

func (s *scriptedSession) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (s *scriptedSession) ChallengePresent(context.Context) (bool, *Rect, error) {
	present := s.presentSequence[0]
	if len(s.presentSequence) > 1 {
		s.presentSequence = s.presentSequence[1:]
	}
	return present, s.box, nil
}

func (s *scriptedSession) ClickAt(_ context.Context, x, y float64) error {
	s.clicks = append(s.clicks, Coord{X: x, Y: y})
	return nil
}

type fakeGrounder struct {
	answer string
	calls  int
}

func (g *fakeGrounder) ProcessVision(context.Context, vision.GroundRequest) (*vision.Grounding, error) {
	g.calls++
	return &vision.Grounding{Found: true, Description: g.answer}, nil
}

func testResolver(t *testing.T, g Grounder) *Resolver {
	t.Helper()
	r, err := New(Config{
		Vision: g,
		Rand:   rand.New(rand.NewPCG(1, 2)),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	return r
}

func TestSolveNoChallengeIsSolved(t *testing.T) {
	g := &fakeGrounder{}
	r := testResolver(t, g)
	s := &scriptedSession{presentSequence: []bool{false}}

	solved, err := r.Solve(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, solved)
	assert.Zero(t, g.calls)
}

func TestSolveClicksTilesWithFrameOffset(t *testing.T) {
	g := &fakeGrounder{answer: "55,60\n155,60"}
	r := testResolver(t, g)
	// Present at detection, gone at verification.
	s := &scriptedSession{
		presentSequence: []bool{true, false},
		box:             &Rect{X: 200, Y: 100, Width: 300, Height: 300},
	}

	solved, err := r.Solve(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, []Coord{{255, 160}, {355, 160}}, s.clicks)
}

func TestSolveRetriesThenGivesUp(t *testing.T) {
	g := &fakeGrounder{answer: "10,10"}
	r := testResolver(t, g)
	s := &scriptedSession{presentSequence: []bool{true}}

	solved, err := r.Solve(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, 2, g.calls)
}

func TestSolveSecondAttemptSucceeds(t *testing.T) {
	g := &fakeGrounder{answer: "10,10"}
	r := testResolver(t, g)
	// Attempt 1: detect present, verify present. Attempt 2: detect present,
	// verify gone.
	s := &scriptedSession{presentSequence: []bool{true, true, true, false}}

	solved, err := r.Solve(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 2, g.calls)
}
