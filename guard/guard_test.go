package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpellow/chimera/vision"
)

type fakePage struct {
	elements map[string]*Element
	shot     []byte
}

func (p *fakePage) InspectSelector(_ context.Context, selector string) (*Element, error) {
	return p.elements[selector], nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	return p.shot, nil
}

type fakeGrounder struct {
	grounding *vision.Grounding
	err       error
}

func (g *fakeGrounder) ProcessVision(context.Context, vision.GroundRequest) (*vision.Grounding, error) {
	return g.grounding, g.err
}

func testGuard(t *testing.T, grounder Grounder) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, grounder, nil), mr
}

func visibleButton() *fakePage {
	return &fakePage{
		elements: map[string]*Element{
			"#go": {Box: &Rect{X: 100, Y: 200, Width: 80, Height: 40}, Description: "Go"},
		},
		shot: []byte("png"),
	}
}

func TestForbiddenSelectorBlocks(t *testing.T) {
	g, mr := testGuard(t, &fakeGrounder{grounding: &vision.Grounding{Found: true, X: 140, Y: 220}})
	mr.Set("dojo:forbidden:d.com", `{"selectors":["#go"]}`)

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "forbidden selector", d.Reason)
}

func TestMissingSelectorForwardsError(t *testing.T) {
	g, _ := testGuard(t, nil)

	_, err := g.CheckSelector(context.Background(), &fakePage{}, "d.com", "#gone")
	require.ErrorIs(t, err, ErrSelectorNotFound)
}

func TestNoBoxBlocks(t *testing.T) {
	g, _ := testGuard(t, nil)
	page := &fakePage{elements: map[string]*Element{"#hp": {Description: "hidden"}}}

	d, err := g.CheckSelector(context.Background(), page, "d.com", "#hp")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no visible box", d.Reason)
}

func TestVisionUnreachableFailsOpen(t *testing.T) {
	g, _ := testGuard(t, &fakeGrounder{err: errors.New("dial tcp: refused")})

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestVisionNotFoundFailsClosed(t *testing.T) {
	g, _ := testGuard(t, &fakeGrounder{grounding: &vision.Grounding{Found: false}})

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestDistantGroundingBlocks(t *testing.T) {
	// Box center is (140, 220); grounding 200 px away exceeds the tolerance.
	g, _ := testGuard(t, &fakeGrounder{grounding: &vision.Grounding{Found: true, X: 340, Y: 220, Confidence: 0.9}})

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "vision located a different element", d.Reason)
}

func TestNearbyGroundingAllows(t *testing.T) {
	g, _ := testGuard(t, &fakeGrounder{grounding: &vision.Grounding{Found: true, X: 150, Y: 230, Confidence: 0.9}})

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Grounding)
}

func TestForbiddenRectBlocksGroundingAndCoords(t *testing.T) {
	g, mr := testGuard(t, &fakeGrounder{grounding: &vision.Grounding{Found: true, X: 150, Y: 230}})
	mr.Set("dojo:forbidden:d.com", `{"rects":[{"x":100,"y":200,"width":100,"height":100}]}`)

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = g.CheckCoords(context.Background(), "d.com", 150, 230)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = g.CheckCoords(context.Background(), "d.com", 500, 500)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNilVisionSkipsVisualChecks(t *testing.T) {
	g, _ := testGuard(t, nil)

	d, err := g.CheckSelector(context.Background(), visibleButton(), "d.com", "#go")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
