// Package guard is the honeypot and visibility check that gates every
// selector-based click. It cross-examines the DOM's claim that an element is
// clickable against what the vision service actually sees on the screenshot,
// and against per-domain forbidden selectors and rects.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
	"github.com/linkpellow/chimera/vision"
)

type (
	// Rect is an axis-aligned page rectangle.
	Rect struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	// Element is the DOM's account of a resolved selector.
	Element struct {
		// Box is nil when the element has no layout (display:none or
		// zero size).
		Box *Rect
		// Description is derived from inner text, aria-label, placeholder
		// or tag name, in that order.
		Description string
	}

	// Inspector resolves selectors and captures screenshots. The browser
	// session implements it.
	Inspector interface {
		InspectSelector(ctx context.Context, selector string) (*Element, error)
		Screenshot(ctx context.Context) ([]byte, error)
	}

	// Grounder locates elements on screenshots. *vision.Client implements it.
	Grounder interface {
		ProcessVision(ctx context.Context, req vision.GroundRequest) (*vision.Grounding, error)
	}

	// Forbidden is the per-domain denylist published by the dojo.
	Forbidden struct {
		Selectors []string `json:"selectors"`
		Rects     []Rect   `json:"rects"`
	}

	// Decision is the guard's verdict on one click.
	Decision struct {
		// Allowed is false when the click must not happen.
		Allowed bool
		// Reason explains a block.
		Reason string
		// Grounding holds the vision answer when one was obtained.
		Grounding *vision.Grounding
	}

	// Guard runs the checks.
	Guard struct {
		rdb    *redis.Client
		vision Grounder
		logger telemetry.Logger
	}
)

// l1Tolerance is the maximum L1 distance, in pixels, between the box center
// and vision's coordinates before the element is judged visually absent.
const l1Tolerance = 120.0

// ErrSelectorNotFound means the selector resolved to nothing; that is an
// ordinary failure for the caller to handle, not a honeypot.
var ErrSelectorNotFound = errors.New("selector not found")

// New creates a Guard. Vision may be nil; visual checks then fail open.
func New(rdb *redis.Client, grounder Grounder, logger telemetry.Logger) *Guard {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Guard{rdb: rdb, vision: grounder, logger: logger}
}

// CheckSelector runs the full pre-click examination for a selector-based
// click. Returns ErrSelectorNotFound (wrapped) when the selector does not
// resolve; every other non-error outcome is a Decision.
func (g *Guard) CheckSelector(ctx context.Context, page Inspector, domain, selector string) (Decision, error) {
	forbidden, err := g.forbidden(ctx, domain)
	if err != nil {
		return Decision{}, err
	}
	for _, s := range forbidden.Selectors {
		if s == selector {
			return block("forbidden selector"), nil
		}
	}

	el, err := page.InspectSelector(ctx, selector)
	if err != nil {
		return Decision{}, fmt.Errorf("inspect %q: %w", selector, err)
	}
	if el == nil {
		return Decision{}, fmt.Errorf("inspect %q: %w", selector, ErrSelectorNotFound)
	}
	if el.Box == nil || el.Box.Width <= 0 || el.Box.Height <= 0 {
		return block("no visible box"), nil
	}

	if g.vision == nil {
		return Decision{Allowed: true}, nil
	}
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("screenshot: %w", err)
	}
	grounding, err := g.vision.ProcessVision(ctx, vision.GroundRequest{
		Screenshot:  shot,
		Context:     "honeypot_check",
		TextCommand: "find the visible clickable element: " + el.Description,
	})
	if err != nil {
		// Vision being unreachable must not stall every mission.
		g.logger.Warn(ctx, "honeypot check skipped, vision unreachable", "domain", domain, "err", err)
		return Decision{Allowed: true}, nil
	}
	if !grounding.Found {
		return block("vision cannot see element"), nil
	}

	cx := el.Box.X + el.Box.Width/2
	cy := el.Box.Y + el.Box.Height/2
	if math.Abs(grounding.X-cx)+math.Abs(grounding.Y-cy) > l1Tolerance {
		return block("vision located a different element"), nil
	}
	if inRects(forbidden.Rects, grounding.X, grounding.Y) {
		return block("coordinates in forbidden rect"), nil
	}
	return Decision{Allowed: true, Grounding: grounding}, nil
}

// CheckCoords gates a direct-coordinate click (vision grounding with no
// selector). Only the forbidden-rect check applies.
func (g *Guard) CheckCoords(ctx context.Context, domain string, x, y float64) (Decision, error) {
	forbidden, err := g.forbidden(ctx, domain)
	if err != nil {
		return Decision{}, err
	}
	if inRects(forbidden.Rects, x, y) {
		return block("coordinates in forbidden rect"), nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Guard) forbidden(ctx context.Context, domain string) (Forbidden, error) {
	var f Forbidden
	if g.rdb == nil {
		return f, nil
	}
	raw, err := g.rdb.Get(ctx, "dojo:forbidden:"+domain).Result()
	if errors.Is(err, redis.Nil) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("load forbidden list for %s: %w", domain, err)
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return f, fmt.Errorf("decode forbidden list for %s: %w", domain, err)
	}
	return f, nil
}

func inRects(rects []Rect, x, y float64) bool {
	for _, r := range rects {
		if x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height {
			return true
		}
	}
	return false
}

func block(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}
