// Package captcha is the tiered challenge resolver. Tier 1 is avoidance and
// lives in the stealth layer; tier 2 is the vision agent implemented here;
// tier 3 is an external solver behind an interface.
package captcha

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/linkpellow/chimera/telemetry"
	"github.com/linkpellow/chimera/vision"
)

type (
	// Rect is the challenge frame's bounding box on the page.
	Rect struct {
		X      float64
		Y      float64
		Width  float64
		Height float64
	}

	// Session is the browser surface the resolver drives. ClickAt is
	// expected to move with biological motion before pressing.
	Session interface {
		Screenshot(ctx context.Context) ([]byte, error)
		ChallengePresent(ctx context.Context) (bool, *Rect, error)
		ClickAt(ctx context.Context, x, y float64) error
	}

	// Grounder answers vision prompts. *vision.Client implements it.
	Grounder interface {
		ProcessVision(ctx context.Context, req vision.GroundRequest) (*vision.Grounding, error)
	}

	// ExternalSolver is the tier-3 fallback: hand the challenge off to a
	// third-party solving service. No implementation ships here.
	ExternalSolver interface {
		Solve(ctx context.Context, challenge map[string]any) (string, error)
	}

	// Resolver is the tier-2 vision agent.
	Resolver struct {
		vision      Grounder
		maxAttempts int
		verifyWait  time.Duration
		logger      telemetry.Logger
		rand        *rand.Rand
		sleep       func(ctx context.Context, d time.Duration) error
	}

	// Config configures a Resolver.
	Config struct {
		// Vision is required.
		Vision Grounder
		// MaxAttempts bounds solve attempts. Defaults to 2.
		MaxAttempts int
		// VerifyWait is how long to wait before re-checking the challenge
		// after clicking. Defaults to 2 s.
		VerifyWait time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Rand seeds pacing jitter. Defaults to a time-seeded source.
		Rand *rand.Rand
		// Sleep overrides pacing sleeps in tests.
		Sleep func(ctx context.Context, d time.Duration) error
	}
)

const cotPrompt = "Solve the CAPTCHA in this image. Think step by step: " +
	"first restate the instruction, then identify each matching tile, then " +
	"answer with the center coordinates of every tile to click, one x,y pair per line."

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Vision == nil {
		return nil, fmt.Errorf("vision grounder is required")
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}
	verify := cfg.VerifyWait
	if verify <= 0 {
		verify = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return &Resolver{
		vision:      cfg.Vision,
		maxAttempts: attempts,
		verifyWait:  verify,
		logger:      logger,
		rand:        rng,
		sleep:       sleep,
	}, nil
}

// Solve drives the vision agent against the current challenge. It returns
// true when the challenge element is gone within the verification window,
// false when every attempt is exhausted. A page with no challenge counts as
// solved.
func (r *Resolver) Solve(ctx context.Context, s Session) (bool, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		present, box, err := s.ChallengePresent(ctx)
		if err != nil {
			return false, fmt.Errorf("detect challenge: %w", err)
		}
		if !present {
			return true, nil
		}
		if attempt > 0 {
			wait := time.Duration(float64(time.Second) * (0.5 + 0.5*float64(attempt)))
			if err := r.sleep(ctx, wait); err != nil {
				return false, err
			}
		}

		solved, err := r.attempt(ctx, s, box)
		if err != nil {
			r.logger.Warn(ctx, "captcha attempt failed", "attempt", attempt+1, "err", err)
			continue
		}
		if solved {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) attempt(ctx context.Context, s Session, box *Rect) (bool, error) {
	shot, err := s.Screenshot(ctx)
	if err != nil {
		return false, fmt.Errorf("screenshot challenge: %w", err)
	}
	grounding, err := r.vision.ProcessVision(ctx, vision.GroundRequest{
		Screenshot:  shot,
		Context:     "captcha",
		TextCommand: cotPrompt,
	})
	if err != nil {
		return false, err
	}
	coords := ParseCoordinates(grounding.Description)
	if len(coords) == 0 && grounding.Found {
		coords = []Coord{{X: grounding.X, Y: grounding.Y}}
	}
	if len(coords) == 0 {
		return false, fmt.Errorf("no coordinates in vision answer")
	}

	var offX, offY float64
	if box != nil {
		offX, offY = box.X, box.Y
	}
	for i, c := range coords {
		if i > 0 {
			jitter := time.Duration(float64(time.Second) * (0.2 + r.rand.Float64()*0.2))
			if err := r.sleep(ctx, jitter); err != nil {
				return false, err
			}
		}
		if err := s.ClickAt(ctx, offX+c.X, offY+c.Y); err != nil {
			return false, fmt.Errorf("click tile: %w", err)
		}
	}

	if err := r.sleep(ctx, r.verifyWait); err != nil {
		return false, err
	}
	present, _, err := s.ChallengePresent(ctx)
	if err != nil {
		return false, fmt.Errorf("verify challenge: %w", err)
	}
	return !present, nil
}
