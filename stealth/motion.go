package stealth

import (
	"math"
	"math/rand/v2"
	"time"
)

type (
	// Point is a page coordinate.
	Point struct {
		X float64
		Y float64
	}

	// PathStep is one mouse movement sample with the dwell before the next.
	PathStep struct {
		X     float64
		Y     float64
		Delay time.Duration
	}

	// MotionConfig tunes path generation for the current session state.
	MotionConfig struct {
		// Familiarity in [0,1] shrinks the Bezier control offsets: a user
		// who knows the page moves straighter. Defaults to 0.
		Familiarity float64
		// JitterScale multiplies coordinate jitter (fatigue). Defaults to 1.
		JitterScale float64
		// CognitiveScale multiplies per-step delays (fatigue). Defaults to 1.
		CognitiveScale float64
		// ExtraStepDelay adds thermal micro-lag per step.
		ExtraStepDelay time.Duration
		// Rand overrides the randomness source for tests.
		Rand *rand.Rand
	}
)

const (
	minSteps       = 20
	pxPerStep      = 10.0
	controlOffsetX = 50.0
	controlOffsetY = 30.0
	// tremor envelope
	tremorBaseAmp  = 0.3
	tremorVelAmp   = 0.4
	tremorBaseFreq = 1.0
	tremorVelFreq  = 2.0
	// micro-tremor: 8-12 Hz sub-pixel sinusoid
	microTremorMinHz  = 8.0
	microTremorSpanHz = 4.0
	microTremorMinAmp = 0.08
	microTremorAmpSpan = 0.18
)

// MousePath generates a cubic-Bezier mouse path from start to target with
// human timing: ease-in/ease-out velocity, Gaussian jitter, velocity-scaled
// saccadic tremor and a sub-pixel micro-tremor.
func MousePath(from, to Point, cfg MotionConfig) []PathStep {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	jitterScale := cfg.JitterScale
	if jitterScale <= 0 {
		jitterScale = 1
	}
	jitterScale = clamp(jitterScale, 0.8, 2.2)
	cognitive := cfg.CognitiveScale
	if cognitive <= 0 {
		cognitive = 1
	}

	dist := math.Hypot(to.X-from.X, to.Y-from.Y)
	steps := int(dist / pxPerStep)
	if steps < minSteps {
		steps = minSteps
	}

	// Familiar paths bend less: the control offsets shrink toward the
	// straight line.
	offsetScale := 1 - 0.4*clamp(cfg.Familiarity, 0, 1)
	c1 := Point{
		X: lerp(from.X, to.X, 0.3) + (rng.Float64()*2-1)*controlOffsetX*offsetScale,
		Y: lerp(from.Y, to.Y, 0.3) + (rng.Float64()*2-1)*controlOffsetY*offsetScale,
	}
	c2 := Point{
		X: lerp(from.X, to.X, 0.7) + (rng.Float64()*2-1)*controlOffsetX*offsetScale,
		Y: lerp(from.Y, to.Y, 0.7) + (rng.Float64()*2-1)*controlOffsetY*offsetScale,
	}

	microFreq := microTremorMinHz + rng.Float64()*microTremorSpanHz
	microAmp := microTremorMinAmp + rng.Float64()*microTremorAmpSpan
	elapsed := 0.0

	path := make([]PathStep, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		e := easeInOut(t)
		p := cubicBezier(from, c1, c2, to, e)

		// Peak velocity is mid-path; the hand tremors most there.
		velocityFactor := 1 - math.Abs(e-0.5)*2
		tremorAmp := (tremorBaseAmp + velocityFactor*tremorVelAmp) * jitterScale
		tremorFreq := tremorBaseFreq + velocityFactor*tremorVelFreq
		p.X += math.Sin(t*tremorFreq*2*math.Pi) * tremorAmp
		p.Y += math.Cos(t*tremorFreq*2*math.Pi) * tremorAmp

		// 1-pixel-sigma Gaussian jitter.
		p.X += rng.NormFloat64() * jitterScale
		p.Y += rng.NormFloat64() * jitterScale

		// Sub-pixel micro-tremor at 8-12 Hz against elapsed wall time.
		p.X += math.Sin(elapsed*microFreq*2*math.Pi) * microAmp
		p.Y += math.Cos(elapsed*microFreq*2*math.Pi) * microAmp

		// Slow at the ends, fast in the middle: 5-15 ms per step.
		stepDelay := (5 + (1-velocityFactor)*10) * cognitive
		delay := time.Duration(stepDelay)*time.Millisecond + cfg.ExtraStepDelay
		elapsed += delay.Seconds()

		path = append(path, PathStep{X: p.X, Y: p.Y, Delay: delay})
	}

	// The final sample lands exactly on target.
	path[len(path)-1].X = to.X
	path[len(path)-1].Y = to.Y
	return path
}

// ClickDelay returns a human press-to-release duration, 150-300 ms.
func ClickDelay(rng *rand.Rand) time.Duration {
	if rng == nil {
		return time.Duration(150+rand.IntN(150)) * time.Millisecond
	}
	return time.Duration(150+rng.IntN(150)) * time.Millisecond
}

func cubicBezier(p0, p1, p2, p3 Point, t float64) Point {
	u := 1 - t
	return Point{
		X: u*u*u*p0.X + 3*u*u*t*p1.X + 3*u*t*t*p2.X + t*t*t*p3.X,
		Y: u*u*u*p0.Y + 3*u*u*t*p1.Y + 3*u*t*t*p2.Y + t*t*t*p3.Y,
	}
}

// easeInOut is a quadratic ease: slow start, fast middle, slow stop.
func easeInOut(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return 1 - math.Pow(-2*t+2, 2)/2
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
