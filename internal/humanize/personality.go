// Package humanize generates human-plausible mouse movement paths: a
// sequence of waypoints a session's personality and current cursor
// position feed into the extension's input-dispatching primitive.
package humanize

import (
	"math/rand"
	"time"
)

// Personality is the per-session tuple of motion biases, sampled once at
// session creation from fixed, human-plausible ranges and immutable for
// the session's lifetime.
type Personality struct {
	SpeedMultiplier   float64 // overall velocity scale
	OvershootTendency float64 // probability of overshoot-then-correct on long moves
	CurvatureBias     float64 // how far Bezier control points bow off the straight line
	JitterPx          float64 // per-sample per-axis jitter magnitude
}

// NewPersonality samples a fresh Personality from fixed ranges.
func NewPersonality() Personality {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return newPersonalityFrom(rng)
}

func newPersonalityFrom(rng *rand.Rand) Personality {
	return Personality{
		SpeedMultiplier:   0.8 + rng.Float64()*0.6,   // [0.8, 1.4)
		OvershootTendency: 0.1 + rng.Float64()*0.3,   // [0.1, 0.4)
		CurvatureBias:     0.15 + rng.Float64()*0.25, // [0.15, 0.40)
		JitterPx:          1.0 + rng.Float64()*2.0,   // [1, 3) px
	}
}

// Point is a cursor position in viewport pixel coordinates.
type Point struct {
	X, Y float64
}
