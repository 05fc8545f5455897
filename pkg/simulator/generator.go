// Package simulator produces synthetic physiological readings with occasional
// injected anomaly patterns.
package simulator

import (
	"math"
	"math/rand"
	"time"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Physiological baselines the noise is drawn around.
const (
	BaseHeartRate     = 75
	BaseSpO2          = 98
	BaseTemperature   = 36.6
	BaseActivityLevel = 20
	BaseSleepQuality  = 85
)

// DefaultInjectProbability is the chance a reading carries an injected pattern.
const DefaultInjectProbability = 0.05

// Generator draws readings from a random source. It is not safe for
// concurrent use.
type Generator struct {
	rng               *rand.Rand
	now               func() time.Time
	injectProbability float64
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand sets the random source.
func WithRand(rng *rand.Rand) Option {
	return func(g *Generator) {
		g.rng = rng
	}
}

// WithSeed seeds a fresh random source.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewSource(seed))
	}
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// WithInjectProbability sets the chance of injecting a pattern.
func WithInjectProbability(p float64) Option {
	return func(g *Generator) {
		g.injectProbability = p
	}
}

// New creates a Generator seeded from the current time unless configured.
func New(opts ...Option) *Generator {
	g := &Generator{
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		now:               time.Now,
		injectProbability: DefaultInjectProbability,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a new unscored reading.
func (g *Generator) Generate() vitals.Reading {
	hr := float64(BaseHeartRate + g.intn(-5, 15))
	spo2 := BaseSpO2 - g.uniform(0, 2)
	temp := BaseTemperature + g.uniform(-0.2, 0.5)
	activity := float64(BaseActivityLevel + g.intn(-10, 30))
	sleep := float64(BaseSleepQuality + g.intn(-5, 5))

	var injected *string
	if g.rng.Float64() < g.injectProbability {
		var pattern string
		switch r := g.rng.Float64(); {
		case r < 0.33:
			hr += 40
			activity = float64(g.intn(0, 10))
			pattern = vitals.PatternCardiacStress
		case r < 0.66:
			temp += 2.0
			spo2 -= 5
			pattern = vitals.PatternInfectionRisk
		default:
			sleep -= 30
			activity += 40
			pattern = vitals.PatternHighFatigue
		}
		injected = &pattern
	}

	r := vitals.NewReading(g.now(), vitals.Features{
		HeartRate:     round1(hr),
		SpO2:          round1(spo2),
		Temperature:   round1(temp),
		ActivityLevel: round1(math.Max(0, activity)),
		SleepQuality:  round1(sleep),
	})
	r.AnomalyInjected = injected
	return r
}

// intn returns a uniform integer in [lo, hi].
func (g *Generator) intn(lo, hi int) int {
	return lo + g.rng.Intn(hi-lo+1)
}

// uniform returns a uniform float in [lo, hi).
func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
