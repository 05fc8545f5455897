// Package pipeline runs the generate, score, persist and broadcast cycle.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hed1ad/vitalguard/pkg/analyzer"
	"github.com/hed1ad/vitalguard/pkg/hub"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Defaults for the cycle cadence and retraining window.
const (
	DefaultInterval      = 2 * time.Second
	DefaultHistoryWindow = 100
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("pipeline: cycle already running")

// Generator produces unscored readings.
type Generator interface {
	Generate() vitals.Reading
}

// Model is retrained and queried once per step.
type Model interface {
	analyzer.Scorer
	Retrain(history []vitals.Features) error
}

// Store persists readings and anomaly records.
type Store interface {
	AppendReading(ctx context.Context, r *vitals.Reading) error
	RecentReadings(ctx context.Context, limit int) ([]vitals.Reading, error)
	AppendAnomaly(ctx context.Context, rec *vitals.AnomalyRecord) error
}

// Broadcaster fans a payload out to subscribers, isolating failures.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) hub.Result
}

// Cycle is the single writer of model state and the only producer of
// persisted and broadcast records.
type Cycle struct {
	gen         Generator
	model       Model
	store       Store
	broadcaster Broadcaster

	interval      time.Duration
	historyWindow int
	minHistory    int
	clock         Clock
	logger        zerolog.Logger

	stepMu  sync.Mutex
	running atomic.Bool
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithInterval sets the pause between steps.
func WithInterval(d time.Duration) Option {
	return func(c *Cycle) {
		c.interval = d
	}
}

// WithHistoryWindow sets how many recent readings feed each retrain.
func WithHistoryWindow(n int) Option {
	return func(c *Cycle) {
		c.historyWindow = n
	}
}

// WithMinHistory sets the history size below which retraining is skipped.
func WithMinHistory(n int) Option {
	return func(c *Cycle) {
		c.minHistory = n
	}
}

// WithClock sets the clock used to wait between steps.
func WithClock(clk Clock) Option {
	return func(c *Cycle) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cycle) {
		c.logger = l.With().Str("component", "pipeline").Logger()
	}
}

// New wires a Cycle.
func New(gen Generator, model Model, store Store, b Broadcaster, opts ...Option) *Cycle {
	c := &Cycle{
		gen:           gen,
		model:         model,
		store:         store,
		broadcaster:   b,
		interval:      DefaultInterval,
		historyWindow: DefaultHistoryWindow,
		minHistory:    analyzer.MinHistory,
		clock:         WallClock,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Step runs one iteration and returns the enriched reading. Steps never
// overlap: retrain and score for a reading happen under one lock. Persistence
// errors abort the step before broadcasting; delivery failures never do.
func (c *Cycle) Step(ctx context.Context) (vitals.Reading, error) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	reading := c.gen.Generate()

	history, err := c.store.RecentReadings(ctx, c.historyWindow)
	if err != nil {
		return reading, fmt.Errorf("fetch history: %w", err)
	}
	if len(history) >= c.minHistory {
		if err := c.model.Retrain(vitals.Project(history)); err != nil {
			return reading, fmt.Errorf("retrain: %w", err)
		}
	}

	analysis, err := analyzer.Analyze(reading, c.model)
	if err != nil {
		return reading, fmt.Errorf("analyze: %w", err)
	}
	reading.Analysis = analysis

	if err := c.store.AppendReading(ctx, &reading); err != nil {
		return reading, fmt.Errorf("append reading: %w", err)
	}
	if reading.IsAnomaly {
		rec := vitals.NewAnomalyRecord(reading)
		if err := c.store.AppendAnomaly(ctx, &rec); err != nil {
			return reading, fmt.Errorf("append anomaly: %w", err)
		}
		c.logger.Info().
			Str("reading", reading.ID).
			Int("risk_score", reading.RiskScore).
			Strs("anomalies", reading.Anomalies).
			Msg("anomaly detected")
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return reading, fmt.Errorf("marshal reading: %w", err)
	}
	res := c.broadcaster.Broadcast(ctx, payload)

	c.logger.Debug().
		Str("reading", reading.ID).
		Int("history", len(history)).
		Int("risk_score", reading.RiskScore).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("step complete")

	return reading, nil
}

// Run repeats Step every interval until ctx is cancelled. Step errors are
// logged and the loop carries on with the next interval.
func (c *Cycle) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.logger.Info().Dur("interval", c.interval).Int("history_window", c.historyWindow).Msg("cycle started")
	for {
		if _, err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Msg("step failed")
		}

		select {
		case <-ctx.Done():
			c.logger.Info().Msg("cycle stopped")
			return ctx.Err()
		case <-c.clock.After(c.interval):
		}
	}
}
