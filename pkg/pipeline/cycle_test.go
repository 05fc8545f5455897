package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/vitalguard/pkg/analyzer"
	"github.com/hed1ad/vitalguard/pkg/hub"
	"github.com/hed1ad/vitalguard/pkg/simulator"
	"github.com/hed1ad/vitalguard/pkg/store"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

type generatorFunc func() vitals.Reading

func (f generatorFunc) Generate() vitals.Reading { return f() }

// fakeClock hands every wait to the test, which decides when it elapses.
type fakeClock struct {
	waits chan chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{waits: make(chan chan time.Time)}
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (f *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waits <- ch
	return ch
}

type recordingSubscriber struct {
	id  string
	err error

	mu       sync.Mutex
	received [][]byte
}

func (s *recordingSubscriber) ID() string { return s.id }

func (s *recordingSubscriber) Push(_ context.Context, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, payload)
	return nil
}

func (s *recordingSubscriber) Close() error { return nil }

func (s *recordingSubscriber) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

// spyModel records what the cycle hands to Retrain.
type spyModel struct {
	*analyzer.Model
	batches [][]vitals.Features
}

func (s *spyModel) Retrain(history []vitals.Features) error {
	s.batches = append(s.batches, history)
	return s.Model.Retrain(history)
}

// flakyStore fails a number of reading appends before delegating.
type flakyStore struct {
	*store.Memory
	failures int
}

func (f *flakyStore) AppendReading(ctx context.Context, r *vitals.Reading) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Memory.AppendReading(ctx, r)
}

func quietGenerator(seed int64) *simulator.Generator {
	return simulator.New(
		simulator.WithSeed(seed),
		simulator.WithInjectProbability(0),
		simulator.WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }),
	)
}

func seedNormal(t *testing.T, s *store.Memory, n int) {
	t.Helper()
	g := quietGenerator(99)
	for i := 0; i < n; i++ {
		r := g.Generate()
		require.NoError(t, s.AppendReading(context.Background(), &r))
	}
}

func TestStepWarmUp(t *testing.T) {
	s := store.NewMemory(0)
	h := hub.New()
	sub := &recordingSubscriber{id: "s"}
	h.Add(sub)

	c := New(quietGenerator(1), analyzer.NewModel(), s, h)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r, err := c.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, vitals.Untrained(), r.Analysis)
		assert.NotEmpty(t, r.ID)
	}

	readings, err := s.RecentReadings(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, readings, 5)

	anomalies, err := s.RecentAnomalies(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	msgs := sub.messages()
	require.Len(t, msgs, 5)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &wire))
	assert.Equal(t, 0.0, wire["risk_score"])
	assert.Equal(t, []any{}, wire["anomalies"])
	assert.Equal(t, false, wire["is_anomaly"])
	assert.Contains(t, wire, "anomaly_injected")
}

func TestStepRetrainsOnWindow(t *testing.T) {
	s := store.NewMemory(0)
	model := &spyModel{Model: analyzer.NewModel()}
	c := New(quietGenerator(2), model, s, hub.New(), WithHistoryWindow(30))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := c.Step(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, model.batches, "no retrain below the minimum history")
	assert.False(t, model.Trained())

	_, err := c.Step(ctx)
	require.NoError(t, err)
	require.Len(t, model.batches, 1)
	assert.Len(t, model.batches[0], 20)
	assert.True(t, model.Trained())

	for i := 0; i < 20; i++ {
		_, err := c.Step(ctx)
		require.NoError(t, err)
	}
	last := model.batches[len(model.batches)-1]
	assert.Len(t, last, 30, "retrain uses the sliding window")

	// The batch is the feature projection of the readings stored before the
	// last step appended its own.
	recent, err := s.RecentReadings(ctx, 31)
	require.NoError(t, err)
	assert.Equal(t, vitals.Project(recent[1:]), last)
}

func TestStepInjectedPatternNeverReachesModel(t *testing.T) {
	s := store.NewMemory(0)
	model := &spyModel{Model: analyzer.NewModel()}
	gen := simulator.New(simulator.WithSeed(4), simulator.WithInjectProbability(0.5))
	c := New(gen, model, s, hub.New())

	for i := 0; i < 25; i++ {
		_, err := c.Step(context.Background())
		require.NoError(t, err)
	}
	require.NotEmpty(t, model.batches)

	for _, batch := range model.batches {
		for _, f := range batch {
			raw, err := json.Marshal(f)
			require.NoError(t, err)
			var keys map[string]any
			require.NoError(t, json.Unmarshal(raw, &keys))
			assert.Len(t, keys, len(vitals.FeatureNames))
			assert.NotContains(t, keys, "anomaly_injected")
		}
	}
}

func TestStepCardiacStressEndToEnd(t *testing.T) {
	s := store.NewMemory(0)
	seedNormal(t, s, 25)

	h := hub.New()
	sub := &recordingSubscriber{id: "s"}
	h.Add(sub)

	spike := generatorFunc(func() vitals.Reading {
		return vitals.NewReading(time.Unix(0, 0), vitals.Features{
			HeartRate: 150, SpO2: 98, Temperature: 36.6, ActivityLevel: 5, SleepQuality: 85,
		})
	})
	model := analyzer.NewModel()
	c := New(spike, model, s, h)

	r, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, model.Trained())
	assert.True(t, r.IsAnomaly)
	assert.Contains(t, r.Anomalies, analyzer.LabelCardiacStress)

	anomalies, err := s.RecentAnomalies(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, r.Anomalies, anomalies[0].Risks)
	assert.Equal(t, r.RiskScore, anomalies[0].RiskScore)
	assert.Equal(t, r.ID, anomalies[0].DataSnapshot.ID)

	msgs := sub.messages()
	require.Len(t, msgs, 1)
	var wire vitals.Reading
	require.NoError(t, json.Unmarshal(msgs[0], &wire))
	assert.Equal(t, r, wire)
}

func TestStepBroadcastIsolation(t *testing.T) {
	h := hub.New()
	good1 := &recordingSubscriber{id: "good1"}
	bad := &recordingSubscriber{id: "bad", err: errors.New("client went away")}
	good2 := &recordingSubscriber{id: "good2"}
	h.Add(good1)
	h.Add(bad)
	h.Add(good2)

	c := New(quietGenerator(5), analyzer.NewModel(), store.NewMemory(0), h)
	_, err := c.Step(context.Background())
	require.NoError(t, err)

	assert.Len(t, good1.messages(), 1)
	assert.Len(t, good2.messages(), 1)
	assert.Empty(t, bad.messages())

	// The next step still runs and still reaches the healthy subscribers.
	_, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, good1.messages(), 2)
	assert.Len(t, good2.messages(), 2)
}

func TestStepPersistenceFailure(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory(0), failures: 1}
	h := hub.New()
	sub := &recordingSubscriber{id: "s"}
	h.Add(sub)

	c := New(quietGenerator(6), analyzer.NewModel(), s, h)
	_, err := c.Step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append reading")
	assert.Empty(t, sub.messages(), "nothing is broadcast when persistence fails")

	_, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, sub.messages(), 1)
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory(0), failures: 1}
	clk := newFakeClock()
	c := New(quietGenerator(7), analyzer.NewModel(), s, hub.New(), WithClock(clk), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The first step fails to persist; the loop keeps going.
	first := <-clk.waits
	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)
	first <- time.Time{}

	for i := 0; i < 2; i++ {
		ch := <-clk.waits
		ch <- time.Time{}
	}
	<-clk.waits // fourth step finished
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)

	readings, err := s.RecentReadings(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, readings, 3)
}

func TestStepDoesNotOverlap(t *testing.T) {
	s := store.NewMemory(0)
	rng := rand.New(rand.NewSource(1))
	var mu sync.Mutex
	gen := generatorFunc(func() vitals.Reading {
		mu.Lock()
		defer mu.Unlock()
		return vitals.NewReading(time.Unix(0, 0), vitals.Features{
			HeartRate: float64(70 + rng.Intn(20)), SpO2: 97, Temperature: 36.6, ActivityLevel: 20, SleepQuality: 85,
		})
	})
	c := New(gen, analyzer.NewModel(), s, hub.New())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := c.Step(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	readings, err := s.RecentReadings(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, readings, 40)
}
