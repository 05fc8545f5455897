package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/vitalguard/pkg/hub"
	vio "github.com/hed1ad/vitalguard/pkg/io"
	"github.com/hed1ad/vitalguard/pkg/io/csv"
	"github.com/hed1ad/vitalguard/pkg/pipeline"
	"github.com/hed1ad/vitalguard/pkg/simulator"
	"github.com/hed1ad/vitalguard/pkg/store"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

type simulateOptions struct {
	steps  int
	seed   int64
	inject float64
	out    string
}

func newSimulateCmd(a *app) *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the cycle offline against an in-memory store and report detection results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			readings, err := a.simulate(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if opts.out != "" {
				if err := writeCSV(opts.out, readings); err != nil {
					return err
				}
			}
			summarize(readings).print(cmd.OutOrStdout())
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.steps, "steps", "n", 500, "number of readings to generate")
	f.Int64Var(&opts.seed, "seed", 1, "generator seed")
	f.Float64Var(&opts.inject, "inject", simulator.DefaultInjectProbability, "probability of injecting a pattern")
	f.StringVarP(&opts.out, "out", "o", "", "write enriched readings to this CSV file")
	return cmd
}

func (a *app) simulate(ctx context.Context, opts simulateOptions) ([]vitals.Reading, error) {
	if opts.steps < 1 {
		return nil, fmt.Errorf("steps must be positive, got %d", opts.steps)
	}

	clk := &virtualClock{now: time.Now().UTC(), step: a.cfg.Pipeline.Interval}
	cycle := pipeline.New(
		simulator.New(
			simulator.WithSeed(opts.seed),
			simulator.WithInjectProbability(opts.inject),
			simulator.WithClock(clk.tick),
		),
		a.newModel(),
		store.NewMemory(opts.steps),
		hub.New(),
		pipeline.WithHistoryWindow(a.cfg.Pipeline.HistoryWindow),
		pipeline.WithMinHistory(a.cfg.Model.MinHistory),
		pipeline.WithLogger(a.logger),
	)

	readings := make([]vitals.Reading, 0, opts.steps)
	for i := 0; i < opts.steps; i++ {
		r, err := cycle.Step(ctx)
		if err != nil {
			return readings, fmt.Errorf("step %d: %w", i+1, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// virtualClock stamps readings one interval apart without sleeping.
type virtualClock struct {
	now  time.Time
	step time.Duration
}

func (c *virtualClock) tick() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type summary struct {
	total      int
	injected   int
	flagged    int
	caught     int
	falseAlarm int
	labels     map[string]int
	patterns   map[string][2]int // injected, detected
}

func summarize(readings []vitals.Reading) summary {
	s := summary{
		total:    len(readings),
		labels:   make(map[string]int),
		patterns: make(map[string][2]int),
	}
	for _, r := range readings {
		if r.IsAnomaly {
			s.flagged++
			for _, l := range r.Anomalies {
				s.labels[l]++
			}
		}
		if r.AnomalyInjected == nil {
			if r.IsAnomaly {
				s.falseAlarm++
			}
			continue
		}
		s.injected++
		p := s.patterns[*r.AnomalyInjected]
		p[0]++
		if r.IsAnomaly {
			s.caught++
			p[1]++
		}
		s.patterns[*r.AnomalyInjected] = p
	}
	return s
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "readings:     %d\n", s.total)
	fmt.Fprintf(w, "flagged:      %d\n", s.flagged)
	fmt.Fprintf(w, "injected:     %d (detected %d)\n", s.injected, s.caught)
	fmt.Fprintf(w, "false alarms: %d\n", s.falseAlarm)

	if len(s.patterns) > 0 {
		fmt.Fprintln(w, "\nby injected pattern:")
		for _, name := range sortedKeys(s.patterns) {
			p := s.patterns[name]
			fmt.Fprintf(w, "  %-16s %3d/%d\n", name, p[1], p[0])
		}
	}
	if len(s.labels) > 0 {
		fmt.Fprintln(w, "\nlabels assigned:")
		for _, name := range sortedKeys(s.labels) {
			fmt.Fprintf(w, "  %-34s %d\n", name, s.labels[name])
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCSV(path string, readings []vitals.Reading) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w vio.Sink = csv.NewWriter(f)
	for _, r := range readings {
		if err := w.Write(r); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
