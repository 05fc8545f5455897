package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/vitalguard/pkg/api"
	"github.com/hed1ad/vitalguard/pkg/hub"
	"github.com/hed1ad/vitalguard/pkg/pipeline"
	"github.com/hed1ad/vitalguard/pkg/publish/mqtt"
	"github.com/hed1ad/vitalguard/pkg/simulator"
	"github.com/hed1ad/vitalguard/pkg/store"
)

func newServeCmd(a *app) *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation cycle and serve the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), seedFile)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "listen address (overrides server.addr)")
	f.String("store", "", "store driver: memory or postgres")
	f.String("mqtt-url", "", "broker URL to publish readings to, e.g. mqtt://localhost:1883")
	f.Duration("interval", 0, "pause between readings")
	f.StringVar(&seedFile, "seed-file", "", "CSV of historical readings to load before starting")
	return cmd
}

func (a *app) serve(parent context.Context, seedFile string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if seedFile != "" {
		n, err := seedFromFile(ctx, st, seedFile)
		if err != nil {
			return err
		}
		a.logger.Info().Int("readings", n).Str("file", seedFile).Msg("history seeded")
	}

	h := hub.New(hub.WithPushTimeout(cfg.Hub.PushTimeout), hub.WithLogger(a.logger))
	defer h.Close()

	if cfg.MQTT.URL != "" {
		pub, err := mqtt.NewPublisher(cfg.MQTT.URL,
			mqtt.WithTopic(cfg.MQTT.Topic),
			mqtt.WithQoS(byte(cfg.MQTT.QoS)),
			mqtt.WithClientID(cfg.MQTT.ClientID),
			mqtt.WithLogger(a.logger),
		)
		if err != nil {
			return err
		}
		// Push reconnects lazily, so a broker that is down at startup is not fatal.
		if err := pub.Connect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("mqtt broker unreachable, will retry on publish")
		}
		h.Add(pub)
	}

	cycle := pipeline.New(
		simulator.New(simulator.WithClock(pipeline.WallClock.Now)),
		a.newModel(),
		st,
		h,
		pipeline.WithInterval(cfg.Pipeline.Interval),
		pipeline.WithHistoryWindow(cfg.Pipeline.HistoryWindow),
		pipeline.WithMinHistory(cfg.Model.MinHistory),
		pipeline.WithLogger(a.logger),
	)

	handler := api.NewHandler(st, h,
		api.WithLimits(cfg.API.DefaultHistoryLimit, cfg.API.DefaultAnomalyLimit, cfg.API.MaxLimit),
		api.WithRateLimit(cfg.API.RatePerSec),
		api.WithSendBuffer(cfg.Hub.Buffer),
		api.WithLogger(a.logger),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cycleDone := make(chan error, 1)
	go func() {
		cycleDone <- cycle.Run(ctx)
	}()
	srvDone := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			srvDone <- fmt.Errorf("http server: %w", err)
			return
		}
		srvDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown signal received")
	case runErr = <-srvDone:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown")
	}

	// The store is closed on return, so wait for the in-flight step.
	if err := <-cycleDone; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Msg("cycle exited")
	}
	return runErr
}

// seedFromFile appends every reading in file to st unscored.
func seedFromFile(ctx context.Context, st store.Readings, file string) (int, error) {
	src, err := openSource(file)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readings, errc := src.Stream(ctx)
	n := 0
	for r := range readings {
		if err := st.AppendReading(ctx, &r); err != nil {
			return n, fmt.Errorf("seed reading %d: %w", n+1, err)
		}
		n++
	}
	if err := <-errc; err != nil {
		return n, fmt.Errorf("read %s: %w", file, err)
	}
	return n, nil
}
