package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hed1ad/vitalguard/pkg/analyzer"
	"github.com/hed1ad/vitalguard/pkg/config"
	"github.com/hed1ad/vitalguard/pkg/detectors"
	"github.com/hed1ad/vitalguard/pkg/logging"
	"github.com/hed1ad/vitalguard/pkg/store"
)

// app carries what every subcommand needs once the root pre-run has loaded
// configuration.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  zerolog.Logger
	cfgDir  string
	envFile string
}

// flagBindings maps config keys to the flag names that override them. A
// binding is applied only when the running command defines the flag.
var flagBindings = map[string]string{
	"log.level":         "log-level",
	"server.addr":       "addr",
	"store.driver":      "store",
	"mqtt.url":          "mqtt-url",
	"pipeline.interval": "interval",
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "vitalguard",
		Short:         "Simulated vital-sign stream with online anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgDir, "config", ".", "directory containing config.yaml")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(a), newSeedCmd(a), newSimulateCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	envErr := config.LoadDotEnv(a.envFile)

	for key, name := range flagBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(a.v, a.cfgDir)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Console, os.Stderr)
	if err != nil {
		return err
	}
	a.logger = logger

	if envErr != nil {
		if errors.Is(envErr, fs.ErrNotExist) {
			a.logger.Debug().Str("file", a.envFile).Msg("no dotenv file")
		} else {
			a.logger.Warn().Err(envErr).Str("file", a.envFile).Msg("dotenv file not loaded")
		}
	}
	return nil
}

// openStore builds the configured store, migrating Postgres on the way.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, a.cfg.Store.PostgresURL, a.cfg.Store.ConnectTimeout, a.logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(a.cfg.Store.MemoryCapacity), nil
	}
}

func (a *app) newModel() *analyzer.Model {
	m := a.cfg.Model
	return analyzer.NewModel(
		analyzer.WithDetectorConfig(detectors.Config{
			Contamination: m.Contamination,
			RandomSeed:    m.Seed,
			Trees:         m.Trees,
			SampleSize:    m.SampleSize,
		}),
		analyzer.WithMinHistory(m.MinHistory),
		analyzer.WithLogger(a.logger),
	)
}
