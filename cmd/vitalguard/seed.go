package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hed1ad/vitalguard/pkg/config"
	vio "github.com/hed1ad/vitalguard/pkg/io"
	"github.com/hed1ad/vitalguard/pkg/io/csv"
)

func newSeedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Load historical readings from a CSV file into the Postgres store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Store.Driver != config.DriverPostgres {
				return errors.New("seed needs store.driver=postgres; the memory store does not outlive the process")
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := seedFromFile(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			a.logger.Info().Int("readings", n).Str("file", args[0]).Msg("seeded")
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d readings\n", n)
			return nil
		},
	}
	cmd.Flags().String("store", "", "store driver: memory or postgres")
	return cmd
}

// openSource picks a reader for file by extension.
func openSource(file string) (vio.Source, error) {
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".csv", "":
		r, err := csv.Open(file)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported input format %q", ext)
	}
}
