package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/actionlog/actionlog/internal/config"
	"github.com/actionlog/actionlog/internal/seed"
)

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var (
		out        string
		count      int
		users      int
		defectRate float64
		seedValue  int64
		date       string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a synthetic raw batch file",
		Long: `Seed writes a raw batch in the input format. A share of records can be
made defective (null user ids, missing action types, bad timestamps,
duplicates, missing metadata) to exercise the transform and quality checks.
Without --out the file is written to RAW_LOCAL_FILE.`,
		Example: `  actionlog seed --count 500 --defect-rate 0.1 --out ./data/raw_logs.json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				out = cfg.Ingest.RawLocalFile
			}
			if out == "" {
				return fmt.Errorf("no output file: pass --out or set RAW_LOCAL_FILE")
			}

			start := time.Now().UTC().Truncate(24 * time.Hour)
			if date != "" {
				d, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				start = d
			}

			summary, err := seed.WriteFile(out, seed.Options{
				Count:      count,
				Users:      users,
				DefectRate: defectRate,
				Seed:       seedValue,
				Start:      start,
				Span:       24 * time.Hour,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "wrote %d records to %s\n", summary.Records, out)
			defects := make([]string, 0, len(summary.Defects))
			for d := range summary.Defects {
				defects = append(defects, string(d))
			}
			sort.Strings(defects)
			for _, d := range defects {
				fmt.Fprintf(w, "  %s: %d\n", d, summary.Defects[seed.Defect(d)])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default RAW_LOCAL_FILE)")
	cmd.Flags().IntVarP(&count, "count", "n", 100, "number of records")
	cmd.Flags().IntVar(&users, "users", 20, "number of distinct users")
	cmd.Flags().Float64Var(&defectRate, "defect-rate", 0, "share of defective records (0-1)")
	cmd.Flags().Int64Var(&seedValue, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().StringVar(&date, "date", "", "day of the generated events, YYYY-MM-DD (default today, UTC)")
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if validate {
				if err := cfg.Validate(config.StageInitDB, config.StageIngest, config.StageTransform, config.StageLoad); err != nil {
					return err
				}
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "fail if settings required by any stage are missing")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "actionlog %s\n", Version)
		},
	}
}
