package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/actionlog/actionlog/internal/app"
	"github.com/actionlog/actionlog/internal/pipeline"
)

var stageDescriptions = map[pipeline.Stage]string{
	pipeline.StageInitDB:    "Create the warehouse tables if they do not exist",
	pipeline.StageIngest:    "Upload the local raw batch file to the raw object key",
	pipeline.StageTransform: "Flatten and normalize the raw batch into the processed object key",
	pipeline.StageLoad:      "Load the processed batch into the star schema",
}

func newStageCommands(opts *rootOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(pipeline.DefaultOrder))
	for _, stage := range pipeline.DefaultOrder {
		cmds = append(cmds, &cobra.Command{
			Use:   stage.String(),
			Short: stageDescriptions[stage],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStages(cmd, opts, []pipeline.Stage{stage})
			},
		})
	}
	return cmds
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var stageNames []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline stages in order",
		Long: `Run executes init-db, ingest, transform and load in order and stops at
the first failure. Use --stages to run a subset; the order given is kept.`,
		Example: `  actionlog run
  actionlog run --stages transform,load`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := make([]pipeline.Stage, 0, len(stageNames))
			for _, name := range stageNames {
				s, err := pipeline.ParseStage(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				stages = append(stages, s)
			}
			return runStages(cmd, opts, stages)
		},
	}

	defaults := make([]string, len(pipeline.DefaultOrder))
	for i, s := range pipeline.DefaultOrder {
		defaults[i] = s.String()
	}
	cmd.Flags().StringSliceVar(&stageNames, "stages", defaults, "stages to run")
	return cmd
}

func runStages(cmd *cobra.Command, opts *rootOptions, stages []pipeline.Stage) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	ctx := cmd.Context()

	a, err := app.New(ctx, cfg, logger.Logger, stages)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Runner().Run(ctx, stages...)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s completed: %s\n", report.RunID, joinStages(report.Completed))
	return nil
}

func joinStages(stages []pipeline.Stage) string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return strings.Join(names, ", ")
}
