package main

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
	"github.com/spf13/cobra"
)

func runCMD() *cobra.Command {
	var flags goalFlags
	var sessionID, output string
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan and execute one goal against the configured CRM",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			goal, err := flags.goal(strings.Join(args, " "))
			if err != nil {
				return err
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			comps, err := runtime.BuildEngine(ctx, cfg, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = comps.Close() }()

			res, runErr := comps.Engine.Submit(ctx, sessionID, goal)
			if res.Trace != nil {
				if err := printResult(cmd, output, res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.Outcome() != executor.OutcomeCompleted {
				return fmt.Errorf("run %s finished %s", res.RunID, res.Outcome())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "text, json or yaml")
	cmd.Flags().StringVar(&flags.propertyID, "property-id", "", "property the goal is about when the text does not say")
	cmd.Flags().StringSliceVar(&flags.filter, "filter", nil, "bulk filter override, key=value (repeatable)")
	cmd.Flags().BoolVar(&flags.confirm, "confirm", false, "confirm destructive steps")
	return cmd
}

func printResult(cmd *cobra.Command, format string, res engine.Result) error {
	if format != "text" {
		return writeOutput(cmd.OutOrStdout(), format, res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprint(w, res.Report.FullReport)
	if !strings.HasSuffix(res.Report.FullReport, "\n") {
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\nSummary: %s\nChecksum: %s\n", res.Report.VoiceSummary, res.Manifest.Checksum)
	return nil
}
