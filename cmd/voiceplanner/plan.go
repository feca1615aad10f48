package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/internal/safety"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// dryRun is the plan command's verdict for one goal.
type dryRun struct {
	Goal        string                `json:"goal" yaml:"goal"`
	Plan        *planner.PlanDocument `json:"plan,omitempty" yaml:"plan,omitempty"`
	Destructive []safety.BlockedStep  `json:"destructive_steps,omitempty" yaml:"destructive_steps,omitempty"`
	Blocked     bool                  `json:"blocked" yaml:"blocked"`
	Error       string                `json:"error,omitempty" yaml:"error,omitempty"`
}

func planCMD() *cobra.Command {
	var flags goalFlags
	var file, output string
	cmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Show the plan a goal would run, without invoking any action",
		Example: `  voiceplanner plan "close the deal on property 12"
  voiceplanner plan --file goals.yaml --output yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var goals []planner.Goal
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(raw, &goals); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			if len(args) > 0 {
				g, err := flags.goal(strings.Join(args, " "))
				if err != nil {
					return err
				}
				goals = append(goals, g)
			}
			if len(goals) == 0 {
				return errors.New("give a goal or --file")
			}

			reg, err := capability.NewDefaultRegistry()
			if err != nil {
				return err
			}
			out := make([]dryRun, 0, len(goals))
			for _, g := range goals {
				d, err := planGoal(reg, g)
				if err != nil {
					return err
				}
				out = append(out, d)
			}
			if len(out) == 1 {
				return writeOutput(cmd.OutOrStdout(), output, out[0])
			}
			return writeOutput(cmd.OutOrStdout(), output, out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML or JSON list of goals")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "json or yaml")
	cmd.Flags().StringVar(&flags.propertyID, "property-id", "", "property the goal is about when the text does not say")
	cmd.Flags().StringSliceVar(&flags.filter, "filter", nil, "bulk filter override, key=value (repeatable)")
	cmd.Flags().BoolVar(&flags.confirm, "confirm", false, "treat destructive steps as confirmed")
	return cmd
}

// planGoal matches g and validates the rendered document. Unmatched goals are reported, not returned as errors.
func planGoal(reg *capability.Registry, g planner.Goal) (dryRun, error) {
	d := dryRun{Goal: g.Text}
	plan, err := planner.NewMatcher(reg).Match(g.Text, planner.Context{Hints: g.Hints})
	if err != nil {
		var noMatch *planner.NoMatchError
		if errors.As(err, &noMatch) {
			d.Error = err.Error()
			return d, nil
		}
		return d, err
	}
	doc := planner.Document(plan, reg)
	if _, err := planner.EncodeDocument(doc); err != nil {
		return d, err
	}
	d.Plan = &doc
	if d.Destructive, err = safety.NewGate(reg).Destructive(plan); err != nil {
		return d, err
	}
	d.Blocked = len(d.Destructive) > 0 && !g.ConfirmDestructive
	return d, nil
}
