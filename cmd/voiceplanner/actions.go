package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/spf13/cobra"
)

func actionsCMD() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the action catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := capability.NewDefaultRegistry()
			if err != nil {
				return err
			}
			if output != "table" {
				return writeOutput(cmd.OutOrStdout(), output, reg.Definitions())
			}
			sum, err := reg.Checksum()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "catalog %s (%s)\n\n", reg.Version(), sum)
			fmt.Fprintln(tw, "ACTION\tSIDE EFFECT\tIDEMPOTENT\tMAX RETRIES")
			for _, def := range reg.Definitions() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", def.ID, def.SideEffect, def.Idempotent, def.MaxRetries)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	return cmd
}
