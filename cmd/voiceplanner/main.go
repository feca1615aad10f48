package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "voiceplanner",
		Short:         "Plan and run spoken CRM goals against the action catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	root.AddCommand(serveCMD(), workerCMD(), planCMD(), runCMD(), actionsCMD(), migrateCMD())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var cfgPath string
