package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/acoupipe/internal/acoustics"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
					"dataset": acoustics.DatasetVersion,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "acoupipe version %s (commit: %s, built: %s, dataset: %s)\n",
					version, commit, date, acoustics.DatasetVersion)
			}
		},
	}
}
