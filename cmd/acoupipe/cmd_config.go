package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
		Long: `Show or validate the configuration acoupipe would run with.

The configuration is built from the defaults, the config file
(./acoupipe.yaml or --config) and ACOUPIPE_* environment variables.

Examples:
  acoupipe config show
  acoupipe config show --json
  ACOUPIPE_RUN_WORKERS=8 acoupipe config validate`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err == nil {
				err = cfg.Validate()
			}

			if jsonOut {
				res := map[string]interface{}{"valid": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			}
			return err
		},
	}
}
