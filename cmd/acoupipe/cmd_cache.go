package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/acoupipe/internal/store"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persisted feature cache",
		Long: `Inspect or purge the SQLite feature cache used with cache mode "sqlite".

Examples:
  acoupipe cache stats
  acoupipe cache purge --feature csm`,
	}

	cmd.PersistentFlags().String("path", "", "Cache database (default from config)")
	cmd.AddCommand(
		newCacheStatsCmd(),
		newCachePurgeCmd(),
	)

	return cmd
}

// openCache opens the database named by --path or the configuration.
func openCache(cmd *cobra.Command) (*store.Cache, error) {
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Cache.Path
	}
	return store.Open(cmd.Context(), path)
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cached entries per feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			c, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.Summary(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := c.Runs(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if entries == nil {
					entries = []store.Entry{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"path":     c.Path(),
					"runs":     runs,
					"features": entries,
				})
			}
			fmt.Fprintf(out, "%s: %d runs\n", c.Path(), runs)
			if len(entries) == 0 {
				fmt.Fprintln(out, "  empty")
			}
			for _, e := range entries {
				fmt.Fprintf(out, "  %-12s %8s entries %10s  %s\n",
					e.Feature, humanize.Comma(int64(e.Count)), humanize.Bytes(uint64(e.Bytes)), e.Signatures)
			}
			return nil
		},
	}
}

func newCachePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			feature, _ := cmd.Flags().GetString("feature")

			c, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Purge(cmd.Context(), feature)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"feature": feature,
					"removed": n,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s entries\n", humanize.Comma(n))
			return nil
		},
	}

	cmd.Flags().String("feature", "", "Only purge this feature")

	return cmd
}
