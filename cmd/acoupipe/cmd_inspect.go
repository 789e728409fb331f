package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/acoupipe/internal/writer"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Summarise dataset files",
		Long: `Read dataset files back and report their record count, index range
and feature layout. The format is inferred from the file extension.

Examples:
  acoupipe inspect training_100_loc_nsources_16src_heall_ds1-v001.tfrecord
  acoupipe inspect --records 3 data/*.arrow`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			head, _ := cmd.Flags().GetInt("records")
			out := cmd.OutOrStdout()

			var summaries []writer.Summary
			for _, path := range args {
				s, err := writer.Inspect(path)
				if err != nil {
					return err
				}
				summaries = append(summaries, s)
				if jsonOut {
					continue
				}

				fmt.Fprintf(out, "%s (%s, %s)\n", s.Path, s.Kind, humanize.Bytes(uint64(s.Bytes)))
				if s.Records == 0 {
					fmt.Fprintln(out, "  no records")
					continue
				}
				fmt.Fprintf(out, "  records: %s (idx %d..%d)\n", humanize.Comma(int64(s.Records)), s.MinIdx, s.MaxIdx)
				for _, f := range s.Features {
					shape := f.Shape
					if shape == "" {
						shape = "-"
					}
					fmt.Fprintf(out, "  %-12s %-10s len=%-8d shape=%s\n", f.Name, f.Format, f.Len, shape)
				}
				if head > 0 {
					recs, err := writer.ReadAll(path)
					if err != nil {
						return err
					}
					for _, r := range recs[:min(head, len(recs))] {
						fmt.Fprintf(out, "  idx %d seeds %v\n", r.Idx, r.Seeds)
					}
				}
			}

			if jsonOut {
				json.NewEncoder(out).Encode(map[string]interface{}{
					"files": summaries,
				})
			}
			return nil
		},
	}

	cmd.Flags().Int("records", 0, "Also print the index and seeds of the first N records")

	return cmd
}
