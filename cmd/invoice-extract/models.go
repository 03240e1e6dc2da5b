package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the extraction models offered by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := common.LoadConfig()
			client := newClient(cfg, cfg.Log.NewLogger())

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tLABEL\tDESCRIPTION")
			for _, m := range client.ModelsOrDefault(ctx) {
				marker := ""
				if m.Value == cfg.Extraction.DefaultModel {
					marker = " (default)"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\n", m.Value, marker, m.Label, m.Description)
			}
			return tw.Flush()
		},
	}
}
