package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
)

func newPagesCmd() *cobra.Command {
	var valid string
	cmd := &cobra.Command{
		Use:   "pages <expression>",
		Short: "Check a page range expression such as 1-3,5",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages, err := pagerange.Parse(args[0])
			if err != nil {
				return err
			}
			if valid != "" {
				allowed, err := pagerange.Parse(valid)
				if err != nil {
					return fmt.Errorf("--valid: %w", err)
				}
				set := make(map[int]struct{}, len(allowed))
				for _, p := range allowed {
					set[p] = struct{}{}
				}
				if missing := pagerange.Invalid(pages, set); len(missing) > 0 {
					return fmt.Errorf("pages not found: %s", pagerange.Join(missing))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d pages)\n", pagerange.Format(pages), len(pages))
			return nil
		},
	}
	cmd.Flags().StringVar(&valid, "valid", "", "pages that exist, e.g. 1-10")
	return cmd
}
