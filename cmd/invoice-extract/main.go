package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "invoice-extract",
		Short: "Extract invoice line items from PDF documents",
		Long: `invoice-extract renders a PDF, submits the selected pages to the extraction
service, consolidates the returned line items by category and writes an XLSX
workbook. Configuration is read from the environment (and .env) the same way
extractord reads it.`,
		SilenceUsage: true,
	}
	root.AddCommand(newPagesCmd(), newRunCmd(), newWatchCmd(), newModelsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
