package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/export"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
	"github.com/joseph-ayodele/invoice-extractor/internal/pipeline"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
)

type runOptions struct {
	include     string
	exclude     string
	model       string
	out         string
	title       string
	processedBy string
	fresh       bool
	rules       []string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <pdf>",
		Short: "Extract line items from a PDF and write an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtraction(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.include, "pages", "", "only extract these pages, e.g. 1-3,5")
	f.StringVar(&opts.exclude, "exclude", "", "extract every page except these")
	f.StringVar(&opts.model, "model", "", "extraction model (default from EXTRACTION_MODEL)")
	f.StringVarP(&opts.out, "out", "o", "", "output workbook (default <pdf>-extraction.xlsx next to the PDF)")
	f.StringVar(&opts.title, "title", "", "workbook title")
	f.StringVar(&opts.processedBy, "processed-by", "", "name recorded in the workbook header")
	f.BoolVar(&opts.fresh, "fresh", false, "use the short rule set")
	f.StringArrayVar(&opts.rules, "rule", nil, "custom extraction rule (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("pages", "exclude")
	return cmd
}

func newClient(cfg *common.Config, logger *slog.Logger) *llm.Client {
	return llm.NewClient(llm.Config{
		BaseURL: cfg.Extraction.BaseURL,
		Token:   cfg.Extraction.APIToken,
		Retry: llm.RetryConfig{
			MaxRetries:     cfg.Extraction.ModelsRetry,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}, nil, logger)
}

// loadProcessor builds a processor from the environment configuration.
func loadProcessor() (*pipeline.Processor, *common.Config, error) {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	hints, err := llm.LoadHints(cfg.Prompt.HintsFile)
	if err != nil {
		return nil, nil, err
	}
	rasterizer := raster.New(raster.NewFitzRenderer(), raster.Options{
		Scale:       cfg.Raster.Scale,
		Format:      cfg.Raster.Format,
		JPEGQuality: cfg.Raster.JPEGQuality,
		BatchSize:   cfg.Raster.BatchSize,
	}, logger)
	proc := pipeline.NewProcessor(logger, rasterizer, newClient(cfg, logger), export.NewWorkbookWriter(logger), pipeline.Config{
		DefaultModel: cfg.Extraction.DefaultModel,
		Timeout:      cfg.Extraction.Timeout,
		Hints:        &hints,
	})
	return proc, cfg, nil
}

// progress prints controller updates as they arrive.
func progress(w io.Writer) func(extract.Update) {
	return func(u extract.Update) {
		switch u.Kind {
		case extract.UpdateStatus:
			fmt.Fprintln(w, "  "+u.Message)
		case extract.UpdatePage:
			if u.Page.Failed() {
				fmt.Fprintf(w, "  page %d failed: %s\n", u.Page.PageNumber, u.Page.Error)
			} else {
				fmt.Fprintf(w, "  page %d: %d items\n", u.Page.PageNumber, len(u.Page.Fragments))
			}
		}
	}
}

func runExtraction(cmd *cobra.Command, pdfPath string, opts runOptions) error {
	if !constants.IsAllowedUpload(pdfPath) {
		return fmt.Errorf("%s is not a PDF", pdfPath)
	}
	proc, cfg, err := loadProcessor()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := opts.out
	if out == "" {
		out = pipeline.DefaultOutput(pdfPath)
	}
	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "Extracting %s\n", pdfPath)
	rep, err := proc.ProcessFile(ctx, pdfPath, pipeline.Options{
		Include:     opts.include,
		Exclude:     opts.exclude,
		Model:       opts.model,
		Fresh:       opts.fresh || cfg.Prompt.Fresh,
		CustomRules: opts.rules,
		Out:         out,
		Title:       opts.title,
		ProcessedBy: opts.processedBy,
		OnUpdate:    progress(stderr),
	})
	if rep.State != "" {
		printReport(cmd.OutOrStdout(), rep)
	}
	return err
}

func printReport(w io.Writer, rep pipeline.Report) {
	res := rep.Result
	fmt.Fprintf(w, "%s: pages %s of %d with %s\n", rep.Document, pagerange.Format(rep.Selected), rep.Pages, rep.Model)
	fmt.Fprintf(w, "%s: %d items, grand total %s\n", rep.State, res.ItemCount, res.GrandTotal.StringFixed(2))
	for _, c := range constants.All() {
		if n := res.Counts[c]; n > 0 {
			fmt.Fprintf(w, "  %-18s %4d  %s\n", c.DisplayName(), n, res.Totals[c].StringFixed(2))
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, "  warning: "+warn.String())
	}
	if rep.Output != "" {
		fmt.Fprintln(w, "Wrote "+rep.Output)
	}
}
