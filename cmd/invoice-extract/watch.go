package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-extractor/internal/inbox"
	"github.com/joseph-ayodele/invoice-extractor/internal/pipeline"
)

func newWatchCmd() *cobra.Command {
	var (
		outDir   string
		scan     bool
		debounce time.Duration
		opts     runOptions
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Extract every PDF dropped into the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, cfg, err := loadProcessor()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			paths, _, err := inbox.Watch(ctx, inbox.WatchConfig{Roots: args, InitialScan: scan, Debounce: debounce}, nil)
			if err != nil {
				return err
			}
			in := inbox.New(proc, pipeline.Options{
				Model:       opts.model,
				Fresh:       opts.fresh || cfg.Prompt.Fresh,
				CustomRules: opts.rules,
				Title:       opts.title,
				ProcessedBy: opts.processedBy,
			}, outDir, nil)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Watching %d director(ies); Ctrl-C to stop\n", len(args))
			err = in.Run(ctx, paths, func(r inbox.Result) {
				switch {
				case r.Deduplicated:
					fmt.Fprintf(w, "%s: already processed\n", r.Path)
				case r.Err != nil:
					fmt.Fprintf(w, "%s: %v\n", r.Path, r.Err)
				default:
					printReport(w, r.Report)
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&outDir, "out-dir", "", "directory for workbooks (default next to each PDF)")
	f.BoolVar(&scan, "scan", true, "process PDFs already in the directories")
	f.DurationVar(&debounce, "debounce", 2*time.Second, "wait this long after the last write before processing")
	f.StringVar(&opts.model, "model", "", "extraction model (default from EXTRACTION_MODEL)")
	f.StringVar(&opts.title, "title", "", "workbook title")
	f.StringVar(&opts.processedBy, "processed-by", "", "name recorded in the workbook header")
	f.BoolVar(&opts.fresh, "fresh", false, "use the short rule set")
	f.StringArrayVar(&opts.rules, "rule", nil, "custom extraction rule (repeatable)")
	return cmd
}
