package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
	"github.com/joseph-ayodele/invoice-extractor/internal/export"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
	"github.com/joseph-ayodele/invoice-extractor/internal/selection"
)

// PageStreamer rasterizes a PDF into batches of pages.
type PageStreamer interface {
	Stream(ctx context.Context, pdf []byte) (<-chan raster.Batch, error)
}

// Config holds processor-wide defaults.
type Config struct {
	DefaultModel string
	Timeout      time.Duration // bounds each extraction request; 0 means none
	Hints        *llm.Hints
}

// Options configures one document.
type Options struct {
	Include     string // only these pages
	Exclude     string // every page except these
	Model       string
	Fresh       bool
	CustomRules []string
	Out         string // workbook path; empty writes nothing
	Title       string
	ProcessedBy string
	OnUpdate    func(extract.Update)
}

// Report describes one processed document.
type Report struct {
	Document string
	Pages    int
	Selected []int
	Model    string
	State    constants.StreamState
	Result   consolidate.Result
	Output   string
	Elapsed  time.Duration
}

// Processor runs a document end to end without a session: render, select,
// extract, consolidate and export.
type Processor struct {
	Logger    *slog.Logger
	Pages     PageStreamer
	Transport extract.Transport
	Workbook  *export.WorkbookWriter
	Cfg       Config
}

func NewProcessor(logger *slog.Logger, pages PageStreamer, transport extract.Transport, workbook *export.WorkbookWriter, cfg Config) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workbook == nil {
		workbook = export.NewWorkbookWriter(logger)
	}
	if cfg.Hints == nil {
		h := llm.DefaultHints()
		cfg.Hints = &h
	}
	return &Processor{Logger: logger, Pages: pages, Transport: transport, Workbook: workbook, Cfg: cfg}
}

// DefaultOutput is "<pdf without extension>-extraction.xlsx" next to the PDF.
func DefaultOutput(pdfPath string) string {
	return strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + "-extraction.xlsx"
}

// ProcessFile reads and processes a PDF from disk.
func (p *Processor) ProcessFile(ctx context.Context, path string, opts Options) (Report, error) {
	if !constants.IsAllowedUpload(path) {
		return Report{Document: filepath.Base(path)}, fmt.Errorf("%s is not a PDF", path)
	}
	pdf, err := os.ReadFile(path)
	if err != nil {
		return Report{Document: filepath.Base(path)}, fmt.Errorf("read %s: %w", path, err)
	}
	return p.Process(ctx, filepath.Base(path), pdf, opts)
}

// Process runs one document. The report is filled in as far as processing
// got, even when an error is returned. Cancelling ctx cancels the
// extraction; pages already extracted are still consolidated and exported.
func (p *Processor) Process(ctx context.Context, name string, pdf []byte, opts Options) (Report, error) {
	start := time.Now()
	rep := Report{Document: name}
	log := p.Logger.With("document", name)

	batches, err := p.Pages.Stream(ctx, pdf)
	if err != nil {
		return rep, err
	}
	pages, err := raster.Collect(ctx, batches)
	if err != nil {
		return rep, fmt.Errorf("render %s: %w", name, err)
	}
	rep.Pages = len(pages)
	log.Info("processor.raster.ok", "pages", len(pages))

	selected, err := selectPages(pages, opts.Include, opts.Exclude)
	if err != nil {
		return rep, err
	}
	rep.Selected = selected

	rep.Model = opts.Model
	if rep.Model == "" {
		rep.Model = p.Cfg.DefaultModel
	}
	if rep.Model == "" {
		rep.Model = llm.DefaultModel
	}
	req := buildRequest(pages, selected, rep.Model, llm.PromptOptions{
		Fresh:       opts.Fresh,
		CustomRules: opts.CustomRules,
		Hints:       p.Cfg.Hints,
	})

	ctrl := extract.NewController(p.Transport, log)
	updates, _, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for u := range updates {
			if opts.OnUpdate != nil {
				opts.OnUpdate(u)
			}
		}
	}()

	// the request outlives ctx so a cancel is recorded as CANCELLED, not FAILED
	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if p.Cfg.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.Cfg.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()
	if err := ctrl.Start(reqCtx, req); err != nil {
		return rep, err
	}
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
		case <-relayed:
		}
	}()
	rep.State, _ = ctrl.Wait(context.Background())
	<-relayed

	rep.Result = consolidate.Consolidate(ctrl.Results(), name)
	if opts.Out != "" && len(rep.Result.Pages) > 0 {
		if err := p.writeWorkbook(opts.Out, rep.Result, opts); err != nil {
			return rep, err
		}
		rep.Output = opts.Out
	}
	rep.Elapsed = time.Since(start)
	log.Info("processor.extract.done",
		"state", rep.State,
		"pages", pagerange.Format(selected),
		"items", rep.Result.ItemCount,
		"warnings", len(rep.Result.Warnings),
		"elapsed_ms", rep.Elapsed.Milliseconds(),
	)

	switch rep.State {
	case constants.StreamComplete:
		return rep, nil
	case constants.StreamCancelled:
		return rep, extract.ErrCancelled
	default:
		return rep, ctrl.Err()
	}
}

// selectPages applies an include or exclude expression to rendered pages.
func selectPages(pages []raster.PageImage, include, exclude string) ([]int, error) {
	if include != "" && exclude != "" {
		return nil, &selection.ValidationError{Code: selection.CodeInvalidExpression, Message: "choose either included or excluded pages, not both"}
	}
	engine := selection.NewEngine()
	for _, p := range pages {
		engine.AddPage(p.PageNumber, p.Converted())
	}
	engine.MarkConverted()

	mode, expr := constants.ModeAll, ""
	switch {
	case include != "":
		mode, expr = constants.ModeInclude, include
	case exclude != "":
		mode, expr = constants.ModeExclude, exclude
	}
	if err := engine.SetMode(mode); err != nil {
		return nil, err
	}
	if mode != constants.ModeAll {
		if err := engine.SetExpression(expr); err != nil {
			return nil, err
		}
	}
	return engine.ForSubmission()
}

func buildRequest(pages []raster.PageImage, selected []int, model string, prompt llm.PromptOptions) llm.Request {
	byNumber := make(map[int]raster.PageImage, len(pages))
	for _, p := range pages {
		byNumber[p.PageNumber] = p
	}
	req := llm.Request{Model: model, Prompt: llm.BuildPrompt(prompt)}
	for _, n := range selected {
		req.Pages = append(req.Pages, llm.Page{PageNumber: n, Image: byNumber[n].DataURL()})
	}
	return req
}

func (p *Processor) writeWorkbook(path string, res consolidate.Result, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	err = p.Workbook.WriteTo(f, res, export.Meta{
		Title:        opts.Title,
		DocumentName: res.DocumentName,
		ProcessedBy:  opts.ProcessedBy,
		GeneratedAt:  time.Now(),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
