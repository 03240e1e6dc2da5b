// Package raster turns a PDF into page images, streamed in page order.
package raster

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"time"
)

// PageImage is one rendered page. Data is set iff ConversionError is empty.
type PageImage struct {
	PageNumber      int    `json:"pageNumber"`
	MIMEType        string `json:"mimeType,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	Data            []byte `json:"-"`
	ConversionError string `json:"conversionError,omitempty"`
}

// Converted reports whether the page rendered successfully.
func (p PageImage) Converted() bool {
	return p.ConversionError == "" && len(p.Data) > 0
}

// DataURL encodes the image the way the extraction service expects it.
func (p PageImage) DataURL() string {
	return "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Batch is one increment of the page stream. The last batch has Done set.
type Batch struct {
	Pages     []PageImage
	Processed int
	Total     int
	Done      bool
}

// Document is an opened PDF.
type Document interface {
	NumPages() int
	RenderPage(pageNumber int, scale float64) (image.Image, error)
	Close() error
}

// Renderer opens PDFs. It is the "render page N at scale S" primitive.
type Renderer interface {
	Open(pdf []byte) (Document, error)
}

// Options controls rendering and batching.
type Options struct {
	Scale       float64
	Format      string // png or jpeg
	JPEGQuality int
	BatchSize   int
}

func (o Options) withDefaults() Options {
	if o.Scale <= 0 {
		o.Scale = 1.5
	}
	if o.Format == "" {
		o.Format = "png"
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 90
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	return o
}

// Rasterizer wraps a Renderer with incremental, failure-isolated streaming.
type Rasterizer struct {
	renderer Renderer
	opts     Options
	logger   *slog.Logger
}

func New(renderer Renderer, opts Options, logger *slog.Logger) *Rasterizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rasterizer{renderer: renderer, opts: opts.withDefaults(), logger: logger}
}

// Stream opens pdf and renders its pages sequentially on a goroutine.
// Pages are delivered in ascending order in batches of Options.BatchSize; a
// page that fails to render is delivered with ConversionError set and the
// stream continues. The channel is closed after the Done batch, or early if
// ctx is cancelled (in which case no Done batch is sent).
func (r *Rasterizer) Stream(ctx context.Context, pdf []byte) (<-chan Batch, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("open pdf: empty document")
	}
	doc, err := r.renderer.Open(pdf)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	total := doc.NumPages()
	if total < 1 {
		_ = doc.Close()
		return nil, fmt.Errorf("open pdf: document has no pages")
	}

	out := make(chan Batch, 1)
	go r.run(ctx, doc, total, out)
	return out, nil
}

func (r *Rasterizer) run(ctx context.Context, doc Document, total int, out chan<- Batch) {
	defer close(out)
	defer func() {
		if err := doc.Close(); err != nil {
			r.logger.Warn("raster.close.error", "err", err)
		}
	}()

	start := time.Now()
	failed := 0
	pending := make([]PageImage, 0, r.opts.BatchSize)

	send := func(b Batch) bool {
		select {
		case out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for n := 1; n <= total; n++ {
		if ctx.Err() != nil {
			r.logger.Info("raster.stream.cancelled", "page", n, "total", total)
			return
		}

		page := r.renderOne(doc, n)
		if !page.Converted() {
			failed++
		}
		pending = append(pending, page)

		if len(pending) >= r.opts.BatchSize && n < total {
			if !send(Batch{Pages: pending, Processed: n, Total: total}) {
				return
			}
			pending = make([]PageImage, 0, r.opts.BatchSize)
		}
	}

	if !send(Batch{Pages: pending, Processed: total, Total: total, Done: true}) {
		return
	}
	r.logger.Info("raster.stream.ok",
		"pages", total,
		"failed", failed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

func (r *Rasterizer) renderOne(doc Document, n int) (page PageImage) {
	page.PageNumber = n
	defer func() {
		if rec := recover(); rec != nil {
			page = PageImage{PageNumber: n, ConversionError: fmt.Sprintf("page %d: render panic: %v", n, rec)}
			r.logger.Error("raster.page.panic", "page", n, "err", rec)
		}
	}()

	img, err := doc.RenderPage(n, r.opts.Scale)
	if err != nil {
		r.logger.Warn("raster.page.error", "page", n, "err", err)
		page.ConversionError = fmt.Sprintf("page %d: %v", n, err)
		return page
	}

	data, mime, err := encode(img, r.opts.Format, r.opts.JPEGQuality)
	if err != nil {
		r.logger.Warn("raster.page.encode_error", "page", n, "err", err)
		page.ConversionError = fmt.Sprintf("page %d: encode: %v", n, err)
		return page
	}

	b := img.Bounds()
	page.Data = data
	page.MIMEType = mime
	page.Width = b.Dx()
	page.Height = b.Dy()
	return page
}

func encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}
}

// Collect drains a stream into a single page list. It returns an error if
// the stream ended without its Done batch.
func Collect(ctx context.Context, batches <-chan Batch) ([]PageImage, error) {
	var pages []PageImage
	for {
		select {
		case <-ctx.Done():
			return pages, ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return pages, fmt.Errorf("raster stream ended before completion")
			}
			pages = append(pages, b.Pages...)
			if b.Done {
				return pages, nil
			}
		}
	}
}
