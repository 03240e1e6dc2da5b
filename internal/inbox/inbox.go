// Package inbox processes PDFs dropped into watched directories.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/joseph-ayodele/invoice-extractor/internal/pipeline"
)

// Processor runs one PDF end to end.
type Processor interface {
	ProcessFile(ctx context.Context, path string, opts pipeline.Options) (pipeline.Report, error)
}

// Result is the outcome for one file seen by the inbox.
type Result struct {
	Path         string
	Hash         string
	Deduplicated bool
	Report       pipeline.Report
	Err          error
}

// Inbox hands each new PDF to a Processor once per content hash.
type Inbox struct {
	proc    Processor
	opts    pipeline.Options
	outDir  string
	log     *slog.Logger
	mu      sync.Mutex
	handled map[string]string // hash -> first path
}

// New returns an inbox that writes workbooks into outDir, or next to each
// PDF when outDir is empty. opts.Out is ignored.
func New(proc Processor, opts pipeline.Options, outDir string, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		proc:    proc,
		opts:    opts,
		outDir:  outDir,
		log:     logger,
		handled: make(map[string]string),
	}
}

// Handle processes path unless a file with the same content was already
// processed. A failed run does not mark the content as handled.
func (i *Inbox) Handle(ctx context.Context, path string) Result {
	res := Result{Path: path}
	sum, err := hashFile(path)
	if err != nil {
		res.Err = err
		i.log.Warn("inbox.hash_failed", "path", path, "error", err)
		return res
	}
	res.Hash = sum

	i.mu.Lock()
	first, dup := i.handled[sum]
	i.mu.Unlock()
	if dup {
		res.Deduplicated = true
		i.log.Info("inbox.duplicate", "path", path, "first", first)
		return res
	}

	opts := i.opts
	opts.Out = i.outputFor(path)
	res.Report, res.Err = i.proc.ProcessFile(ctx, path, opts)
	if res.Err != nil {
		i.log.Error("inbox.failed", "path", path, "error", res.Err)
		return res
	}
	i.mu.Lock()
	i.handled[sum] = path
	i.mu.Unlock()
	i.log.Info("inbox.processed",
		"path", path,
		"hash", sum[:12],
		"items", res.Report.Result.ItemCount,
		"output", res.Report.Output,
	)
	return res
}

// Run handles every path from paths in arrival order and reports each
// outcome to onResult, which may be nil. It returns when paths is closed or
// ctx is done.
func (i *Inbox) Run(ctx context.Context, paths <-chan string, onResult func(Result)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			res := i.Handle(ctx, p)
			if onResult != nil {
				onResult(res)
			}
		}
	}
}

func (i *Inbox) outputFor(path string) string {
	out := pipeline.DefaultOutput(path)
	if i.outDir == "" {
		return out
	}
	return filepath.Join(i.outDir, filepath.Base(out))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
