package inbox

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/invoice-extractor/constants"
)

type WatchConfig struct {
	Roots       []string      // directories to watch (recursive)
	InitialScan bool          // emit PDFs already present under Roots
	Debounce    time.Duration // coalesce bursts of writes to the same file
}

// Watch emits the paths of PDFs created or rewritten under cfg.Roots until
// ctx is done. Both channels are closed when the watcher stops.
func Watch(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if len(cfg.Roots) == 0 {
		return nil, nil, errors.New("no directories to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	var existing []string
	for _, root := range cfg.Roots {
		found, err := addTree(w, root)
		if err != nil {
			_ = w.Close()
			return nil, nil, err
		}
		if cfg.InitialScan {
			existing = append(existing, found...)
		}
	}
	logger.Info("inbox.watch.started", "roots", cfg.Roots, "existing", len(existing))

	paths := make(chan string, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(paths)
		defer w.Close()

		emit := func(p string) bool {
			select {
			case paths <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range existing {
			if !emit(p) {
				return
			}
		}

		pending := map[string]struct{}{}
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		flush := func() bool {
			for p := range pending {
				delete(pending, p)
				if !emit(p) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Create) {
					if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
						// files may land before the new directory is watched
						found, err := addTree(w, e.Name)
						if err != nil {
							logger.Warn("inbox.watch.add_failed", "path", e.Name, "error", err)
						}
						for _, p := range found {
							pending[p] = struct{}{}
						}
						if len(found) == 0 {
							continue
						}
					}
				}
				if constants.IsAllowedUpload(e.Name) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)) {
					pending[e.Name] = struct{}{}
				}
				if len(pending) == 0 {
					continue
				}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				if timer == nil {
					timer = time.NewTimer(cfg.Debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(cfg.Debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("inbox.watch.error", "error", err)
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return paths, errs, nil
}

// addTree watches root and every directory below it, returning the PDFs
// already present.
func addTree(w *fsnotify.Watcher, root string) ([]string, error) {
	var pdfs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if constants.IsAllowedUpload(path) {
			pdfs = append(pdfs, path)
		}
		return nil
	})
	return pdfs, err
}
