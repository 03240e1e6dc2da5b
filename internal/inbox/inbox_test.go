package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/pipeline"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
	outs  []string
	err   error
}

func (f *fakeProcessor) ProcessFile(_ context.Context, path string, opts pipeline.Options) (pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	f.outs = append(f.outs, opts.Out)
	if f.err != nil {
		return pipeline.Report{Document: filepath.Base(path), State: constants.StreamFailed}, f.err
	}
	return pipeline.Report{Document: filepath.Base(path), State: constants.StreamComplete, Output: opts.Out}, nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInbox_DeduplicatesByContent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "%PDF-1.7 one")
	b := writeFile(t, dir, "b.pdf", "%PDF-1.7 one")
	c := writeFile(t, dir, "c.pdf", "%PDF-1.7 two")

	proc := &fakeProcessor{}
	in := New(proc, pipeline.Options{Title: "Inbox"}, "", nil)

	r := in.Handle(context.Background(), a)
	require.NoError(t, r.Err)
	assert.False(t, r.Deduplicated)
	assert.Len(t, r.Hash, 64)
	assert.Equal(t, filepath.Join(dir, "a-extraction.xlsx"), r.Report.Output)

	r = in.Handle(context.Background(), b)
	assert.True(t, r.Deduplicated)

	r = in.Handle(context.Background(), c)
	assert.False(t, r.Deduplicated)
	assert.Equal(t, []string{a, c}, proc.calls)
}

func TestInbox_FailedRunIsRetried(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", "%PDF-1.7")

	proc := &fakeProcessor{err: errors.New("quota exceeded")}
	in := New(proc, pipeline.Options{}, "", nil)
	r := in.Handle(context.Background(), a)
	assert.EqualError(t, r.Err, "quota exceeded")

	proc.err = nil
	r = in.Handle(context.Background(), a)
	require.NoError(t, r.Err)
	assert.False(t, r.Deduplicated)
	assert.Equal(t, 2, proc.count())
}

func TestInbox_OutputDirectory(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	a := writeFile(t, dir, "march.pdf", "%PDF-1.7")

	proc := &fakeProcessor{}
	in := New(proc, pipeline.Options{Out: "ignored.xlsx"}, out, nil)
	require.NoError(t, in.Handle(context.Background(), a).Err)
	assert.Equal(t, []string{filepath.Join(out, "march-extraction.xlsx")}, proc.outs)
}

func TestInbox_MissingFile(t *testing.T) {
	in := New(&fakeProcessor{}, pipeline.Options{}, "", nil)
	r := in.Handle(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"))
	assert.Error(t, r.Err)
}

func TestInbox_RunStopsWhenPathsClose(t *testing.T) {
	dir := t.TempDir()
	paths := make(chan string, 2)
	paths <- writeFile(t, dir, "a.pdf", "one")
	paths <- writeFile(t, dir, "b.pdf", "two")
	close(paths)

	proc := &fakeProcessor{}
	var results []Result
	err := New(proc, pipeline.Options{}, "", nil).Run(context.Background(), paths, func(r Result) {
		results = append(results, r)
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestWatch_InitialScanAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "old.pdf", "old")
	writeFile(t, dir, "notes.txt", "skip")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths, _, err := Watch(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true, Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	select {
	case p := <-paths:
		assert.Equal(t, existing, p)
	case <-time.After(2 * time.Second):
		t.Fatal("initial scan did not emit the existing PDF")
	}

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	// give the watcher a moment to register the new directory
	time.Sleep(100 * time.Millisecond)
	fresh := writeFile(t, sub, "new.pdf", "new")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-paths:
			if p == fresh {
				cancel()
				for range paths {
				}
				return
			}
		case <-deadline:
			t.Fatal("new PDF was not reported")
		}
	}
}

func TestWatch_RequiresRoots(t *testing.T) {
	_, _, err := Watch(context.Background(), WatchConfig{}, nil)
	assert.Error(t, err)
}
