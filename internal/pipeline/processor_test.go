package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
	"github.com/joseph-ayodele/invoice-extractor/internal/selection"
)

type fakePages struct {
	pages  int
	failed map[int]bool
}

func (f fakePages) Stream(_ context.Context, _ []byte) (<-chan raster.Batch, error) {
	out := make(chan raster.Batch, f.pages)
	for n := 1; n <= f.pages; n++ {
		page := raster.PageImage{PageNumber: n, MIMEType: "image/png", Data: []byte{byte(n)}}
		if f.failed[n] {
			page.Data = nil
			page.ConversionError = "render failed"
		}
		out <- raster.Batch{Pages: []raster.PageImage{page}, Processed: n, Total: f.pages, Done: n == f.pages}
	}
	close(out)
	return out, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	body  string
	block chan struct{}
	reqs  []llm.Request
}

func (f *fakeTransport) Submit(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return llm.NewStream(io.NopCloser(strings.NewReader(f.body)), nil), nil
}

func events(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: " + l + "\n\n")
	}
	return b.String()
}

func labourPage(n int) string {
	return `{"type":"page_complete","pageNumber":` + strconv.Itoa(n) +
		`,"rawOutput":"[{\"category\":\"Labour\",\"data\":{\"NAME\":\"p` + strconv.Itoa(n) + `\",\"TOTALAMOUNT\":\"10\"}}]"}`
}

func writePDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7"), 0o600))
	return path
}

func TestProcessFile_WritesWorkbook(t *testing.T) {
	tr := &fakeTransport{body: events(labourPage(1), labourPage(3), `{"type":"complete"}`)}
	p := NewProcessor(nil, fakePages{pages: 3, failed: map[int]bool{2: true}}, tr, nil, Config{DefaultModel: "m-1"})

	path := writePDF(t, "march.pdf")
	out := DefaultOutput(path)
	var seen []extract.UpdateKind
	rep, err := p.ProcessFile(context.Background(), path, Options{
		Out:         out,
		Title:       "March",
		CustomRules: []string{"Ignore delivery notes"},
		OnUpdate:    func(u extract.Update) { seen = append(seen, u.Kind) },
	})
	require.NoError(t, err)

	assert.Equal(t, "march.pdf", rep.Document)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, []int{1, 3}, rep.Selected)
	assert.Equal(t, "m-1", rep.Model)
	assert.Equal(t, constants.StreamComplete, rep.State)
	assert.Equal(t, 2, rep.Result.ItemCount)
	assert.Equal(t, "20.00", rep.Result.GrandTotal.StringFixed(2))
	assert.Equal(t, out, rep.Output)
	assert.Contains(t, seen, extract.UpdatePage)

	require.Len(t, tr.reqs, 1)
	req := tr.reqs[0]
	assert.Equal(t, "m-1", req.Model)
	assert.Contains(t, req.Prompt, "Ignore delivery notes")
	require.Len(t, req.Pages, 2)
	assert.Equal(t, 1, req.Pages[0].PageNumber)
	assert.Equal(t, 3, req.Pages[1].PageNumber)
	assert.True(t, strings.HasPrefix(req.Pages[0].Image, "data:image/png;base64,"))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Contains(t, f.GetSheetList(), "Summary")
}

func TestProcess_SelectionErrors(t *testing.T) {
	tr := &fakeTransport{}
	p := NewProcessor(nil, fakePages{pages: 4}, tr, nil, Config{})

	_, err := p.Process(context.Background(), "a.pdf", []byte("x"), Options{Include: "2,9"})
	var verr *selection.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, selection.CodePagesNotFound, verr.Code)

	_, err = p.Process(context.Background(), "a.pdf", []byte("x"), Options{Include: "1", Exclude: "2"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, selection.CodeInvalidExpression, verr.Code)

	assert.Empty(t, tr.reqs)
}

func TestProcess_ExcludeUsesDefaultModel(t *testing.T) {
	tr := &fakeTransport{body: events(labourPage(1), labourPage(4), `{"type":"complete"}`)}
	p := NewProcessor(nil, fakePages{pages: 4}, tr, nil, Config{})

	rep, err := p.Process(context.Background(), "a.pdf", []byte("x"), Options{Exclude: "2-3"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, rep.Selected)
	assert.Equal(t, llm.DefaultModel, rep.Model)
	assert.Empty(t, rep.Output)
}

func TestProcess_RequestFailure(t *testing.T) {
	tr := &fakeTransport{body: events(labourPage(1), `{"type":"error","error":"quota exceeded"}`)}
	p := NewProcessor(nil, fakePages{pages: 2}, tr, nil, Config{})

	out := filepath.Join(t.TempDir(), "partial.xlsx")
	rep, err := p.Process(context.Background(), "a.pdf", []byte("x"), Options{Out: out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, constants.StreamFailed, rep.State)
	assert.Equal(t, 1, rep.Result.ItemCount)
	assert.FileExists(t, out)
}

func TestProcess_CancelledContext(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	defer close(tr.block)
	p := NewProcessor(nil, fakePages{pages: 1}, tr, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	rep, err := p.Process(ctx, "a.pdf", []byte("x"), Options{OnUpdate: func(u extract.Update) {
		if u.Kind == extract.UpdateState && u.State == constants.StreamSubmitted {
			cancel()
		}
	}})
	assert.True(t, errors.Is(err, extract.ErrCancelled))
	assert.Equal(t, constants.StreamCancelled, rep.State)
}

func TestProcessFile_RejectsNonPDF(t *testing.T) {
	p := NewProcessor(nil, fakePages{}, &fakeTransport{}, nil, Config{})
	_, err := p.ProcessFile(context.Background(), "notes.txt", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a PDF")
}

func TestDefaultOutput(t *testing.T) {
	assert.Equal(t, "/tmp/inv-march-extraction.xlsx", DefaultOutput("/tmp/inv-march.pdf"))
}
