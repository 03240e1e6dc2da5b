package session

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/async"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
	"github.com/joseph-ayodele/invoice-extractor/internal/selection"
)

// fakeStreamer emits one page per batch. When gate is set, pages after the
// first wait for it to close.
type fakeStreamer struct {
	pages  int
	failed map[int]bool
	gate   chan struct{}
	err    error
}

func (f *fakeStreamer) Stream(ctx context.Context, _ []byte) (<-chan raster.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	total := f.pages
	out := make(chan raster.Batch)
	go func() {
		defer close(out)
		for n := 1; n <= total; n++ {
			if f.gate != nil && n > 1 {
				select {
				case <-f.gate:
				case <-ctx.Done():
					return
				}
			}
			page := raster.PageImage{PageNumber: n, MIMEType: "image/png", Data: []byte{byte(n)}}
			if f.failed[n] {
				page.Data = nil
				page.ConversionError = "render failed"
			}
			b := raster.Batch{Pages: []raster.PageImage{page}, Processed: n, Total: total, Done: n == total}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
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

func (f *fakeTransport) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []async.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job async.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Shutdown(context.Context) {}

func (q *fakeQueue) all() []async.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]async.Job(nil), q.jobs...)
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

func waitPhase(t *testing.T, s *Session, want constants.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Phase() == want }, 2*time.Second, 5*time.Millisecond,
		"phase stayed %s, want %s", s.Phase(), want)
}

func waitDone(t *testing.T, s *Session) constants.Phase {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	phase, err := s.Wait(ctx)
	require.NoError(t, err)
	return phase
}

func TestSession_FailedPageIsExcludedFromSubmission(t *testing.T) {
	tr := &fakeTransport{body: events(labourPage(1), labourPage(2), `{"type":"complete"}`)}
	q := &fakeQueue{}
	m := NewManager(&fakeStreamer{pages: 3, failed: map[int]bool{3: true}}, tr, nil, WithQueue(q))
	s := m.Create()

	require.NoError(t, s.Upload("invoice-7.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	view := s.View()
	require.Len(t, view.Pages, 3)
	assert.Equal(t, "render failed", view.Pages[2].ConversionError)
	assert.Equal(t, []int{1, 2}, view.Selection.WillProcess)
	assert.Equal(t, []int{3}, view.Selection.Failed)

	require.NoError(t, s.Extract(ExtractOptions{}))
	assert.Equal(t, constants.PhaseComplete, waitDone(t, s))

	req := tr.last()
	require.Len(t, req.Pages, 2)
	assert.Equal(t, 1, req.Pages[0].PageNumber)
	assert.Equal(t, 2, req.Pages[1].PageNumber)
	assert.Equal(t, "data:image/png;base64,AQ==", req.Pages[0].Image)
	assert.Equal(t, llm.DefaultModel, req.Model)
	assert.NotEmpty(t, req.Prompt)

	res := s.Result()
	assert.Equal(t, 2, res.ItemCount)
	assert.Equal(t, "20", res.GrandTotal.String())
	assert.Equal(t, "invoice-7.pdf", res.DocumentName)

	jobs := q.all()
	require.Len(t, jobs, 1)
	run := jobs[0].Run
	assert.Equal(t, s.ID, run.SessionID)
	assert.Equal(t, constants.StreamComplete, run.State)
	assert.Equal(t, []int{1, 2}, run.Pages)
	assert.Equal(t, 2, run.ItemCount)
	assert.Equal(t, "invoice-7.pdf", run.DocumentName)
	assert.NotEmpty(t, run.Result)
}

func TestSession_ExtractWaitsForConversion(t *testing.T) {
	gate := make(chan struct{})
	s := NewManager(&fakeStreamer{pages: 2, gate: gate}, &fakeTransport{}, nil).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))

	err := s.Extract(ExtractOptions{})
	var verr *selection.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, selection.CodeStillConverting, verr.Code)
	assert.Equal(t, constants.PhaseConverting, s.Phase())

	sum, err := s.SetSelection(constants.ModeInclude, "1")
	require.NoError(t, err)
	assert.False(t, sum.AllConverted)

	close(gate)
	waitPhase(t, s, constants.PhaseSelecting)
	assert.Equal(t, []int{1}, s.View().Selection.WillProcess)
}

func TestSession_UploadDiscardsPreviousDocument(t *testing.T) {
	streamer := &fakeStreamer{pages: 3}
	tr := &fakeTransport{body: events(labourPage(2), `{"type":"complete"}`)}
	s := NewManager(streamer, tr, nil).Create()

	require.NoError(t, s.Upload("first.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)
	_, err := s.SetSelection(constants.ModeInclude, "2")
	require.NoError(t, err)
	require.NoError(t, s.Extract(ExtractOptions{}))
	require.Equal(t, constants.PhaseComplete, waitDone(t, s))
	require.Equal(t, 1, s.Result().ItemCount)

	streamer.pages = 2
	require.NoError(t, s.Upload("second.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	view := s.View()
	assert.Equal(t, "second.pdf", view.DocumentName)
	assert.Len(t, view.Pages, 2)
	assert.Equal(t, constants.ModeAll, view.Selection.Mode)
	assert.Equal(t, []int{1, 2}, view.Selection.WillProcess)
	assert.Equal(t, constants.StreamIdle, view.Extraction.State)
	assert.Zero(t, s.Result().ItemCount)
}

func TestSession_CancelRecordsCancelledRun(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	q := &fakeQueue{}
	s := NewManager(&fakeStreamer{pages: 1}, tr, nil, WithQueue(q)).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	require.NoError(t, s.Extract(ExtractOptions{Model: "gemini-2.5-pro"}))
	assert.Equal(t, constants.PhaseExtracting, s.Phase())

	err := s.Upload("b.pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict))

	_, err = s.SetSelection(constants.ModeInclude, "1")
	assert.True(t, errors.Is(err, common.ErrConflict))

	s.Cancel()
	assert.Equal(t, constants.PhaseCancelled, s.Phase())
	assert.Equal(t, constants.PhaseCancelled, waitDone(t, s))
	assert.Empty(t, s.View().Error)

	jobs := q.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, constants.StreamCancelled, jobs[0].Run.State)
	assert.Equal(t, "gemini-2.5-pro", jobs[0].Run.Model)

	s.Cancel()
	assert.Equal(t, constants.PhaseCancelled, s.Phase())
}

func TestSession_CancelBeforeControllerStarts(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	q := &fakeQueue{}
	s := NewManager(&fakeStreamer{pages: 1}, tr, nil, WithQueue(q)).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	s.beforeStart = func() {
		assert.Equal(t, constants.PhaseExtracting, s.Phase())
		s.Cancel()
		assert.Equal(t, constants.PhaseExtracting, s.Phase(), "cancel waits for the controller")
	}
	require.NoError(t, s.Extract(ExtractOptions{}))

	assert.Equal(t, constants.PhaseCancelled, waitDone(t, s))
	assert.Equal(t, constants.StreamCancelled, s.View().Extraction.State)

	jobs := q.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, constants.StreamCancelled, jobs[0].Run.State)

	s.beforeStart = nil
	tr.mu.Lock()
	tr.block = nil
	tr.body = events(labourPage(1), `{"type":"complete"}`)
	tr.mu.Unlock()
	require.NoError(t, s.Extract(ExtractOptions{}))
	assert.Equal(t, constants.PhaseComplete, waitDone(t, s), "queued cancel does not leak into the next run")
}

func TestSession_ReExtractAfterFailure(t *testing.T) {
	tr := &fakeTransport{body: events(`{"type":"error","error":"quota exceeded"}`)}
	s := NewManager(&fakeStreamer{pages: 1}, tr, nil, WithDefaultModel("gemini-2.5-flash")).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	require.NoError(t, s.Extract(ExtractOptions{}))
	assert.Equal(t, constants.PhaseFailed, waitDone(t, s))
	assert.Contains(t, s.View().Error, "quota exceeded")
	assert.Equal(t, "gemini-2.5-flash", tr.last().Model)

	tr.mu.Lock()
	tr.body = events(labourPage(1), `{"type":"complete"}`)
	tr.mu.Unlock()

	require.NoError(t, s.Extract(ExtractOptions{Fresh: true, CustomRules: []string{"Ignore freight lines"}}))
	assert.Equal(t, constants.PhaseComplete, waitDone(t, s))
	assert.Contains(t, tr.last().Prompt, "Ignore freight lines")
	assert.Empty(t, s.View().Error)
}

func TestSession_OpenFailure(t *testing.T) {
	s := NewManager(&fakeStreamer{err: errors.New("not a pdf")}, &fakeTransport{}, nil).Create()

	err := s.Upload("broken.pdf", []byte("junk"))
	require.Error(t, err)
	assert.Equal(t, common.CodePageConversion, common.ErrorCode(err))
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
	assert.Equal(t, constants.PhaseFailed, s.Phase())
	assert.Contains(t, s.View().Error, "not a pdf")

	_, err = s.SetSelection(constants.ModeAll, "")
	assert.True(t, errors.Is(err, common.ErrConflict))
}

func TestSession_SelectionBeforeUpload(t *testing.T) {
	s := NewManager(&fakeStreamer{pages: 1}, &fakeTransport{}, nil).Create()
	_, err := s.SetSelection(constants.ModeInclude, "1")
	assert.True(t, errors.Is(err, common.ErrConflict))
	assert.True(t, errors.Is(s.Extract(ExtractOptions{}), common.ErrConflict))
}

func TestSession_InvalidExpressionKeepsPreviousSelection(t *testing.T) {
	s := NewManager(&fakeStreamer{pages: 4}, &fakeTransport{}, nil).Create()
	require.NoError(t, s.Upload("", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)
	assert.Equal(t, constants.DefaultDocumentName, s.DocumentName())

	_, err := s.SetSelection(constants.ModeExclude, "2-3")
	require.NoError(t, err)

	sum, err := s.SetSelection(constants.ModeExclude, "3-")
	var verr *selection.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []int{1, 4}, sum.WillProcess)
}

func TestSession_Page(t *testing.T) {
	s := NewManager(&fakeStreamer{pages: 2, failed: map[int]bool{2: true}}, &fakeTransport{}, nil).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	p, err := s.Page(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, p.Data)

	_, err = s.Page(2)
	assert.Equal(t, common.CodePageConversion, common.ErrorCode(err))

	_, err = s.Page(9)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to constants.Phase
		want     bool
	}{
		{constants.PhaseUpload, constants.PhaseConverting, true},
		{constants.PhaseUpload, constants.PhaseExtracting, false},
		{constants.PhaseConverting, constants.PhaseSelecting, true},
		{constants.PhaseConverting, constants.PhaseExtracting, false},
		{constants.PhaseSelecting, constants.PhaseExtracting, true},
		{constants.PhaseExtracting, constants.PhaseConverting, false},
		{constants.PhaseExtracting, constants.PhaseCancelled, true},
		{constants.PhaseComplete, constants.PhaseConverting, true},
		{constants.PhaseCancelled, constants.PhaseSelecting, true},
		{constants.PhaseComplete, constants.PhaseExtracting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSession_RequestTimeoutFailsExtraction(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	s := NewManager(&fakeStreamer{pages: 1}, tr, nil, WithRequestTimeout(20*time.Millisecond)).Create()
	require.NoError(t, s.Upload("a.pdf", []byte("%PDF")))
	waitPhase(t, s, constants.PhaseSelecting)

	require.NoError(t, s.Extract(ExtractOptions{}))
	assert.Equal(t, constants.PhaseFailed, waitDone(t, s))
	assert.Contains(t, s.View().Error, "deadline exceeded")
}
