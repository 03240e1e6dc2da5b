package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
	"github.com/joseph-ayodele/invoice-extractor/internal/selection"
)

// PageStreamer rasterizes a PDF into batches of pages.
type PageStreamer interface {
	Stream(ctx context.Context, pdf []byte) (<-chan raster.Batch, error)
}

// ExtractOptions configures one extraction request.
type ExtractOptions struct {
	Model       string
	Fresh       bool
	CustomRules []string
}

// PageView describes one page without its image bytes.
type PageView struct {
	PageNumber      int    `json:"pageNumber"`
	Converted       bool   `json:"converted"`
	ConversionError string `json:"conversionError,omitempty"`
}

// View is the operator-facing state of a session.
type View struct {
	ID           uuid.UUID         `json:"id"`
	Phase        constants.Phase   `json:"phase"`
	DocumentName string            `json:"documentName,omitempty"`
	Pages        []PageView        `json:"pages"`
	Processed    int               `json:"processed"`
	Total        int               `json:"total"`
	Selection    selection.Summary `json:"selection"`
	Extraction   extract.Snapshot  `json:"extraction"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type deps struct {
	streamer     PageStreamer
	transport    extract.Transport
	hints        *llm.Hints
	defaultModel string
	timeout      time.Duration
	onRun        func(repository.Run)
	log          *slog.Logger
}

// Session owns one document at a time: its rasterized pages, the page
// selection and the extraction controller. Uploading a new document
// discards everything accumulated for the previous one.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time

	deps
	base   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	phase        constants.Phase
	documentName string
	pages        []raster.PageImage
	processed    int
	total        int
	lastErr      string
	engine       *selection.Engine
	ctrl         *extract.Controller
	upload       int
	stopRaster   context.CancelFunc
	stopRequest  context.CancelFunc
	starting     bool // extracting, controller not started yet
	cancelQueued bool // Cancel arrived while starting
	beforeStart  func()
	model        string
	startedAt    time.Time
	updatedAt    time.Time
}

func newSession(d deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.New(),
		CreatedAt: now,
		deps:      d,
		base:      ctx,
		cancel:    cancel,
		phase:     constants.PhaseUpload,
		engine:    selection.NewEngine(),
		updatedAt: now,
	}
	s.log = d.log.With("session_id", s.ID.String())
	s.ctrl = s.newController(0)
	return s
}

func (s *Session) newController(upload int) *extract.Controller {
	return extract.NewController(s.transport, s.log, extract.WithOnFinish(func(state constants.StreamState) {
		s.extractionFinished(upload, state)
	}))
}

// transition must be called with s.mu held.
func (s *Session) transition(to constants.Phase) error {
	if !CanTransition(s.phase, to) {
		s.log.Error("session.illegal_transition", "from", s.phase, "to", to)
		return common.ConflictErrorf("cannot move from %s to %s", s.phase, to)
	}
	s.log.Debug("session.transition", "from", s.phase, "to", to)
	s.phase = to
	s.updatedAt = time.Now().UTC()
	return nil
}

// Upload replaces the session's document and starts rasterizing it. The
// previous document's pages, selection and results are discarded before the
// first new page is accepted.
func (s *Session) Upload(name string, pdf []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = constants.DefaultDocumentName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == constants.PhaseExtracting {
		return common.ConflictErrorf("cancel the running extraction before uploading a new document")
	}
	if err := s.transition(constants.PhaseConverting); err != nil {
		return err
	}

	if s.stopRaster != nil {
		s.stopRaster()
		s.stopRaster = nil
	}
	s.upload++
	s.documentName = name
	s.pages = nil
	s.processed, s.total = 0, 0
	s.lastErr = ""
	s.engine.Reset()
	s.ctrl.Retire()
	s.ctrl = s.newController(s.upload)
	s.model = ""

	ctx, stop := context.WithCancel(s.base)
	batches, err := s.streamer.Stream(ctx, pdf)
	if err != nil {
		stop()
		s.lastErr = err.Error()
		_ = s.transition(constants.PhaseFailed)
		s.log.Warn("session.upload.failed", "document", name, "error", err)
		return common.NewAppError(common.CodePageConversion, "could not open "+name, errors.Join(common.ErrInvalidInput, err))
	}
	s.stopRaster = stop

	s.log.Info("session.upload.ok", "document", name, "bytes", len(pdf))
	go s.consume(s.upload, batches)
	return nil
}

func (s *Session) consume(upload int, batches <-chan raster.Batch) {
	done := false
	for b := range batches {
		s.mu.Lock()
		if upload != s.upload {
			s.mu.Unlock()
			continue
		}
		for _, p := range b.Pages {
			s.pages = append(s.pages, p)
			s.engine.AddPage(p.PageNumber, p.Converted())
		}
		s.processed, s.total = b.Processed, b.Total
		s.updatedAt = time.Now().UTC()
		if b.Done {
			done = true
			s.engine.MarkConverted()
			_ = s.transition(constants.PhaseSelecting)
			failed := len(s.engine.Summary().Failed)
			s.log.Info("session.convert.ok", "pages", s.total, "failed", failed)
		}
		s.mu.Unlock()
	}

	if done {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if upload == s.upload && s.phase == constants.PhaseConverting {
		s.lastErr = "page conversion was interrupted"
		_ = s.transition(constants.PhaseFailed)
		s.log.Warn("session.convert.interrupted", "processed", s.processed, "total", s.total)
	}
}

// SetSelection applies a selection mode and range expression. An invalid
// expression is returned as a *selection.ValidationError and leaves the
// previous resolved pages in place.
func (s *Session) SetSelection(mode constants.SelectionMode, expression string) (selection.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case constants.PhaseUpload:
		return selection.Summary{}, common.ConflictErrorf("upload a document first")
	case constants.PhaseExtracting:
		return s.engine.Summary(), common.ConflictErrorf("selection cannot change while extraction is running")
	}
	if s.phase.IsTerminal() {
		if !s.engine.AllConverted() {
			return s.engine.Summary(), common.ConflictErrorf("the document could not be converted; upload it again")
		}
		if err := s.transition(constants.PhaseSelecting); err != nil {
			return s.engine.Summary(), err
		}
	}

	if mode != s.engine.Mode() {
		if err := s.engine.SetMode(mode); err != nil {
			return s.engine.Summary(), err
		}
	}
	var err error
	if mode != constants.ModeAll {
		err = s.engine.SetExpression(expression)
	}
	s.updatedAt = time.Now().UTC()
	return s.engine.Summary(), err
}

// Extract submits the selected pages. It is only reachable once every page
// has been rasterized.
func (s *Session) Extract(opts ExtractOptions) error {
	s.mu.Lock()
	if s.phase.IsTerminal() && s.engine.AllConverted() {
		_ = s.transition(constants.PhaseSelecting)
	}
	if s.phase != constants.PhaseSelecting {
		phase := s.phase
		s.mu.Unlock()
		if phase == constants.PhaseConverting {
			return &selection.ValidationError{Code: selection.CodeStillConverting, Message: "pages are still converting; wait for conversion to finish"}
		}
		return common.ConflictErrorf("extraction cannot start while the session is %s", phase)
	}
	pages, err := s.engine.ForSubmission()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	byNumber := make(map[int]raster.PageImage, len(s.pages))
	for _, p := range s.pages {
		byNumber[p.PageNumber] = p
	}
	model := opts.Model
	if model == "" {
		model = s.defaultModel
	}
	if model == "" {
		model = llm.DefaultModel
	}
	req := llm.Request{
		Model: model,
		Prompt: llm.BuildPrompt(llm.PromptOptions{
			Fresh:       opts.Fresh,
			CustomRules: opts.CustomRules,
			Hints:       s.hints,
		}),
	}
	for _, n := range pages {
		req.Pages = append(req.Pages, llm.Page{PageNumber: n, Image: byNumber[n].DataURL()})
	}

	if err := s.transition(constants.PhaseExtracting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.model = model
	s.startedAt = time.Now().UTC()
	s.lastErr = ""
	ctx, stop := s.base, context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, stop = context.WithTimeout(s.base, s.timeout)
	}
	s.stopRequest = stop
	s.starting, s.cancelQueued = true, false
	ctrl := s.ctrl
	s.mu.Unlock()

	if s.beforeStart != nil {
		s.beforeStart()
	}
	err = ctrl.Start(ctx, req)

	s.mu.Lock()
	cancelled := s.cancelQueued
	s.starting, s.cancelQueued = false, false
	if err != nil {
		_ = s.transition(constants.PhaseSelecting)
	}
	s.mu.Unlock()
	if err != nil {
		stop()
		return err
	}
	s.log.Info("session.extract.started", "pages", len(pages), "model", model)
	if cancelled {
		ctrl.Cancel()
	}
	return nil
}

func (s *Session) extractionFinished(upload int, state constants.StreamState) {
	s.mu.Lock()
	if upload != s.upload || s.phase != constants.PhaseExtracting {
		s.mu.Unlock()
		return
	}
	if err := s.ctrl.Err(); err != nil && !errors.Is(err, extract.ErrCancelled) {
		s.lastErr = err.Error()
	}
	_ = s.transition(phaseFor(state))
	run := s.runRecord(state)
	if s.stopRequest != nil {
		s.stopRequest()
		s.stopRequest = nil
	}
	s.mu.Unlock()

	s.log.Info("session.extract.finished", "state", state, "items", run.ItemCount, "warnings", run.WarningCount)
	if s.onRun != nil {
		s.onRun(run)
	}
}

// runRecord must be called with s.mu held.
func (s *Session) runRecord(state constants.StreamState) repository.Run {
	snap := s.ctrl.Snapshot()
	res := consolidate.Consolidate(snap.Results, s.documentName)
	payload, err := json.Marshal(res)
	if err != nil {
		s.log.Error("session.result.encode_failed", "error", err)
	}
	return repository.Run{
		ID:               uuid.New(),
		SessionID:        s.ID,
		DocumentName:     s.documentName,
		Model:            s.model,
		State:            state,
		Pages:            snap.Requested,
		ServiceSessionID: snap.ServiceSessionID,
		ItemCount:        res.ItemCount,
		GrandTotal:       res.GrandTotal,
		WarningCount:     len(res.Warnings),
		Error:            snap.Error,
		Result:           payload,
		StartedAt:        s.startedAt,
		FinishedAt:       time.Now().UTC(),
	}
}

// Cancel aborts a running extraction. It is a no-op in any other phase.
func (s *Session) Cancel() {
	s.mu.Lock()
	ctrl := s.ctrl
	extracting := s.phase == constants.PhaseExtracting
	if extracting && s.starting {
		// Extract cancels once the controller has started
		s.cancelQueued = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if extracting {
		ctrl.Cancel()
	}
}

// Wait blocks until the current extraction request has stopped.
func (s *Session) Wait(ctx context.Context) (constants.Phase, error) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if _, err := ctrl.Wait(ctx); err != nil {
		return s.Phase(), err
	}
	return s.Phase(), nil
}

// Subscribe relays the current extraction request's updates.
func (s *Session) Subscribe() (<-chan extract.Update, extract.Snapshot, func()) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	return ctrl.Subscribe()
}

// Result consolidates whatever pages have been extracted so far.
func (s *Session) Result() consolidate.Result {
	s.mu.Lock()
	ctrl, name := s.ctrl, s.documentName
	s.mu.Unlock()
	return consolidate.Consolidate(ctrl.Results(), name)
}

// Page returns one rasterized page.
func (s *Session) Page(n int) (raster.PageImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pages {
		if p.PageNumber == n {
			if !p.Converted() {
				return p, common.NewAppError(common.CodePageConversion,
					fmt.Sprintf("page %d failed to convert: %s", n, p.ConversionError), common.ErrNotFound)
			}
			return p, nil
		}
	}
	return raster.PageImage{}, common.NotFoundErrorf("page %d not found", n)
}

func (s *Session) Phase() constants.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) DocumentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentName
}

// View returns a snapshot for display.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]PageView, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, PageView{PageNumber: p.PageNumber, Converted: p.Converted(), ConversionError: p.ConversionError})
	}
	snap := s.ctrl.Snapshot()
	return View{
		ID:           s.ID,
		Phase:        s.phase,
		DocumentName: s.documentName,
		Pages:        pages,
		Processed:    s.processed,
		Total:        s.total,
		Selection:    s.engine.Summary(),
		Extraction:   snap,
		Error:        s.lastErr,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.updatedAt,
	}
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := s.phase == constants.PhaseConverting || s.phase == constants.PhaseExtracting
	return s.updatedAt, busy
}

// Close stops rasterization and any running extraction.
func (s *Session) Close() {
	s.Cancel()
	s.mu.Lock()
	if s.stopRaster != nil {
		s.stopRaster()
		s.stopRaster = nil
	}
	s.ctrl.Retire()
	s.mu.Unlock()
	s.cancel()
}
