package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
)

const defaultSubscriberBuffer = 64

// Controller drives one extraction request at a time and accumulates its
// page results. A Controller may be reused for a new request once the
// previous one is terminal.
type Controller struct {
	transport Transport
	log       *slog.Logger
	onFinish  func(constants.StreamState)
	subBuffer int

	mu         sync.Mutex
	generation int
	state      constants.StreamState
	message    string
	completed  int
	total      int
	requested  []int
	results    []consolidate.PageResult
	seen       map[int]struct{}
	err        error
	serviceSID string
	cancel     context.CancelFunc
	stream     *llm.Stream
	done       chan struct{}
	subs       map[int]chan Update
	nextSub    int
	retired    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnFinish registers fn to run once per request after it turns terminal.
func WithOnFinish(fn func(constants.StreamState)) Option {
	return func(c *Controller) { c.onFinish = fn }
}

// WithSubscriberBuffer sets the per-subscriber channel size.
func WithSubscriberBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.subBuffer = n
		}
	}
}

// NewController returns an idle controller.
func NewController(transport Transport, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		transport: transport,
		log:       logger,
		subBuffer: defaultSubscriberBuffer,
		state:     constants.StreamIdle,
		seen:      make(map[int]struct{}),
		subs:      make(map[int]chan Update),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var transitions = map[constants.StreamState][]constants.StreamState{
	constants.StreamIdle:      {constants.StreamSubmitted},
	constants.StreamSubmitted: {constants.StreamStreaming, constants.StreamFailed, constants.StreamCancelled},
	constants.StreamStreaming: {constants.StreamComplete, constants.StreamFailed, constants.StreamCancelled},
	constants.StreamComplete:  {constants.StreamSubmitted},
	constants.StreamFailed:    {constants.StreamSubmitted},
	constants.StreamCancelled: {constants.StreamSubmitted},
}

// CanTransition reports whether from -> to is a legal stream transition.
func CanTransition(from, to constants.StreamState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition must be called with c.mu held.
func (c *Controller) transition(to constants.StreamState) error {
	if !CanTransition(c.state, to) {
		c.log.Error("extract.illegal_transition", "from", c.state, "to", to)
		return common.NewAppError(common.CodeIllegalTransition,
			fmt.Sprintf("illegal stream transition %s -> %s", c.state, to), common.ErrConflict)
	}
	c.log.Debug("extract.transition", "from", c.state, "to", to)
	c.state = to
	c.broadcast(Update{Kind: UpdateState, State: to, Error: c.errText()})
	if to.IsTerminal() {
		if c.cancel != nil {
			c.cancel()
		}
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
	}
	return nil
}

// Start submits req and begins consuming its stream in the background.
// ctx bounds the whole request, not just the submission.
func (c *Controller) Start(ctx context.Context, req llm.Request) error {
	if len(req.Pages) == 0 {
		return common.ValidationErrorf("no pages to extract")
	}
	pages := make([]int, 0, len(req.Pages))
	for _, p := range req.Pages {
		pages = append(pages, p.PageNumber)
	}
	sort.Ints(pages)

	c.mu.Lock()
	if c.state == constants.StreamSubmitted || c.state == constants.StreamStreaming {
		c.mu.Unlock()
		return common.ConflictErrorf("an extraction is already in progress")
	}

	c.generation++
	gen := c.generation
	c.message, c.completed, c.total = "", 0, len(pages)
	c.requested = pages
	c.results = nil
	c.seen = make(map[int]struct{}, len(pages))
	c.err = nil
	c.serviceSID = ""
	c.stream = nil
	if err := c.transition(constants.StreamSubmitted); err != nil {
		c.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.log.Info("extract.submit", "pages", pagerange.Format(pages), "model", req.Model)
	go c.run(runCtx, gen, req, done)
	return nil
}

func (c *Controller) run(ctx context.Context, gen int, req llm.Request, done chan struct{}) {
	defer close(done)

	stream, err := c.transport.Submit(ctx, req)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state != constants.StreamSubmitted {
		c.mu.Unlock()
		_ = stream.Close()
		return
	}
	c.stream = stream
	_ = c.transition(constants.StreamStreaming)
	c.mu.Unlock()
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.endOfStream(gen)
			} else {
				c.fail(gen, &llm.StreamError{Message: "stream interrupted: " + err.Error(), Cause: err})
			}
			return
		}
		if !c.handle(gen, ev) {
			return
		}
	}
}

// handle applies one event. It returns false once the request is terminal
// or no longer current.
func (c *Controller) handle(gen int, ev llm.Event) bool {
	c.mu.Lock()
	if gen != c.generation || c.state != constants.StreamStreaming {
		c.mu.Unlock()
		c.log.Debug("extract.event_dropped", "type", ev.Type, "page", ev.PageNumber)
		return false
	}

	switch ev.Type {
	case llm.EventStatus:
		c.message = ev.Message
		if ev.SessionID != "" {
			c.serviceSID = ev.SessionID
		}
		c.broadcast(Update{Kind: UpdateStatus, State: c.state, Message: ev.Message})
		c.mu.Unlock()
		return true

	case llm.EventProgress:
		c.completed = ev.Completed
		if ev.Total > 0 {
			c.total = ev.Total
		}
		c.broadcast(Update{Kind: UpdateProgress, State: c.state, Completed: c.completed, Total: c.total})
		c.mu.Unlock()
		return true

	case llm.EventPageComplete:
		c.addPage(llm.PageData{
			PageNumber: ev.PageNumber,
			Data:       ev.PageData,
			RawOutput:  ev.RawOutput,
			Error:      ev.Error,
		})
		c.mu.Unlock()
		return true

	case llm.EventComplete:
		if pd, ok := ev.SinglePage(); ok {
			c.addPage(pd)
		}
		for _, pd := range ev.AllPagesData {
			c.addPage(pd)
		}
		if len(c.results) == 0 && len(ev.CollectedResult) > 0 {
			c.addCollected(ev.CollectedResult)
		}
		c.completed = len(c.results)
		_ = c.transition(constants.StreamComplete)
		count := len(c.results)
		c.mu.Unlock()
		c.log.Info("extract.complete", "pages", count)
		c.finish(constants.StreamComplete)
		return false

	case llm.EventError:
		c.err = &llm.StreamError{Message: ev.Error}
		_ = c.transition(constants.StreamFailed)
		c.mu.Unlock()
		c.log.Warn("extract.failed", "error", ev.Error)
		c.finish(constants.StreamFailed)
		return false
	}

	c.mu.Unlock()
	return true
}

// addPage records the first result seen for a page. Must hold c.mu.
func (c *Controller) addPage(pd llm.PageData) {
	if pd.PageNumber < 1 {
		c.log.Warn("extract.page_without_number")
		return
	}
	if _, dup := c.seen[pd.PageNumber]; dup {
		c.log.Debug("extract.page_duplicate", "page", pd.PageNumber)
		return
	}
	if !c.isRequested(pd.PageNumber) {
		c.log.Warn("extract.page_unrequested", "page", pd.PageNumber)
	}

	c.addResult(toPageResult(pd))
}

// addCollected falls back to the service's consolidated result when no page
// data arrived. Must hold c.mu.
func (c *Controller) addCollected(raw json.RawMessage) {
	fallback := 1
	if len(c.requested) > 0 {
		fallback = c.requested[0]
	}
	results, err := consolidate.ParseCollected(raw, fallback)
	if err != nil {
		c.log.Warn("extract.collected_unreadable", "error", err)
		return
	}
	for _, res := range results {
		if _, dup := c.seen[res.PageNumber]; dup {
			continue
		}
		c.addResult(res)
	}
	c.log.Info("extract.collected_fallback", "pages", len(results))
}

// addResult appends res and notifies subscribers. Must hold c.mu.
func (c *Controller) addResult(res consolidate.PageResult) {
	c.seen[res.PageNumber] = struct{}{}
	c.results = append(c.results, res)
	if res.Failed() {
		c.log.Warn("extract.page_failed", "page", res.PageNumber, "error", res.Error)
	}
	page := res
	c.broadcast(Update{Kind: UpdatePage, State: c.state, Page: &page})
}

func (c *Controller) isRequested(page int) bool {
	i := sort.SearchInts(c.requested, page)
	return i < len(c.requested) && c.requested[i] == page
}

func toPageResult(pd llm.PageData) consolidate.PageResult {
	res := consolidate.PageResult{PageNumber: pd.PageNumber}
	if pd.Error != "" {
		res.Error = pd.Error
		return res
	}
	raw := pd.RawOutput
	if len(raw) == 0 {
		raw = pd.Data
	}
	frags, err := consolidate.ParseFragments(raw)
	if err != nil {
		res.Error = fmt.Sprintf("unreadable extraction output: %v", err)
		return res
	}
	res.Fragments = frags
	return res
}

// endOfStream handles a stream that closed without a terminal event.
func (c *Controller) endOfStream(gen int) {
	c.mu.Lock()
	if gen != c.generation || c.state != constants.StreamStreaming {
		c.mu.Unlock()
		return
	}
	var missing []int
	for _, p := range c.requested {
		if _, ok := c.seen[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		_ = c.transition(constants.StreamComplete)
		c.mu.Unlock()
		c.log.Info("extract.complete", "pages", len(c.requested), "terminal_event", false)
		c.finish(constants.StreamComplete)
		return
	}
	c.err = &llm.StreamError{Message: "extraction stream ended before pages " + pagerange.Join(missing) + " completed"}
	_ = c.transition(constants.StreamFailed)
	c.mu.Unlock()
	c.log.Warn("extract.failed", "missing", pagerange.Format(missing))
	c.finish(constants.StreamFailed)
}

func (c *Controller) fail(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation || c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.err = err
	_ = c.transition(constants.StreamFailed)
	c.mu.Unlock()
	c.log.Warn("extract.failed", "error", err)
	c.finish(constants.StreamFailed)
}

// Cancel aborts the in-flight request. Already accumulated pages are kept.
// Cancel is a no-op when nothing is in flight.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state != constants.StreamSubmitted && c.state != constants.StreamStreaming {
		c.mu.Unlock()
		return
	}
	c.err = ErrCancelled
	_ = c.transition(constants.StreamCancelled)
	if c.stream != nil {
		_ = c.stream.Close()
	}
	kept := len(c.results)
	c.mu.Unlock()
	c.log.Info("extract.cancelled", "pages_kept", kept)
	c.finish(constants.StreamCancelled)
}

// finish runs after a terminal transition, without c.mu held.
func (c *Controller) finish(state constants.StreamState) {
	if c.onFinish != nil {
		c.onFinish(state)
	}
}

// Wait blocks until the current request has stopped consuming its stream.
func (c *Controller) Wait(ctx context.Context) (constants.StreamState, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.State(), ctx.Err()
		}
	}
	return c.State(), nil
}

// State returns the current stream state.
func (c *Controller) State() constants.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error: a *llm.StreamError after FAILED,
// ErrCancelled after CANCELLED, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Results returns a copy of the accumulated page results in arrival order.
func (c *Controller) Results() []consolidate.PageResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]consolidate.PageResult(nil), c.results...)
}

// Snapshot returns the controller's full observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		State:            c.state,
		Message:          c.message,
		Completed:        c.completed,
		Total:            c.total,
		Requested:        append([]int(nil), c.requested...),
		Results:          append([]consolidate.PageResult(nil), c.results...),
		Error:            c.errText(),
		ServiceSessionID: c.serviceSID,
	}
}

// Subscribe registers for updates. The returned snapshot is taken
// atomically with registration. The channel is closed when the request
// turns terminal, on Retire, or when unsubscribe is called; callers that see a terminal
// snapshot should unsubscribe rather than wait for updates.
func (c *Controller) Subscribe() (<-chan Update, Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		ch := make(chan Update)
		close(ch)
		return ch, c.snapshot(), func() {}
	}
	id := c.nextSub
	c.nextSub++
	ch := make(chan Update, c.subBuffer)
	c.subs[id] = ch
	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
	return ch, c.snapshot(), unsubscribe
}

// Retire closes every subscriber channel and turns later subscriptions into
// closed channels. Used once the controller no longer backs the document.
func (c *Controller) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// broadcast must be called with c.mu held. Slow subscribers miss updates
// rather than stall the stream.
func (c *Controller) broadcast(u Update) {
	for id, ch := range c.subs {
		select {
		case ch <- u:
		default:
			c.log.Warn("extract.subscriber_lagging", "subscriber", id, "kind", u.Kind)
		}
	}
}

// errText is the operator-facing error; cancellation shows none.
func (c *Controller) errText() string {
	if c.err == nil || errors.Is(c.err, ErrCancelled) {
		return ""
	}
	return c.err.Error()
}
