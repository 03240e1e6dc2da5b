package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-extractor/internal/async"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long an idle session is kept.
func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithQueue persists every finished run through q.
func WithQueue(q async.Queue) Option { return func(m *Manager) { m.queue = q } }

// WithHints overrides the prompt's per-category hints.
func WithHints(h *llm.Hints) Option { return func(m *Manager) { m.hints = h } }

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option { return func(m *Manager) { m.model = model } }

// WithRequestTimeout bounds each extraction request, stream included.
func WithRequestTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// Manager owns the live sessions.
type Manager struct {
	streamer  PageStreamer
	transport extract.Transport
	hints     *llm.Hints
	model     string
	timeout   time.Duration
	queue     async.Queue
	ttl       time.Duration
	log       *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewManager(streamer PageStreamer, transport extract.Transport, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		streamer:  streamer,
		transport: transport,
		ttl:       2 * time.Hour,
		log:       logger,
		sessions:  make(map[uuid.UUID]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens an empty session waiting for an upload.
func (m *Manager) Create() *Session {
	s := newSession(deps{
		streamer:     m.streamer,
		transport:    m.transport,
		hints:        m.hints,
		defaultModel: m.model,
		timeout:      m.timeout,
		onRun:        m.persist,
		log:          m.log,
	})
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Info("session.created", "session_id", s.ID.String())
	return s
}

func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, common.NotFoundErrorf("session %s not found", id)
	}
	return s, nil
}

// Delete closes and forgets a session.
func (m *Manager) Delete(id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return common.NotFoundErrorf("session %s not found", id)
	}
	s.Close()
	m.log.Info("session.deleted", "session_id", id.String())
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than the TTL. Sessions that are
// converting or extracting are never evicted.
func (m *Manager) Sweep(now time.Time) int {
	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		last, busy := s.idleSince()
		if busy || now.Sub(last) < m.ttl {
			continue
		}
		stale = append(stale, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		m.log.Info("session.sweep", "evicted", len(stale))
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now.UTC())
		}
	}
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) persist(run repository.Run) {
	if m.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job := async.Job{Run: &run, SubmittedAt: time.Now().UTC(), TraceID: run.ID.String()}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		m.log.Warn("run.enqueue_failed", "run_id", run.ID.String(), "session_id", run.SessionID.String(), "error", err)
	}
}
