package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/extract"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
)

const keepAliveInterval = 15 * time.Second

// snapshotEvent opens every event stream so a late subscriber starts from
// the accumulated state.
type snapshotEvent struct {
	Kind     string           `json:"kind"`
	Snapshot extract.Snapshot `json:"snapshot"`
}

// streamEvents relays controller updates to the browser using the same
// "data: " framing the extraction service uses. The stream ends after the
// request reaches a terminal state, or once a new upload or a delete retires
// the controller it was attached to.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, common.NewAppError(common.CodeInternal, "streaming unsupported", common.ErrInternal))
		return
	}
	logger := common.LoggerFromContext(r.Context(), s.logger)

	updates, snap, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			logger.Error("events.encode_failed", "error", err)
			return false
		}
		if err := llm.WriteEvent(w, payload); err != nil {
			logger.Debug("events.client_gone", "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(snapshotEvent{Kind: "snapshot", Snapshot: snap}) || snap.State.IsTerminal() {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				logger.Debug("events.detached")
				return
			}
			if !send(u) {
				return
			}
			if u.Kind == extract.UpdateState && u.State.IsTerminal() {
				return
			}
		}
	}
}
