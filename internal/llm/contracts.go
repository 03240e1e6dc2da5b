package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
)

// EventType is the "type" of a streamed extraction event.
type EventType string

const (
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventPageComplete EventType = "page_complete"
	EventComplete     EventType = "complete" // terminal success
	EventError        EventType = "error"    // terminal failure

	// eventAnalysisProgress is the name some service versions use for progress.
	eventAnalysisProgress EventType = "analysis_progress"
)

// IsTerminal reports whether no further events follow.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError
}

// PageData is one page as reported inside a complete event.
type PageData struct {
	PageNumber int             `json:"pageNumber"`
	Data       json.RawMessage `json:"data,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Event is a decoded stream event. Progress counters are normalised from
// either completed/total or currentPage/totalPages.
type Event struct {
	Type            EventType       `json:"type"`
	Message         string          `json:"message,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	Completed       int             `json:"completed,omitempty"`
	Total           int             `json:"total,omitempty"`
	PageNumber      int             `json:"pageNumber,omitempty"`
	PageData        json.RawMessage `json:"pageData,omitempty"`
	RawOutput       json.RawMessage `json:"rawOutput,omitempty"`
	Error           string          `json:"error,omitempty"`
	CollectedResult json.RawMessage `json:"collectedResult,omitempty"`
	AllPagesData    []PageData      `json:"allPagesData,omitempty"`
}

type wireEvent struct {
	Type            EventType       `json:"type"`
	Message         string          `json:"message"`
	SessionID       string          `json:"sessionId"`
	Completed       *int            `json:"completed"`
	Total           *int            `json:"total"`
	CurrentPage     *int            `json:"currentPage"`
	TotalPages      *int            `json:"totalPages"`
	PageNumber      int             `json:"pageNumber"`
	PageData        json.RawMessage `json:"pageData"`
	RawOutput       json.RawMessage `json:"rawOutput"`
	Error           json.RawMessage `json:"error"`
	CollectedResult json.RawMessage `json:"collectedResult"`
	AllPagesData    []PageData      `json:"allPagesData"`
}

// DecodeEvent parses one data payload.
func DecodeEvent(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	ev := Event{
		Type:            w.Type,
		Message:         w.Message,
		SessionID:       w.SessionID,
		PageNumber:      w.PageNumber,
		PageData:        nullToEmpty(w.PageData),
		RawOutput:       nullToEmpty(w.RawOutput),
		Error:           errorText(w.Error),
		CollectedResult: nullToEmpty(w.CollectedResult),
		AllPagesData:    w.AllPagesData,
	}
	if ev.Type == eventAnalysisProgress {
		ev.Type = EventProgress
	}

	switch {
	case w.Completed != nil || w.Total != nil:
		ev.Completed, ev.Total = deref(w.Completed), deref(w.Total)
	case w.CurrentPage != nil || w.TotalPages != nil:
		ev.Completed, ev.Total = deref(w.CurrentPage), deref(w.TotalPages)
	}

	switch ev.Type {
	case EventStatus, EventProgress, EventPageComplete, EventComplete, EventError:
	default:
		return ev, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
	return ev, nil
}

// SinglePage returns the page carried by a single-image complete event.
func (e Event) SinglePage() (PageData, bool) {
	if len(e.PageData) == 0 || e.PageData[0] != '{' {
		return PageData{}, false
	}
	var pd PageData
	if err := json.Unmarshal(e.PageData, &pd); err != nil || pd.PageNumber == 0 {
		return PageData{}, false
	}
	return pd, true
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

// errorText accepts "error" as a string or as an object with a message.
func errorText(raw json.RawMessage) string {
	raw = nullToEmpty(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(raw)
}

// Page is one image submitted for extraction.
type Page struct {
	PageNumber int
	Image      string // data URL
}

// Request is one submission to the extraction service.
type Request struct {
	Pages  []Page
	Model  string
	Prompt string
}

// Model describes an extraction model offered by the service.
type Model struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// DefaultModel is used when the operator does not pick one.
const DefaultModel = "gemini-2.0-flash"

// DefaultModels is offered when the service cannot list its models.
func DefaultModels() []Model {
	return []Model{
		{Value: "gemini-2.0-flash", Label: "Gemini 2.0 Flash", Description: "Fast and efficient"},
		{Value: "gemini-2.5-flash", Label: "Gemini 2.5 Flash", Description: "Faster with improved accuracy"},
		{Value: "gemini-2.5-pro", Label: "Gemini 2.5 Pro", Description: "Most accurate, slower processing"},
	}
}

// StreamError is a request-level failure: a rejected submission, a broken
// transport, or a terminal error event.
type StreamError struct {
	Status  int
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("extraction service returned %d: %s", e.Status, msg)
	}
	return "extraction failed: " + msg
}

func (e *StreamError) Unwrap() []error {
	if e.Cause != nil {
		return []error{common.ErrUpstream, e.Cause}
	}
	return []error{common.ErrUpstream}
}

func (e *StreamError) ErrorCode() string { return common.CodeStream }
