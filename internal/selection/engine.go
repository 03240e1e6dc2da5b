// Package selection resolves which converted pages are submitted for extraction.
package selection

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
)

// Validation error codes.
const (
	CodeInvalidExpression = "invalid_expression"
	CodePagesNotFound     = "pages_not_found"
	CodeStillConverting   = "conversion_in_progress"
	CodeEmptySelection    = "empty_selection"
	CodeUnknownMode       = "unknown_mode"
)

// ValidationError is a local, pre-submission failure shown to the operator.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Pages   []int  `json:"pages,omitempty"`
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return common.ErrValidation }

func (e *ValidationError) ErrorCode() string { return common.CodeValidation }

// Summary is the live view of the selection.
type Summary struct {
	Mode         constants.SelectionMode `json:"mode"`
	Expression   string                  `json:"expression"`
	Total        int                     `json:"total"`
	AllConverted bool                    `json:"allConverted"`
	WillProcess  []int                   `json:"willProcess"`
	WillSkip     []int                   `json:"willSkip"`
	Failed       []int                   `json:"failed"`
	Error        *ValidationError        `json:"error,omitempty"`
}

// Engine tracks converted pages and the operator's selection. It is not safe
// for concurrent use; the owning session serialises access.
type Engine struct {
	pages        map[int]bool // page number -> converted successfully
	allConverted bool
	mode         constants.SelectionMode
	expression   string
	resolved     []int
	err          *ValidationError
}

func NewEngine() *Engine {
	e := &Engine{}
	e.Reset()
	return e
}

// Reset discards all pages and returns to ALL mode.
func (e *Engine) Reset() {
	e.pages = make(map[int]bool)
	e.allConverted = false
	e.mode = constants.ModeAll
	e.expression = ""
	e.resolved = []int{}
	e.err = nil
}

// AddPage records a rasterized page. Failed pages are never selectable.
func (e *Engine) AddPage(pageNumber int, converted bool) {
	e.pages[pageNumber] = converted
	e.recompute()
}

// MarkConverted records that rasterization finished. The flag never clears
// until Reset.
func (e *Engine) MarkConverted() {
	e.allConverted = true
	e.recompute()
}

func (e *Engine) AllConverted() bool { return e.allConverted }

func (e *Engine) Mode() constants.SelectionMode { return e.mode }

// SetMode switches mode, clearing the expression and any prior error.
func (e *Engine) SetMode(mode constants.SelectionMode) error {
	switch mode {
	case constants.ModeAll, constants.ModeInclude, constants.ModeExclude:
	default:
		return &ValidationError{Code: CodeUnknownMode, Message: "unknown selection mode: " + string(mode)}
	}
	e.mode = mode
	e.expression = ""
	e.err = nil
	e.recompute()
	return nil
}

// SetExpression applies a range expression in the current mode. On failure
// the previous resolved set stays in place and the error is returned.
func (e *Engine) SetExpression(expr string) error {
	e.expression = expr
	e.recompute()
	if e.err != nil {
		return e.err
	}
	return nil
}

// Resolved returns the pages that will be submitted, ascending.
func (e *Engine) Resolved() []int {
	out := make([]int, len(e.resolved))
	copy(out, e.resolved)
	return out
}

// Err returns the last expression error, if any.
func (e *Engine) Err() error {
	if e.err == nil {
		return nil
	}
	return e.err
}

// Summary reports will-process, will-skip and failed pages.
func (e *Engine) Summary() Summary {
	valid := e.validPages()
	chosen := toSet(e.resolved)

	s := Summary{
		Mode:         e.mode,
		Expression:   e.expression,
		Total:        len(e.pages),
		AllConverted: e.allConverted,
		WillProcess:  e.Resolved(),
		WillSkip:     []int{},
		Failed:       e.failedPages(),
		Error:        e.err,
	}
	for _, p := range valid {
		if _, ok := chosen[p]; !ok {
			s.WillSkip = append(s.WillSkip, p)
		}
	}
	return s
}

// ForSubmission gates extraction. It refuses while pages are still
// converting, while the expression is invalid, or when nothing is selected.
func (e *Engine) ForSubmission() ([]int, error) {
	if !e.allConverted {
		return nil, &ValidationError{Code: CodeStillConverting, Message: "pages are still converting; wait for conversion to finish"}
	}
	if e.err != nil {
		return nil, e.err
	}
	if len(e.resolved) == 0 {
		return nil, &ValidationError{Code: CodeEmptySelection, Message: "no pages selected for extraction"}
	}
	return e.Resolved(), nil
}

func (e *Engine) recompute() {
	valid := e.validPages()
	validSet := toSet(valid)

	if e.mode == constants.ModeAll {
		e.err = nil
		e.resolved = valid
		return
	}

	ranges, err := pagerange.ParseRanges(e.expression)
	if err != nil {
		var pe *pagerange.ParseError
		if errors.As(err, &pe) {
			e.err = &ValidationError{Code: CodeInvalidExpression, Message: err.Error()}
		} else {
			e.err = &ValidationError{Code: CodeInvalidExpression, Message: "invalid page range: " + err.Error()}
		}
		return
	}

	// pages past the end of the document are reported as ranges, never expanded
	parsed, beyond := pagerange.Within(ranges, e.lastPage())
	if missing := pagerange.Invalid(parsed, validSet); len(missing) > 0 || len(beyond) > 0 {
		e.err = pagesNotFound(missing, beyond)
		return
	}

	e.err = nil
	switch e.mode {
	case constants.ModeInclude:
		e.resolved = parsed
	case constants.ModeExclude:
		excluded := toSet(parsed)
		resolved := make([]int, 0, len(valid))
		for _, p := range valid {
			if _, skip := excluded[p]; !skip {
				resolved = append(resolved, p)
			}
		}
		e.resolved = resolved
	}
}

// maxListedPages bounds ValidationError.Pages for ranges past the document.
const maxListedPages = 100

func pagesNotFound(missing []int, beyond []pagerange.Range) *ValidationError {
	parts := make([]string, 0, len(missing)+len(beyond))
	for _, p := range missing {
		parts = append(parts, strconv.Itoa(p))
	}
	listed := missing
	for _, r := range beyond {
		parts = append(parts, r.String())
		for p := r.Start; p <= r.End && len(listed) < maxListedPages; p++ {
			listed = append(listed, p)
		}
	}
	return &ValidationError{
		Code:    CodePagesNotFound,
		Message: "pages not found: " + strings.Join(parts, ", "),
		Pages:   listed,
	}
}

// lastPage is the highest page number the document has, converted or not.
func (e *Engine) lastPage() int {
	last := 0
	for p := range e.pages {
		last = max(last, p)
	}
	return last
}

func (e *Engine) validPages() []int {
	out := make([]int, 0, len(e.pages))
	for p, ok := range e.pages {
		if ok {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

func (e *Engine) failedPages() []int {
	out := []int{}
	for p, ok := range e.pages {
		if !ok {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

func toSet(pages []int) map[int]struct{} {
	set := make(map[int]struct{}, len(pages))
	for _, p := range pages {
		set[p] = struct{}{}
	}
	return set
}
