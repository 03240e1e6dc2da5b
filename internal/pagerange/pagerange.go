// Package pagerange parses operator page selectors such as "1,4,6-10,15".
package pagerange

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseError names the token that made an expression invalid.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid page range %q: %s", e.Token, e.Reason)
}

// MaxPage is the largest page number Parse accepts.
const MaxPage = 100000

// Range is an inclusive span of pages.
type Range struct {
	Start, End int
}

func (r Range) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Parse turns an expression into an ascending, de-duplicated list of pages.
// An empty or blank expression yields an empty list. Any malformed token
// fails the whole expression; no partial result is returned. Pages above
// MaxPage are rejected.
func Parse(expr string) ([]int, error) {
	ranges, err := ParseRanges(expr)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if r.End > MaxPage {
			return nil, &ParseError{Token: r.String(), Reason: fmt.Sprintf("page numbers stop at %d", MaxPage)}
		}
	}
	pages, _ := Within(ranges, MaxPage)
	return pages, nil
}

// ParseRanges validates an expression and returns its ranges in expression
// order without expanding them.
func ParseRanges(expr string) ([]Range, error) {
	var ranges []Range
	for _, raw := range strings.Split(expr, ",") {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		start, end, err := parseToken(token)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges, nil
}

// Within expands ranges clipped to pages 1..last, ascending and
// de-duplicated, and returns the parts lying beyond last as merged ranges.
// Nothing beyond last is materialised.
func Within(ranges []Range, last int) ([]int, []Range) {
	seen := make(map[int]struct{})
	var beyond []Range
	for _, r := range ranges {
		for p := r.Start; p <= min(r.End, last); p++ {
			seen[p] = struct{}{}
		}
		if r.End > last {
			beyond = append(beyond, Range{Start: max(r.Start, last+1), End: r.End})
		}
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, mergeRanges(beyond)
}

func mergeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := []Range{ranges[0]}
	for _, r := range ranges[1:] {
		cur := &out[len(out)-1]
		if r.Start <= cur.End+1 {
			cur.End = max(cur.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

func parseToken(token string) (int, int, error) {
	// a leading '-' is a sign, not a range separator
	idx := strings.Index(token[1:], "-")
	if idx < 0 {
		n, err := parsePage(token, token)
		if err != nil {
			return 0, 0, err
		}
		return n, n, nil
	}
	idx++

	start, err := parsePage(token, token[:idx])
	if err != nil {
		return 0, 0, err
	}
	end, err := parsePage(token, token[idx+1:])
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, &ParseError{Token: token, Reason: "start is greater than end"}
	}
	return start, end, nil
}

func parsePage(token, part string) (int, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return 0, &ParseError{Token: token, Reason: "missing page number"}
	}
	digits := strings.TrimPrefix(part, "-")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, &ParseError{Token: token, Reason: "not a number"}
		}
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		return 0, &ParseError{Token: token, Reason: "not a number"}
	}
	if n < 1 {
		return 0, &ParseError{Token: token, Reason: "page numbers start at 1"}
	}
	return n, nil
}

// Invalid returns the pages in parsed that are not in valid, ascending.
func Invalid(parsed []int, valid map[int]struct{}) []int {
	var out []int
	for _, p := range parsed {
		if _, ok := valid[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Format compacts ascending pages back into an expression, e.g. "1-3,5".
func Format(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	var parts []string
	start, prev := pages[0], pages[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, p := range pages[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}

// Join renders pages as a comma separated list, e.g. "4, 7".
func Join(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}
