// Package consolidate merges per-page extraction fragments into
// category-partitioned tables with totals.
package consolidate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-extractor/constants"
)

// Keys the consolidator writes on every row.
const (
	KeyPageNumber        = "pageNumber"
	KeyCategory          = "category"
	KeyReferenceDocument = "referenceDocument"
)

// Amount fields, in precedence order.
const (
	AmountKey      = "TOTALAMOUNT"
	AmountKeyCamel = "totalAmount"
)

// excludedColumns never reach a table or an export.
var excludedColumns = map[string]struct{}{
	"userId":    {},
	"sessionId": {},
}

// PageWarning is a page that failed extraction.
type PageWarning struct {
	PageNumber int    `json:"pageNumber"`
	Error      string `json:"error"`
}

func (w PageWarning) String() string {
	return fmt.Sprintf("page %d: %s", w.PageNumber, w.Error)
}

// Note records a fragment that was dropped instead of consolidated.
type Note struct {
	PageNumber int    `json:"pageNumber"`
	Category   string `json:"category"`
	Message    string `json:"message"`
}

// Result is the merged view across all page results.
type Result struct {
	DocumentName string                                 `json:"documentName"`
	ByCategory   map[constants.Category][]*Row          `json:"byCategory"`
	Totals       map[constants.Category]decimal.Decimal `json:"totals"`
	Counts       map[constants.Category]int             `json:"counts"`
	GrandTotal   decimal.Decimal                        `json:"grandTotal"`
	ItemCount    int                                    `json:"itemCount"`
	All          []*Row                                 `json:"all"`
	Pages        []int                                  `json:"pages"`
	Warnings     []PageWarning                          `json:"warnings"`
	Notes        []Note                                 `json:"notes"`
}

// Rows returns the rows for one category.
func (r Result) Rows(c constants.Category) []*Row {
	return r.ByCategory[c]
}

// Consolidate merges results, given in arrival order. It is a pure function
// of its input: rows are ordered by page number, then by emission order
// within the page, and the input slice is not modified.
func Consolidate(results []PageResult, documentName string) Result {
	if documentName == "" {
		documentName = constants.DefaultDocumentName
	}

	sorted := make([]PageResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PageNumber < sorted[j].PageNumber
	})

	out := Result{
		DocumentName: documentName,
		ByCategory:   make(map[constants.Category][]*Row),
		Totals:       make(map[constants.Category]decimal.Decimal),
		Counts:       make(map[constants.Category]int),
		GrandTotal:   decimal.Zero,
		All:          []*Row{},
		Pages:        []int{},
		Warnings:     []PageWarning{},
		Notes:        []Note{},
	}
	for _, c := range constants.All() {
		out.ByCategory[c] = []*Row{}
		out.Totals[c] = decimal.Zero
		out.Counts[c] = 0
	}

	for _, res := range sorted {
		out.Pages = append(out.Pages, res.PageNumber)
		if res.Failed() {
			out.Warnings = append(out.Warnings, PageWarning{PageNumber: res.PageNumber, Error: res.Error})
			continue
		}

		for _, frag := range res.Fragments {
			cat, ok := constants.Canonicalize(frag.Category)
			if !ok {
				out.Notes = append(out.Notes, Note{
					PageNumber: res.PageNumber,
					Category:   frag.Category,
					Message:    fmt.Sprintf("page %d: dropped item with unrecognised category %q", res.PageNumber, frag.Category),
				})
				continue
			}

			row := buildRow(res.PageNumber, cat, documentName, frag.Data)
			out.ByCategory[cat] = append(out.ByCategory[cat], row)
			out.All = append(out.All, row)

			amount := Amount(row)
			out.Totals[cat] = out.Totals[cat].Add(amount)
			out.Counts[cat]++
			out.GrandTotal = out.GrandTotal.Add(amount)
			out.ItemCount++
		}
	}

	return out
}

func buildRow(page int, cat constants.Category, documentName string, data *Row) *Row {
	row := NewRow(
		KeyPageNumber, page,
		KeyCategory, cat.DisplayName(),
		KeyReferenceDocument, documentName,
	)
	data.Range(func(k string, v any) bool {
		switch k {
		case KeyPageNumber, KeyCategory, KeyReferenceDocument:
			// consolidator-owned keys are not overridden by model output
		default:
			row.Set(k, v)
		}
		return true
	})
	return row
}

// Amount reads the row's total: TOTALAMOUNT when it holds a truthy value,
// otherwise totalAmount. Missing or non-numeric values count as zero. No
// other field is consulted.
func Amount(row *Row) decimal.Decimal {
	v, _ := row.Get(AmountKey)
	if !truthy(v) {
		v, _ = row.Get(AmountKeyCamel)
	}
	d, ok := ToDecimal(v)
	if !ok {
		return decimal.Zero
	}
	return d
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case decimal.Decimal:
		return !t.IsZero()
	default:
		return true
	}
}

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)

// ToDecimal converts a loosely typed value to a decimal. Strings are read
// from their leading number after dropping a currency sign and thousands
// separators, so "$1,250.50 CAD" reads as 1250.50.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case decimal.Decimal:
		return t, true
	case json.Number:
		return parseLeading(t.String())
	case string:
		return parseLeading(t)
	default:
		return decimal.Zero, false
	}
}

func parseLeading(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	m := leadingNumber.FindString(s)
	if m == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// Columns is the display column order for a set of rows: the union of all
// keys minus session metadata, with category first, then other keys in
// first-seen order, then pageNumber and referenceDocument last.
func Columns(rows []*Row) []string {
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	cols := []string{KeyCategory}
	for _, row := range rows {
		row.Range(func(k string, _ any) bool {
			if _, skip := excludedColumns[k]; skip {
				return true
			}
			switch k {
			case KeyCategory, KeyPageNumber, KeyReferenceDocument:
				return true
			}
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
			return true
		})
	}
	return append(cols, KeyPageNumber, KeyReferenceDocument)
}

// IsEmptyValue reports whether a cell should render as blank.
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
