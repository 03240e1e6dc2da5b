package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
)

// Kind is the presentation type of a column or cell.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindInteger
	KindCurrency
	KindDate
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindCurrency:
		return "currency"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	default:
		return "text"
	}
}

// SerialNumberHeader heads the running row index column.
const SerialNumberHeader = "Serial Number"

// GrandTotalLabel labels the total row of a cross-category grid.
const GrandTotalLabel = "GRAND TOTAL"

var currencyColumns = map[string]struct{}{
	"UNITRATE":    {},
	"TAX":         {},
	"OP":          {},
	"RCV":         {},
	"DEPREC":      {},
	"ACV":         {},
	"TOTALAMOUNT": {},
	"REMOVE":      {},
	"REPLACE":     {},
	"SUBTOTAL":    {},
}

var nonLetters = regexp.MustCompile(`[^A-Z]`)

// ColumnKind classifies a column by its key. Currency and date columns match
// on the key's letters only, so "O&P" and "Unit Rate" are recognised.
func ColumnKind(key string) Kind {
	upper := strings.ToUpper(key)
	letters := nonLetters.ReplaceAllString(upper, "")
	if _, ok := currencyColumns[letters]; ok {
		return KindCurrency
	}
	if letters == "DATE" || letters == "INVOICEDATE" {
		return KindDate
	}
	if strings.Contains(upper, "TIME") {
		return KindTime
	}
	if key == "SRNO" || key == consolidate.KeyPageNumber {
		return KindInteger
	}
	return KindText
}

// Cell is one projected value. A nil Value is a true-empty cell.
type Cell struct {
	Value any
	Kind  Kind
}

// Empty reports whether the cell has no value.
func (c Cell) Empty() bool { return c.Value == nil }

// Grid is a table ready to be written: a header, one row per record and a
// synthesized total row. Column 0 is the serial number.
type Grid struct {
	Label        string
	Keys         []string
	Header       []string
	Rows         [][]Cell
	Total        []Cell
	AmountColumn int // index into a row, -1 when no amount column exists
	Sum          decimal.Decimal
}

// TotalLabel returns "GRAND TOTAL" for the cross-category view and
// "<CATEGORY> TOTAL" for a single category.
func TotalLabel(category constants.Category) string {
	if category == "" {
		return GrandTotalLabel
	}
	return strings.ToUpper(category.DisplayName()) + " TOTAL"
}

// Project builds the grid for rows. Pass an empty category for the
// consolidated view. documentName overrides each row's reference document.
func Project(category constants.Category, rows []*consolidate.Row, documentName string) Grid {
	if documentName == "" {
		documentName = constants.DefaultDocumentName
	}
	keys := consolidate.Columns(rows)
	if keys == nil {
		keys = []string{consolidate.KeyCategory, consolidate.KeyPageNumber, consolidate.KeyReferenceDocument}
	}

	g := Grid{
		Label:        TotalLabel(category),
		Keys:         keys,
		Header:       make([]string, 0, len(keys)+1),
		Rows:         make([][]Cell, 0, len(rows)),
		AmountColumn: -1,
		Sum:          decimal.Zero,
	}
	g.Header = append(g.Header, SerialNumberHeader)
	for i, k := range keys {
		g.Header = append(g.Header, HeaderName(k))
		if g.AmountColumn < 0 && isAmountKey(k) {
			g.AmountColumn = i + 1
		}
	}

	for i, row := range rows {
		cells := make([]Cell, 0, len(keys)+1)
		cells = append(cells, Cell{Value: i + 1, Kind: KindInteger})
		for _, k := range keys {
			if k == consolidate.KeyReferenceDocument {
				cells = append(cells, Cell{Value: documentName, Kind: KindText})
				continue
			}
			v, _ := row.Get(k)
			cells = append(cells, projectValue(k, v))
		}
		g.Rows = append(g.Rows, cells)
		g.Sum = g.Sum.Add(consolidate.Amount(row))
	}

	g.Total = make([]Cell, len(keys)+1)
	g.Total[1] = Cell{Value: g.Label, Kind: KindText}
	countCol := 2
	if countCol == g.AmountColumn {
		countCol++
	}
	if countCol < len(g.Total) {
		g.Total[countCol] = Cell{Value: fmt.Sprintf("%d items", len(rows)), Kind: KindText}
	}
	if g.AmountColumn > 0 {
		f, _ := g.Sum.Float64()
		g.Total[g.AmountColumn] = Cell{Value: f, Kind: KindCurrency}
	}
	return g
}

func isAmountKey(k string) bool {
	return k == consolidate.AmountKey || k == consolidate.AmountKeyCamel
}

func projectValue(key string, v any) Cell {
	if consolidate.IsEmptyValue(v) {
		return Cell{}
	}
	if isAmountKey(key) {
		if d, ok := consolidate.ToDecimal(v); ok {
			f, _ := d.Float64()
			return Cell{Value: f, Kind: KindCurrency}
		}
		return Cell{Value: textValue(v), Kind: KindText}
	}

	switch ColumnKind(key) {
	case KindCurrency:
		if f, ok := numericValue(v); ok {
			return Cell{Value: f, Kind: KindCurrency}
		}
	case KindTime:
		if frac, ok := ParseTime(v); ok {
			return Cell{Value: frac, Kind: KindTime}
		}
	case KindDate:
		if s, ok := v.(string); ok {
			if t, ok := ParseDate(s); ok {
				return Cell{Value: t, Kind: KindDate}
			}
		}
	case KindInteger:
		if f, ok := numericValue(v); ok {
			return Cell{Value: f, Kind: KindInteger}
		}
	default:
		if f, ok := nativeNumber(v); ok {
			return Cell{Value: f, Kind: KindNumber}
		}
	}
	return Cell{Value: textValue(v), Kind: KindText}
}

// numericValue accepts numbers and strings that are entirely numeric.
func numericValue(v any) (float64, bool) {
	if f, ok := nativeNumber(v); ok {
		return f, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func nativeNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func textValue(v any) any {
	switch t := v.(type) {
	case string, bool, float64, int, int64:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

var (
	time24 = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	time12 = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})(?::(\d{2}))?\s*(AM|PM)$`)
)

// ParseTime reads HH:MM[:SS] or H:MM[:SS] AM/PM and returns the time as a
// fraction of a day.
func ParseTime(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)

	var h, m, sec int
	if g := time24.FindStringSubmatch(s); g != nil {
		h, m, sec = atoi(g[1]), atoi(g[2]), atoi(g[3])
	} else if g := time12.FindStringSubmatch(s); g != nil {
		h, m, sec = atoi(g[1]), atoi(g[2]), atoi(g[3])
		pm := strings.EqualFold(g[4], "PM")
		switch {
		case pm && h != 12:
			h += 12
		case !pm && h == 12:
			h = 0
		}
	} else {
		return 0, false
	}

	if h > 23 || m > 59 || sec > 59 {
		return 0, false
	}
	return (float64(h) + float64(m)/60 + float64(sec)/3600) / 24, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// ParseDate reads a day-first date (DD/MM/YYYY) or one of a few unambiguous
// layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if strings.Contains(s, "/") {
		t, err := time.Parse("2/1/2006", s)
		return t, err == nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HeaderName turns a row key into a column header.
func HeaderName(key string) string {
	switch key {
	case consolidate.KeyCategory:
		return "Category"
	case consolidate.KeyPageNumber:
		return "Page Number"
	case consolidate.KeyReferenceDocument:
		return "Reference Document"
	}
	return TitleCase(key)
}

// TitleCase renders ALL-CAPS keys as one capitalised word ("TOTALAMOUNT" ->
// "Totalamount") and splits camelCase keys into words ("unitRate" ->
// "Unit Rate").
func TitleCase(s string) string {
	if s == strings.ToUpper(s) && strings.IndexFunc(s, unicode.IsUpper) >= 0 {
		return capitalize(s)
	}

	var b strings.Builder
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	words := strings.Fields(b.String())
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(s string) string {
	lower := []rune(strings.ToLower(s))
	if len(lower) == 0 {
		return ""
	}
	lower[0] = unicode.ToUpper(lower[0])
	return string(lower)
}
