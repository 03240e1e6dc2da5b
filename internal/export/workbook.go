package export

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
)

const (
	SheetSummary      = "Summary"
	SheetConsolidated = "Consolidated"
	SheetWarnings     = "Warnings"

	defaultTitle = "Invoice Extraction"

	fmtCurrency = `"$"#,##0.00`
	fmtDate     = "dd/mm/yyyy"
	fmtTime     = "hh:mm:ss"
	fmtInteger  = "#,##0"
	fmtNumber   = "#,##0.00"
)

// Meta is printed above every sheet's table.
type Meta struct {
	Title        string
	DocumentName string
	ProcessedBy  string
	GeneratedAt  time.Time
}

// WorkbookWriter renders a consolidated result as an XLSX workbook.
type WorkbookWriter struct {
	logger *slog.Logger
}

func NewWorkbookWriter(logger *slog.Logger) *WorkbookWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkbookWriter{logger: logger}
}

// Write returns the workbook bytes: a Summary sheet, a Consolidated sheet,
// one sheet per non-empty category and, when pages failed, a Warnings sheet.
func (w *WorkbookWriter) Write(res consolidate.Result, meta Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := w.WriteTo(&buf, res, meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *WorkbookWriter) WriteTo(out io.Writer, res consolidate.Result, meta Meta) error {
	start := time.Now()
	if meta.Title == "" {
		meta.Title = defaultTitle
	}
	if meta.DocumentName == "" {
		meta.DocumentName = res.DocumentName
	}
	if meta.DocumentName == "" {
		meta.DocumentName = constants.DefaultDocumentName
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	st, err := newStyles(f)
	if err != nil {
		return fmt.Errorf("xlsx styles: %w", err)
	}
	b := &book{f: f, st: st, meta: meta}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("xlsx rename sheet: %w", err)
	}
	if err := b.summary(res); err != nil {
		return fmt.Errorf("xlsx summary: %w", err)
	}

	sheets := 1
	if len(res.All) > 0 {
		g := Project("", res.All, meta.DocumentName)
		if err := b.grid(SheetConsolidated, g, fmt.Sprintf("Total Items: %d", len(res.All))); err != nil {
			return fmt.Errorf("xlsx consolidated: %w", err)
		}
		sheets++
	}
	for _, c := range constants.All() {
		rows := res.Rows(c)
		if len(rows) == 0 {
			continue
		}
		g := Project(c, rows, meta.DocumentName)
		if err := b.grid(c.DisplayName(), g,
			"Category: "+c.DisplayName(),
			fmt.Sprintf("Items Count: %d", len(rows)),
		); err != nil {
			return fmt.Errorf("xlsx sheet %s: %w", c.DisplayName(), err)
		}
		sheets++
	}
	if len(res.Warnings) > 0 || len(res.Notes) > 0 {
		if err := b.warnings(res); err != nil {
			return fmt.Errorf("xlsx warnings: %w", err)
		}
		sheets++
	}

	if idx, err := f.GetSheetIndex(SheetSummary); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}
	if err := f.Write(out); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}

	w.logger.Info("export.xlsx.ok",
		"document", meta.DocumentName,
		"rows", len(res.All),
		"sheets", sheets,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

type styles struct {
	title, header, text  int
	total, totalCurrency int
	byKind               map[Kind]int
}

var kindFormats = map[Kind]string{
	KindNumber:   fmtNumber,
	KindInteger:  fmtInteger,
	KindCurrency: fmtCurrency,
	KindDate:     fmtDate,
	KindTime:     fmtTime,
}

func borders(color string, topBottom int) []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: color, Style: 1},
		{Type: "right", Color: color, Style: 1},
		{Type: "top", Color: color, Style: topBottom},
		{Type: "bottom", Color: color, Style: topBottom},
	}
}

func newStyles(f *excelize.File) (*styles, error) {
	brand := excelize.Fill{Type: "pattern", Color: []string{"0586BA"}, Pattern: 1}
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}
	left := &excelize.Alignment{Horizontal: "left", Vertical: "center", WrapText: true}
	totalFill := excelize.Fill{Type: "pattern", Color: []string{"FFFBF0"}, Pattern: 1}
	totalFont := &excelize.Font{Bold: true, Color: "000000", Size: 12}
	currency := fmtCurrency

	st := &styles{byKind: make(map[Kind]int, len(kindFormats))}
	var err error
	if st.title, err = f.NewStyle(&excelize.Style{
		Fill: brand, Alignment: center,
		Font: &excelize.Font{Bold: true, Color: "FFFFFF", Size: 16},
	}); err != nil {
		return nil, err
	}
	if st.header, err = f.NewStyle(&excelize.Style{
		Fill: brand, Alignment: center, Border: borders("000000", 1),
		Font: &excelize.Font{Bold: true, Color: "FFFFFF", Size: 12, Family: "Source Sans Pro"},
	}); err != nil {
		return nil, err
	}
	if st.text, err = f.NewStyle(&excelize.Style{Alignment: left, Border: borders("CCCCCC", 1)}); err != nil {
		return nil, err
	}
	// style 5 is a thick border
	if st.total, err = f.NewStyle(&excelize.Style{
		Fill: totalFill, Font: totalFont, Alignment: center, Border: borders("000000", 5),
	}); err != nil {
		return nil, err
	}
	if st.totalCurrency, err = f.NewStyle(&excelize.Style{
		Fill: totalFill, Font: totalFont, Alignment: center, Border: borders("000000", 5),
		CustomNumFmt: &currency,
	}); err != nil {
		return nil, err
	}
	for k, nf := range kindFormats {
		nf := nf
		id, err := f.NewStyle(&excelize.Style{Alignment: left, Border: borders("CCCCCC", 1), CustomNumFmt: &nf})
		if err != nil {
			return nil, err
		}
		st.byKind[k] = id
	}
	return st, nil
}

func (s *styles) cell(k Kind) int {
	if id, ok := s.byKind[k]; ok {
		return id
	}
	return s.text
}

// book writes sheets into one workbook.
type book struct {
	f    *excelize.File
	st   *styles
	meta Meta
}

func (b *book) set(sheet string, col, row int, v any, style int) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if v != nil {
		if err := b.f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return b.f.SetCellStyle(sheet, cell, cell, style)
}

// preamble writes the title block and returns the next free row.
func (b *book) preamble(sheet string, width int, extra ...string) (int, error) {
	lines := []string{b.meta.Title, "", "Document: " + b.meta.DocumentName}
	if b.meta.ProcessedBy != "" {
		lines = append(lines, "Processed by: "+b.meta.ProcessedBy)
	}
	if !b.meta.GeneratedAt.IsZero() {
		lines = append(lines, "Generated: "+b.meta.GeneratedAt.UTC().Format("02/01/2006 15:04"))
	}
	lines = append(lines, extra...)
	lines = append(lines, "")

	for i, line := range lines {
		if line == "" {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := b.f.SetCellValue(sheet, cell, line); err != nil {
			return 0, err
		}
	}
	if width < 3 {
		width = 3
	}
	last, _ := excelize.CoordinatesToCellName(width, 1)
	if err := b.f.MergeCell(sheet, "A1", last); err != nil {
		return 0, err
	}
	if err := b.f.SetCellStyle(sheet, "A1", last, b.st.title); err != nil {
		return 0, err
	}
	return len(lines) + 1, nil
}

func (b *book) newSheet(name string) error {
	if idx, _ := b.f.GetSheetIndex(name); idx >= 0 {
		return nil
	}
	_, err := b.f.NewSheet(name)
	return err
}

func (b *book) summary(res consolidate.Result) error {
	const sheet = SheetSummary
	row, err := b.preamble(sheet, 3)
	if err != nil {
		return err
	}
	for i, h := range []string{"Category", "Total Items", "Total Amount ($)"} {
		if err := b.set(sheet, i+1, row, h, b.st.header); err != nil {
			return err
		}
	}
	row++
	for _, c := range constants.All() {
		total, _ := res.Totals[c].Float64()
		if err := b.set(sheet, 1, row, c.DisplayName(), b.st.text); err != nil {
			return err
		}
		if err := b.set(sheet, 2, row, res.Counts[c], b.st.cell(KindInteger)); err != nil {
			return err
		}
		if err := b.set(sheet, 3, row, total, b.st.cell(KindCurrency)); err != nil {
			return err
		}
		row++
	}
	row++
	grand, _ := res.GrandTotal.Float64()
	if err := b.set(sheet, 1, row, GrandTotalLabel, b.st.total); err != nil {
		return err
	}
	if err := b.set(sheet, 2, row, res.ItemCount, b.st.total); err != nil {
		return err
	}
	if err := b.set(sheet, 3, row, grand, b.st.totalCurrency); err != nil {
		return err
	}
	if err := b.f.SetColWidth(sheet, "A", "A", 22); err != nil {
		return err
	}
	return b.f.SetColWidth(sheet, "B", "C", 18)
}

func (b *book) grid(sheet string, g Grid, extra ...string) error {
	if err := b.newSheet(sheet); err != nil {
		return err
	}
	row, err := b.preamble(sheet, len(g.Header), extra...)
	if err != nil {
		return err
	}

	headerRow := row
	for i, h := range g.Header {
		if err := b.set(sheet, i+1, row, h, b.st.header); err != nil {
			return err
		}
	}
	row++

	for _, cells := range g.Rows {
		for i, c := range cells {
			if c.Empty() {
				continue
			}
			if err := b.set(sheet, i+1, row, c.Value, b.st.cell(c.Kind)); err != nil {
				return err
			}
		}
		row++
	}

	for i, c := range g.Total {
		style := b.st.total
		if i == g.AmountColumn {
			style = b.st.totalCurrency
		}
		if err := b.set(sheet, i+1, row, c.Value, style); err != nil {
			return err
		}
	}

	for i, k := range append([]string{""}, g.Keys...) {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := b.f.SetColWidth(sheet, col, col, columnWidth(k)); err != nil {
			return err
		}
	}
	top, _ := excelize.CoordinatesToCellName(1, headerRow+1)
	return b.f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      headerRow,
		TopLeftCell: top,
		ActivePane:  "bottomLeft",
	})
}

func columnWidth(key string) float64 {
	switch {
	case key == "":
		return 15
	case key == consolidate.KeyReferenceDocument:
		return 30
	case isAmountKey(key):
		return 15
	case ColumnKind(key) == KindDate, ColumnKind(key) == KindTime:
		return 14
	default:
		return 20
	}
}

func (b *book) warnings(res consolidate.Result) error {
	const sheet = SheetWarnings
	if err := b.newSheet(sheet); err != nil {
		return err
	}
	row, err := b.preamble(sheet, 2, fmt.Sprintf("Pages with warnings: %d", len(res.Warnings)))
	if err != nil {
		return err
	}
	for i, h := range []string{"Page Number", "Message"} {
		if err := b.set(sheet, i+1, row, h, b.st.header); err != nil {
			return err
		}
	}
	row++
	for _, w := range res.Warnings {
		if err := b.set(sheet, 1, row, w.PageNumber, b.st.cell(KindInteger)); err != nil {
			return err
		}
		if err := b.set(sheet, 2, row, w.Error, b.st.text); err != nil {
			return err
		}
		row++
	}
	for _, n := range res.Notes {
		if err := b.set(sheet, 1, row, n.PageNumber, b.st.cell(KindInteger)); err != nil {
			return err
		}
		if err := b.set(sheet, 2, row, n.Message, b.st.text); err != nil {
			return err
		}
		row++
	}
	if err := b.f.SetColWidth(sheet, "A", "A", 15); err != nil {
		return err
	}
	return b.f.SetColWidth(sheet, "B", "B", 80)
}
