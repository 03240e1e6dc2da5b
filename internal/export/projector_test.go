package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
)

func TestColumnKind(t *testing.T) {
	tests := []struct {
		key  string
		want Kind
	}{
		{"TOTALAMOUNT", KindCurrency},
		{"totalAmount", KindCurrency},
		{"Unit Rate", KindCurrency},
		{"O&P", KindCurrency},
		{"DEPREC", KindCurrency},
		{"DATE", KindDate},
		{"Invoice Date", KindDate},
		{"DUEDATE", KindText},
		{"START TIME", KindTime},
		{"timeIn", KindTime},
		{"TIMEOUT", KindTime},
		{"SRNO", KindInteger},
		{"pageNumber", KindInteger},
		{"DESCRIPTION", KindText},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnKind(tt.key))
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{"12:00", 0.5, true},
		{"06:00:00", 0.25, true},
		{"6:00 PM", 0.75, true},
		{"12:00 am", 0, true},
		{"12:30PM", 12.5 / 24, true},
		{"24:00", 0, false},
		{"10:60", 0, false},
		{"noon", 0, false},
		{7.5, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseTime(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, "%v", tt.in)
		}
	}
}

func TestParseDate(t *testing.T) {
	d, ok := ParseDate("05/03/2024")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), d)

	d, ok = ParseDate("2024-03-05")
	require.True(t, ok)
	assert.Equal(t, time.March, d.Month())

	_, ok = ParseDate("31/02/2024")
	assert.False(t, ok)
	_, ok = ParseDate("next tuesday")
	assert.False(t, ok)
}

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"TOTALAMOUNT":   "Totalamount",
		"DESCRIPTION":   "Description",
		"unitRate":      "Unit Rate",
		"totalAmount":   "Total Amount",
		"Start Time":    "Start Time",
		"workerName":    "Worker Name",
		"qty":           "Qty",
	}
	for in, want := range tests {
		assert.Equal(t, want, TitleCase(in), in)
	}
	assert.Equal(t, "Page Number", HeaderName(consolidate.KeyPageNumber))
	assert.Equal(t, "Reference Document", HeaderName(consolidate.KeyReferenceDocument))
	assert.Equal(t, "Category", HeaderName(consolidate.KeyCategory))
}

func labourResult() consolidate.Result {
	results := []consolidate.PageResult{
		{PageNumber: 2, Fragments: []consolidate.Fragment{
			{Category: "Labour", Data: consolidate.NewRow("NAME", "Bo", "DATE", "06/01/2024", "START TIME", "7:30 AM", "TOTALAMOUNT", "12.50")},
		}},
		{PageNumber: 1, Fragments: []consolidate.Fragment{
			{Category: "labour", Data: consolidate.NewRow("NAME", "Al", "DATE", "unknown", "START TIME", "", "TOTALAMOUNT", 7.5, "HOURS", 3.0)},
			{Category: "Material", Data: consolidate.NewRow("DESCRIPTION", "Nails", "UNITRATE", "2.25", "TOTALAMOUNT", 4.5)},
		}},
	}
	return consolidate.Consolidate(results, "invoice-42.pdf")
}

func TestProject_Category(t *testing.T) {
	res := labourResult()
	g := Project(constants.Labour, res.Rows(constants.Labour), res.DocumentName)

	assert.Equal(t, []string{
		SerialNumberHeader, "Category", "Name", "Date", "Start time", "Totalamount", "Hours",
		"Page Number", "Reference Document",
	}, g.Header)
	require.Len(t, g.Rows, 2)
	assert.Equal(t, 5, g.AmountColumn)

	first := g.Rows[0]
	assert.Equal(t, 1, first[0].Value)
	assert.Equal(t, "Labour", first[1].Value)
	assert.Equal(t, "Al", first[2].Value)
	assert.Equal(t, Cell{Value: "unknown", Kind: KindText}, first[3], "unparseable date keeps raw text")
	assert.True(t, first[4].Empty(), "blank stays blank")
	assert.Equal(t, Cell{Value: 7.5, Kind: KindCurrency}, first[5])
	assert.Equal(t, Cell{Value: 3.0, Kind: KindNumber}, first[6])
	assert.Equal(t, Cell{Value: 1.0, Kind: KindInteger}, first[7])
	assert.Equal(t, "invoice-42.pdf", first[8].Value)

	second := g.Rows[1]
	assert.Equal(t, KindDate, second[3].Kind)
	assert.Equal(t, time.Date(2024, time.January, 6, 0, 0, 0, 0, time.UTC), second[3].Value)
	assert.Equal(t, KindTime, second[4].Kind)
	assert.InDelta(t, 7.5/24, second[4].Value, 1e-9)
	assert.Equal(t, 12.5, second[5].Value)
	assert.True(t, second[6].Empty())

	assert.Equal(t, "20", g.Sum.String())
	require.Len(t, g.Total, len(g.Header))
	assert.True(t, g.Total[0].Empty())
	assert.Equal(t, "LABOUR TOTAL", g.Total[1].Value)
	assert.Equal(t, "2 items", g.Total[2].Value)
	assert.Equal(t, 20.0, g.Total[5].Value)
	assert.True(t, g.Total[3].Empty())
	assert.True(t, g.Total[8].Empty())
}

func TestProject_Consolidated(t *testing.T) {
	res := labourResult()
	g := Project("", res.All, res.DocumentName)

	assert.Equal(t, "GRAND TOTAL", g.Total[1].Value)
	assert.Equal(t, "3 items", g.Total[2].Value)
	assert.Equal(t, 24.5, g.Total[g.AmountColumn].Value)

	var categories []any
	for _, r := range g.Rows {
		categories = append(categories, r[1].Value)
	}
	assert.Equal(t, []any{"Labour", "Material", "Labour"}, categories)
}

func TestProject_NoAmountColumn(t *testing.T) {
	rows := []*consolidate.Row{consolidate.NewRow(consolidate.KeyCategory, "Labour Timesheet", "NAME", "Al")}
	g := Project(constants.LabourTimesheet, rows, "")

	assert.Equal(t, -1, g.AmountColumn)
	assert.Equal(t, "LABOUR TIMESHEET TOTAL", g.Total[1].Value)
	assert.Equal(t, "1 items", g.Total[2].Value)
	assert.Equal(t, constants.DefaultDocumentName, g.Rows[0][len(g.Keys)].Value)
}

func TestProject_NonNumericAmountKeepsText(t *testing.T) {
	rows := []*consolidate.Row{
		consolidate.NewRow(consolidate.KeyCategory, "Material", "ITEM", "nails", "UNITRATE", "N/A", consolidate.AmountKey, "N/A"),
		consolidate.NewRow(consolidate.KeyCategory, "Material", "ITEM", "screws", "UNITRATE", "2", consolidate.AmountKey, "$4.00"),
	}
	g := Project(constants.Material, rows, "inv.pdf")
	require.Greater(t, g.AmountColumn, 0)

	unit := -1
	for i, h := range g.Header {
		if h == HeaderName("UNITRATE") {
			unit = i
		}
	}
	require.Greater(t, unit, 0)

	assert.Equal(t, Cell{Value: "N/A", Kind: KindText}, g.Rows[0][g.AmountColumn])
	assert.Equal(t, Cell{Value: "N/A", Kind: KindText}, g.Rows[0][unit])
	assert.Equal(t, Cell{Value: 4.0, Kind: KindCurrency}, g.Rows[1][g.AmountColumn])
	assert.Equal(t, "4", g.Sum.String())
}
