package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt_CustomRuleNumbering(t *testing.T) {
	full := BuildPrompt(PromptOptions{CustomRules: []string{"Ignore handwritten notes", "  "}})
	assert.Contains(t, full, "\n30. Ignore handwritten notes\n")
	assert.NotContains(t, full, "\n31. ")
	assert.True(t, strings.HasSuffix(full, closingInstruction))
	assert.Equal(t, 30, FirstCustomRuleNumber(false))

	fresh := BuildPrompt(PromptOptions{Fresh: true, CustomRules: []string{"Rule A", "Rule B"}})
	assert.Contains(t, fresh, "\n11. Rule A\n12. Rule B\n\n"+closingInstruction)
	assert.Equal(t, 11, FirstCustomRuleNumber(true))
}

func TestBuildPrompt_RendersHints(t *testing.T) {
	p := BuildPrompt(PromptOptions{})
	assert.Contains(t, p, "1. Labour\n2. Material")
	assert.Contains(t, p, "category: (Labour/Material/Equipment/Consumables/Subtrade/LabourTimesheet/EquipmentLog)")
	assert.Contains(t, p, "EQUIPMENT LOG fields (extract if present - NO PRICE FIELDS - ALL FIELD NAMES MUST BE CAPITAL):")
	assert.Contains(t, p, "- SRNO, DATE, DAY, INVOICENO, EMPLOYEENAME")
	assert.NotContains(t, p, "{{")
}

func TestLoadHints(t *testing.T) {
	h, err := LoadHints("")
	require.NoError(t, err)
	assert.Len(t, h.Categories, 6)

	path := filepath.Join(t.TempDir(), "hints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  - name: widgets\n    fields:\n      - [SKU, QTY]\n"), 0o600))
	h, err = LoadHints(path)
	require.NoError(t, err)

	p := BuildPrompt(PromptOptions{Hints: &h})
	assert.Contains(t, p, "WIDGETS fields (extract if present - ALL FIELD NAMES MUST BE CAPITAL):\n- SKU, QTY\n")

	require.NoError(t, os.WriteFile(path, []byte("categories:\n  - fields: []\n"), 0o600))
	_, err = LoadHints(path)
	assert.Error(t, err)
}
