package constants

import (
	"strings"
)

// Category is the canonical partition key for extracted line items.
type Category string

const (
	Labour          Category = "Labour"
	LabourTimesheet Category = "LabourTimesheet"
	Material        Category = "Material"
	Equipment       Category = "Equipment"
	EquipmentLog    Category = "EquipmentLog"
	Consumables     Category = "Consumables"
	Subtrade        Category = "Subtrade"
)

var allCategories = []Category{
	Labour,
	LabourTimesheet,
	Material,
	Equipment,
	EquipmentLog,
	Consumables,
	Subtrade,
}

var displayNames = map[Category]string{
	LabourTimesheet: "Labour Timesheet",
	EquipmentLog:    "Equipment Log",
}

// All returns the categories in their fixed presentation order.
func All() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// DisplayName is the operator-facing label, e.g. "Labour Timesheet".
func (c Category) DisplayName() string {
	if name, ok := displayNames[c]; ok {
		return name
	}
	return string(c)
}

// Key is the lower camel form used in JSON payloads, e.g. "labourTimesheet".
func (c Category) Key() string {
	s := string(c)
	if s == "" {
		return ""
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Canonicalize maps a free-form category label onto one of the canonical
// categories. Matching ignores case, whitespace, underscores and hyphens, so
// "equipment log", "EquipmentLog" and "EQUIPMENT_LOG" are equivalent.
func Canonicalize(input string) (Category, bool) {
	normalized := squash(input)
	if normalized == "" {
		return "", false
	}

	for _, cat := range allCategories {
		if normalized == squash(string(cat)) {
			return cat, true
		}
	}

	return "", false
}

func squash(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '_', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
