package llm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/invoice-extractor/constants"
)

var (
	//go:embed prompts/header.txt
	promptHeader string
	//go:embed prompts/base_rules.txt
	baseRules string
	//go:embed prompts/extended_rules.txt
	extendedRules string
	//go:embed prompts/hints.yaml
	defaultHintsYAML []byte
)

const closingInstruction = "Return ONLY the JSON array, no explanations or additional text."

// promptCategoryOrder is the order categories are listed to the model.
var promptCategoryOrder = []constants.Category{
	constants.Labour,
	constants.Material,
	constants.Equipment,
	constants.Consumables,
	constants.Subtrade,
	constants.LabourTimesheet,
	constants.EquipmentLog,
}

// CategoryHint lists the fields the model should look for in one category.
type CategoryHint struct {
	Name    string     `yaml:"name"`
	NoPrice bool       `yaml:"no_price"`
	Fields  [][]string `yaml:"fields"`
}

// Hints is the category to expected-fields table.
type Hints struct {
	Categories []CategoryHint `yaml:"categories"`
}

// DefaultHints returns the built-in hint table.
func DefaultHints() Hints {
	h, err := parseHints(defaultHintsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt hints: %v", err))
	}
	return h
}

// LoadHints reads a hint table from path, or the built-in one when path is empty.
func LoadHints(path string) (Hints, error) {
	if path == "" {
		return DefaultHints(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Hints{}, fmt.Errorf("read hints: %w", err)
	}
	return parseHints(b)
}

func parseHints(b []byte) (Hints, error) {
	var h Hints
	if err := yaml.Unmarshal(b, &h); err != nil {
		return Hints{}, fmt.Errorf("parse hints: %w", err)
	}
	for i, c := range h.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return Hints{}, fmt.Errorf("parse hints: category %d has no name", i)
		}
	}
	return h, nil
}

// PromptOptions controls prompt assembly.
type PromptOptions struct {
	// Fresh uses the short rule set instead of the full one.
	Fresh bool
	// CustomRules are operator rules appended after the built-in rules.
	CustomRules []string
	Hints       *Hints
}

// BuildPrompt assembles the extraction prompt. Built-in rules are numbered
// from 1; custom rules continue the numbering (from 30 with the full rule
// set, from 11 with the fresh one).
func BuildPrompt(opts PromptOptions) string {
	hints := opts.Hints
	if hints == nil {
		h := DefaultHints()
		hints = &h
	}

	rules := splitRules(baseRules)
	if !opts.Fresh {
		rules = append(rules, splitRules(extendedRules)...)
	}
	for _, r := range opts.CustomRules {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, r)
		}
	}

	var b strings.Builder
	b.WriteString(renderHeader(*hints))
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	b.WriteString("\n")
	b.WriteString(closingInstruction)
	return b.String()
}

// FirstCustomRuleNumber is the number the first custom rule receives.
func FirstCustomRuleNumber(fresh bool) int {
	n := len(splitRules(baseRules))
	if !fresh {
		n += len(splitRules(extendedRules))
	}
	return n + 1
}

func renderHeader(h Hints) string {
	var cats, enum []string
	for i, c := range promptCategoryOrder {
		cats = append(cats, fmt.Sprintf("%d. %s", i+1, c))
		enum = append(enum, string(c))
	}

	var fields strings.Builder
	for _, c := range h.Categories {
		qualifier := "extract if present - ALL FIELD NAMES MUST BE CAPITAL"
		if c.NoPrice {
			qualifier = "extract if present - NO PRICE FIELDS - ALL FIELD NAMES MUST BE CAPITAL"
		}
		fmt.Fprintf(&fields, "%s fields (%s):\n", strings.ToUpper(c.Name), qualifier)
		for _, group := range c.Fields {
			fmt.Fprintf(&fields, "- %s\n", strings.Join(group, ", "))
		}
		fields.WriteString("\n")
	}

	r := strings.NewReplacer(
		"{{CATEGORIES}}", strings.Join(cats, "\n"),
		"{{CATEGORY_ENUM}}", strings.Join(enum, "/"),
		"{{FIELDS}}", fields.String(),
	)
	return r.Replace(promptHeader)
}

func splitRules(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
