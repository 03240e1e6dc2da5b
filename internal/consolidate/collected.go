package consolidate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/joseph-ayodele/invoice-extractor/constants"
)

// ParseCollected converts a service-side consolidated result, an object of
// category arrays keyed like "labour" or "equipmentLog", back into page
// results. Rows are grouped by their own pageNumber; rows without one are
// attributed to fallbackPage. Keys that are not category keys are ignored.
func ParseCollected(raw json.RawMessage, fallbackPage int) ([]PageResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode collected result: %w", err)
	}

	var (
		out   []PageResult
		index = make(map[int]int)
	)
	for _, c := range constants.All() {
		data, ok := byKey[c.Key()]
		if !ok {
			continue
		}
		var rows []*Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode collected %s: %w", c.Key(), err)
		}
		for _, row := range rows {
			if row.Len() == 0 {
				continue
			}
			page := fallbackPage
			if v, ok := row.Get(KeyPageNumber); ok {
				if d, ok := ToDecimal(v); ok && d.IntPart() > 0 {
					page = int(d.IntPart())
				}
			}
			i, seen := index[page]
			if !seen {
				i = len(out)
				index[page] = i
				out = append(out, PageResult{PageNumber: page})
			}
			out[i].Fragments = append(out[i].Fragments, Fragment{Category: c.DisplayName(), Data: row})
		}
	}
	return out, nil
}
