package consolidate

import (
	"bytes"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Row is one extracted record. Keys keep their insertion order, which for
// decoded fragments is the order the model emitted them.
type Row struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewRow builds a row from alternating key/value pairs.
func NewRow(kv ...any) *Row {
	r := &Row{m: orderedmap.New[string, any]()}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			r.m.Set(k, kv[i+1])
		}
	}
	return r
}

func (r *Row) init() {
	if r.m == nil {
		r.m = orderedmap.New[string, any]()
	}
}

func (r *Row) Set(key string, value any) {
	r.init()
	r.m.Set(key, value)
}

func (r *Row) Get(key string) (any, bool) {
	if r == nil || r.m == nil {
		return nil, false
	}
	return r.m.Get(key)
}

// Has reports whether key is present, even with a nil value.
func (r *Row) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Row) Len() int {
	if r == nil || r.m == nil {
		return 0
	}
	return r.m.Len()
}

// Keys returns the keys in insertion order.
func (r *Row) Keys() []string {
	if r == nil || r.m == nil {
		return nil
	}
	keys := make([]string, 0, r.m.Len())
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Range calls fn for each entry in order until fn returns false.
func (r *Row) Range(fn func(key string, value any) bool) {
	if r == nil || r.m == nil {
		return
	}
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Clone returns a shallow copy.
func (r *Row) Clone() *Row {
	out := NewRow()
	r.Range(func(k string, v any) bool {
		out.m.Set(k, v)
		return true
	})
	return out
}

func (r *Row) MarshalJSON() ([]byte, error) {
	if r == nil || r.m == nil {
		return []byte("{}"), nil
	}
	return r.m.MarshalJSON()
}

func (r *Row) UnmarshalJSON(data []byte) error {
	r.m = orderedmap.New[string, any]()
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	return r.m.UnmarshalJSON(data)
}

var _ json.Marshaler = (*Row)(nil)
var _ json.Unmarshaler = (*Row)(nil)
