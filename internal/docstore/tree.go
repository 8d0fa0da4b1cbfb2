// internal/docstore/tree.go
package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SplitPath turns "rooms/a/players" into its segments. The empty path and
// "/" address the root.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, "#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// JoinPath joins segments back into a slash path.
func JoinPath(segs ...string) string {
	return strings.Join(segs, "/")
}

// Overlaps reports whether a write at one path is visible at the other,
// i.e. one is a prefix of the other.
func Overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Document is a decoded JSON tree. Numbers are kept as json.Number so
// millisecond timestamps survive untouched. Empty objects and nulls are
// never stored: writing one deletes the path instead.
type Document struct {
	root map[string]interface{}
}

// NewDocument returns an empty tree.
func NewDocument() *Document {
	return &Document{root: make(map[string]interface{})}
}

// LoadDocument decodes a serialized tree. Empty input yields an empty tree.
func LoadDocument(raw []byte) (*Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NewDocument(), nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("document root is %T, want object", v)
	}
	return &Document{root: m}, nil
}

// Bytes serializes the whole tree.
func (d *Document) Bytes() ([]byte, error) {
	return json.Marshal(d.root)
}

// Get returns the value at segs, or nil.
func (d *Document) Get(segs []string) interface{} {
	var cur interface{} = d.root
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[s]
		if !ok {
			return nil
		}
	}
	return cur
}

// Raw returns the JSON encoding of the value at segs, or nil if absent.
func (d *Document) Raw(segs []string) (json.RawMessage, error) {
	v := d.Get(segs)
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Set stores an already normalized value at segs. A nil value deletes.
func (d *Document) Set(segs []string, v interface{}) error {
	if len(segs) == 0 {
		if v == nil {
			d.root = make(map[string]interface{})
			return nil
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: root must be an object", ErrInvalidPath)
		}
		d.root = m
		return nil
	}

	if v == nil {
		d.remove(segs)
		return nil
	}

	cur := d.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[s] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

// remove deletes the leaf and prunes every ancestor left empty.
func (d *Document) remove(segs []string) {
	chain := make([]map[string]interface{}, 0, len(segs))
	cur := d.root
	for i, s := range segs {
		chain = append(chain, cur)
		if i == len(segs)-1 {
			break
		}
		next, ok := cur[s].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
	delete(chain[len(chain)-1], segs[len(segs)-1])
	for i := len(chain) - 1; i > 0; i-- {
		if len(chain[i]) > 0 {
			return
		}
		delete(chain[i-1], segs[i-1])
	}
}

// Update applies normalized fields relative to base. Keys must not overlap
// each other, otherwise the outcome would depend on apply order.
// It returns the absolute paths that were written.
func (d *Document) Update(base []string, fields map[string]interface{}) ([][]string, error) {
	keys := make([]string, 0, len(fields))
	rel := make(map[string][]string, len(fields))
	for k := range fields {
		segs, err := SplitPath(k)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		keys = append(keys, k)
		rel[k] = segs
	}
	sort.Strings(keys)
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if Overlaps(rel[keys[i]], rel[keys[j]]) {
				return nil, fmt.Errorf("%w: update keys %q and %q overlap", ErrInvalidPath, keys[i], keys[j])
			}
		}
	}

	changed := make([][]string, 0, len(keys))
	for _, k := range keys {
		abs := append(append([]string{}, base...), rel[k]...)
		if err := d.Set(abs, fields[k]); err != nil {
			return nil, err
		}
		changed = append(changed, abs)
	}
	return changed, nil
}

// Normalize converts an arbitrary Go value into the tree representation:
// a JSON round trip with json.Number, ServerTimestamp placeholders resolved
// to now, and nulls and empty objects stripped.
func Normalize(v interface{}, now time.Time) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
	}
	decoded, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return clean(decoded, now), nil
}

// NormalizeFields normalizes every value of an update.
func NormalizeFields(fields map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		n, err := Normalize(v, now)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func decodeValue(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

func clean(v interface{}, now time.Time) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if isServerTimestamp(t) {
			return json.Number(strconv.FormatInt(now.UnixMilli(), 10))
		}
		for k, child := range t {
			c := clean(child, now)
			if c == nil {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = clean(t[i], now)
		}
		return t
	default:
		return v
	}
}

func isServerTimestamp(m map[string]interface{}) bool {
	if len(m) != 1 {
		return false
	}
	s, ok := m[".sv"].(string)
	return ok && s == "timestamp"
}
