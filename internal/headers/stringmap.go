// Package headers implements StringMap, the case-insensitive,
// multi-valued, insertion-ordered header map used for every HTTP-like
// header set in this module (request headers, response headers,
// translation-request fields).
package headers

import (
	"bytes"
	"encoding/gob"
	"strings"
)

// Map is a case-insensitive multimap with stable insertion order.
// Keys are stored lower-cased; lookups lower-case the query key.
type Map struct {
	entries []entry
}

type entry struct {
	key   string // lower-cased
	value string
}

// New returns an empty Map.
func New() *Map { return &Map{} }

func lower(key string) string { return strings.ToLower(key) }

// Add appends a (key, value) pair without touching any existing entry
// for key.
func (m *Map) Add(key, value string) {
	m.entries = append(m.entries, entry{lower(key), value})
}

// Set replaces the first entry for key with value, removing any
// additional entries for key, and returns the previous value (if any).
// If key was absent, it is appended.
func (m *Map) Set(key, value string) (previous string, had bool) {
	lk := lower(key)
	out := m.entries[:0]
	replaced := false
	for _, e := range m.entries {
		if e.key == lk {
			if !had {
				previous, had = e.value, true
			}
			if !replaced {
				out = append(out, entry{lk, value})
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	m.entries = out
	if !replaced {
		m.entries = append(m.entries, entry{lk, value})
	}
	return previous, had
}

// Remove deletes the first entry for key and returns its value.
func (m *Map) Remove(key string) (value string, ok bool) {
	lk := lower(key)
	for i, e := range m.entries {
		if e.key == lk {
			value = e.value
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return value, true
		}
	}
	return "", false
}

// RemoveAll deletes every entry for key.
func (m *Map) RemoveAll(key string) {
	lk := lower(key)
	out := m.entries[:0]
	for _, e := range m.entries {
		if e.key != lk {
			out = append(out, e)
		}
	}
	m.entries = out
}

// SecureSet removes every existing entry for key, then — if value is
// non-empty — adds exactly one entry with that value. It is used to
// strip attacker-controllable headers (e.g. X-CM4all-Beng-User) before
// optionally re-asserting a trusted value.
func (m *Map) SecureSet(key, value string) {
	m.RemoveAll(key)
	if value != "" {
		m.Add(key, value)
	}
}

// Get returns the first value for key.
func (m *Map) Get(key string) (string, bool) {
	lk := lower(key)
	for _, e := range m.entries {
		if e.key == lk {
			return e.value, true
		}
	}
	return "", false
}

// GetOr returns the first value for key, or def if absent.
func (m *Map) GetOr(key, def string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

// Contains reports whether key has at least one entry.
func (m *Map) Contains(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// EqualRange returns every value stored for key, in insertion order.
func (m *Map) EqualRange(key string) []string {
	lk := lower(key)
	var out []string
	for _, e := range m.entries {
		if e.key == lk {
			out = append(out, e.value)
		}
	}
	return out
}

// ForEach calls fn for every entry matching key, in insertion order. If
// key is empty, fn is called for every entry in the map.
func (m *Map) ForEach(key string, fn func(value string)) {
	lk := lower(key)
	for _, e := range m.entries {
		if key == "" || e.key == lk {
			fn(e.value)
		}
	}
}

// ForEachAll calls fn for every (key, value) entry in insertion order.
func (m *Map) ForEachAll(fn func(key, value string)) {
	for _, e := range m.entries {
		fn(e.key, e.value)
	}
}

// CopyFrom copies every entry for key from src into m, appending.
func (m *Map) CopyFrom(src *Map, key string) {
	lk := lower(key)
	for _, e := range src.entries {
		if e.key == lk {
			m.entries = append(m.entries, e)
		}
	}
}

// PrefixCopyFrom copies every entry whose key starts with prefix
// (case-insensitive) from src into m, appending.
func (m *Map) PrefixCopyFrom(src *Map, prefix string) {
	lp := lower(prefix)
	for _, e := range src.entries {
		if strings.HasPrefix(e.key, lp) {
			m.entries = append(m.entries, e)
		}
	}
}

// Len returns the total number of entries (counting duplicates).
func (m *Map) Len() int { return len(m.entries) }

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := &Map{entries: make([]entry, len(m.entries))}
	copy(out.entries, m.entries)
	return out
}

// GobEncode/GobDecode let a Map round-trip through gob despite entry's
// fields being unexported: they marshal through a flat []string pair
// list instead, used by the translation cache's and HttpCache's disk
// snapshot tiers.
func (m *Map) GobEncode() ([]byte, error) {
	pairs := make([]string, 0, len(m.entries)*2)
	for _, e := range m.entries {
		pairs = append(pairs, e.key, e.value)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pairs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Map) GobDecode(data []byte) error {
	var pairs []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&pairs); err != nil {
		return err
	}
	m.entries = m.entries[:0]
	for i := 0; i+1 < len(pairs); i += 2 {
		m.entries = append(m.entries, entry{pairs[i], pairs[i+1]})
	}
	return nil
}
