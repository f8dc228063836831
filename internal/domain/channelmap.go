package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChannelMap is a mapping keyed by channel ID that preserves insertion order.
// Iteration order is observable: it drives the selector's tie-break.
type ChannelMap[V any] struct {
	keys   []string
	values []V
	index  map[string]int
}

// NewChannelMap creates an empty map with room for n entries.
func NewChannelMap[V any](n int) *ChannelMap[V] {
	return &ChannelMap[V]{
		keys:   make([]string, 0, n),
		values: make([]V, 0, n),
		index:  make(map[string]int, n),
	}
}

// Set inserts or overwrites a value. Overwrites keep the original position.
func (m *ChannelMap[V]) Set(channelID string, v V) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[channelID]; ok {
		m.values[i] = v
		return
	}
	m.index[channelID] = len(m.keys)
	m.keys = append(m.keys, channelID)
	m.values = append(m.values, v)
}

// Get returns the value for a channel ID.
func (m *ChannelMap[V]) Get(channelID string) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	i, ok := m.index[channelID]
	if !ok {
		return zero, false
	}
	return m.values[i], true
}

// Has reports whether a channel ID is present.
func (m *ChannelMap[V]) Has(channelID string) bool {
	if m == nil {
		return false
	}
	_, ok := m.index[channelID]
	return ok
}

// Len returns the number of entries.
func (m *ChannelMap[V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the channel IDs in insertion order.
func (m *ChannelMap[V]) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Values returns the values in insertion order.
func (m *ChannelMap[V]) Values() []V {
	if m == nil {
		return nil
	}
	out := make([]V, len(m.values))
	copy(out, m.values)
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *ChannelMap[V]) Range(fn func(channelID string, v V) bool) {
	if m == nil {
		return
	}
	for i, k := range m.keys {
		if !fn(k, m.values[i]) {
			return
		}
	}
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (m *ChannelMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the document's key order.
// Duplicate keys overwrite in place.
func (m *ChannelMap[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("channel map: expected JSON object")
	}

	*m = ChannelMap[V]{index: make(map[string]int)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("channel map: expected string key")
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("channel map: key %q: %w", key, err)
		}
		m.Set(key, v)
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
