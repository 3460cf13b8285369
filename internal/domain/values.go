package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONMap is an opaque schema-free bag stored and returned without interpretation.
type JSONMap map[string]any

// Clone returns a shallow copy of the map. Nested values are shared.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IDSet is an ordered set of external identifiers.
// It decodes from a JSON array of strings or numbers, dropping duplicates.
type IDSet []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("id set: %w", err)
	}

	values := make([]string, 0, len(raw))
	for _, item := range raw {
		id, err := decodeID(item)
		if err != nil {
			return err
		}
		values = append(values, id)
	}

	*s = NewIDSet(values...)
	return nil
}

// NewIDSet builds a set from the given values, keeping first-seen order.
func NewIDSet(values ...string) IDSet {
	seen := make(map[string]struct{}, len(values))
	out := make(IDSet, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func decodeID(item json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(item, &str); err == nil {
		return str, nil
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return "", fmt.Errorf("id set: unsupported element %s", string(item))
	}
	if _, err := strconv.ParseInt(num.String(), 10, 64); err != nil {
		return "", fmt.Errorf("id set: non-integer id %s", num.String())
	}
	return num.String(), nil
}

// UniqueStrings returns values without duplicates or empty strings, keeping first-seen order.
func UniqueStrings(values ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range values {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
