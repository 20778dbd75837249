package model

import "strings"

// RawRow is one record of an export payload keyed by column name. Its shape
// follows whatever the source API currently emits, so columns are never
// assumed to be present.
type RawRow map[string]string

// Get returns the trimmed value of field. ok is false when the column is
// missing or blank.
func (r RawRow) Get(field string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r[field]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// First returns the first non-blank value among candidates, tried in order,
// together with the name of the column it came from.
func (r RawRow) First(candidates ...string) (value, field string, ok bool) {
	for _, c := range candidates {
		if v, found := r.Get(c); found {
			return v, c, true
		}
	}
	return "", "", false
}
