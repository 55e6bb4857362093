package model

import "strings"

// Header is a single name/value pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list. Duplicate names are kept as separate
// entries in arrival order; nothing here ever merges them.
type Headers []Header

// Add appends a header.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Clone returns a copy that shares no backing array with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}
