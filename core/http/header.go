package http

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header line
type Field struct {
	Key   string
	Value string
}

// Header is an ordered list of header fields. Lookups are case-insensitive
// and repeated keys are kept in arrival order.
type Header []Field

// Get returns the first value for key
func (h Header) Get(key string) string {
	for i := range h {
		if strings.EqualFold(h[i].Key, key) {
			return h[i].Value
		}
	}
	return ""
}

// Has reports whether key is present
func (h Header) Has(key string) bool {
	for i := range h {
		if strings.EqualFold(h[i].Key, key) {
			return true
		}
	}
	return false
}

// Values returns every value for key
func (h Header) Values(key string) []string {
	var vals []string
	for i := range h {
		if strings.EqualFold(h[i].Key, key) {
			vals = append(vals, h[i].Value)
		}
	}
	return vals
}

// HasToken reports whether the comma separated values of key contain token
func (h Header) HasToken(key, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(key), token)
}

// Add appends a field
func (h *Header) Add(key, value string) {
	*h = append(*h, Field{Key: key, Value: value})
}

// Set replaces all values of key with value
func (h *Header) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes all values of key
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	*h = out
}
