// Package redact implements the broker's structural redaction transform,
// per spec.md §4.1: a pure, total function over JSON-like values
// (map[string]any, []any, scalars) that masks sensitive-looking keys and
// records what it masked.
//
// Unlike the teacher's common/redact (string substitution keyed on known
// secret values), this redactor has no prior knowledge of which values are
// secret — it infers sensitivity purely from key names, because the core
// must be able to redact audit payloads it did not construct (policy
// decisions, operation descriptions) without being handed the secret value
// up front.
package redact

import (
	"fmt"
	"strings"
)

// Value is the placeholder substituted for any value reached through a
// sensitive key.
const Value = "***REDACTED***"

// sensitiveSubstrings is the closed set of case-insensitive substrings that
// mark a mapping key as sensitive, per spec.md §4.1.
var sensitiveSubstrings = []string{
	"token", "secret", "authorization", "cookie", "password", "api_key",
}

// Record describes one redaction that occurred during a Walk: the dotted
// path to the masked value and why it was masked.
type Record struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Walk traverses value depth-first and returns a structurally identical
// value with sensitive entries masked, plus the list of redactions applied
// in traversal order. Walk does not descend into a value it has just
// redacted. Path syntax: dot-joined keys, with indexed sequence elements
// written parent[index]; the root segment has no leading dot.
func Walk(value any) (any, []Record) {
	var records []Record
	out := walk(value, "", &records)
	return out, records
}

func walk(value any, path string, records *[]Record) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			keyPath := key
			if path != "" {
				keyPath = path + "." + key
			}
			if isSensitiveKey(key) {
				*records = append(*records, Record{Field: keyPath, Reason: "sensitive"})
				out[key] = Value
				continue
			}
			out[key] = walk(item, keyPath, records)
		}
		return out

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = walk(item, fmt.Sprintf("%s[%d]", path, i), records)
		}
		return out

	default:
		// Scalars pass through untouched; no string conversion is performed
		// so non-redacted values keep their original Go type.
		return v
	}
}

// isSensitiveKey reports whether key, lowercased, contains any of the
// closed substring set as a substring.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveSubstrings {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
