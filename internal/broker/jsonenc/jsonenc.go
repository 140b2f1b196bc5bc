// Package jsonenc provides the broker's canonical JSON encoding: compact,
// single-line, with object keys sorted lexicographically, per spec.md §6
// ("All output is single-line JSON with sorted keys") and §4.2's audit
// sink format ("One JSON object per line, keys sorted lexicographically").
//
// encoding/json already sorts map[string]any keys, but marshals struct
// fields in declaration order — and spec.md §9 asks for tagged structs over
// generic maps. pretty.PrettyOptions re-sorts object keys regardless of
// source representation, so structs and maps encode identically.
package jsonenc

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/pretty"
)

var sortedOpts = &pretty.Options{SortKeys: true}

// Marshal encodes v as compact, sorted-key JSON with no trailing newline.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonenc: marshal: %w", err)
	}
	sorted := pretty.PrettyOptions(raw, sortedOpts)
	return pretty.Ugly(sorted), nil
}

// MarshalLine is Marshal with a trailing newline, for line-delimited sinks
// (the audit sink, CLI stdout).
func MarshalLine(v any) ([]byte, error) {
	line, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// MustMarshal is Marshal but panics on error. Reserved for call sites where
// v is a value this package's own callers constructed and a marshal
// failure would indicate a programming bug (e.g. a channel or func field).
func MustMarshal(v any) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
