package server

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/model"
)

// Error codes, per spec.md §7. The remaining codes (policy.*, secret.*,
// provider.*) are defined in their owning packages and surfaced verbatim,
// never remapped, per spec.md's propagation policy.
const (
	CodeBadRequestInvalidField       = "bad_request.invalid_field"
	CodeBadRequestInvalidTimeout     = "bad_request.invalid_timeout"
	CodeBadRequestUnsupportedOperation = "bad_request.unsupported_operation"
	CodePolicyDenied                 = "policy.denied"
)

var requiredTopLevelFields = []string{"contract_version", "request_id", "requester", "graph", "operation"}
var allowedTopLevelFields = map[string]bool{
	"contract_version": true,
	"request_id":        true,
	"requester":         true,
	"graph":             true,
	"operation":         true,
	"timeout_ms":        true,
}

// validationError carries the sorted field list spec.md §4.8 step 1
// requires in metadata.fields, alongside the stable error code to use.
type validationError struct {
	Code   string
	Fields []string
}

// validate implements spec.md §4.8 step 1: reject unknown top-level
// fields, missing required fields, a contract_version mismatch, or a
// malformed timeout_ms, in that order.
func validate(raw []byte, contractVersion string) (model.Request, *validationError) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: nil}
	}

	var unknown []string
	for key := range top {
		if !allowedTopLevelFields[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: unknown}
	}

	var missing []string
	for _, field := range requiredTopLevelFields {
		if _, ok := top[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: missing}
	}

	// timeout_ms is decoded separately so that a non-integer value reaches
	// the invalid_timeout check below instead of failing the struct decode.
	timeoutRaw, hasTimeout := top["timeout_ms"]
	delete(top, "timeout_ms")
	body, err := json.Marshal(top)
	if err != nil {
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: nil}
	}

	var req model.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: nil}
	}

	if req.ContractVersion != contractVersion {
		return model.Request{}, &validationError{Code: CodeBadRequestInvalidField, Fields: []string{"contract_version"}}
	}

	if hasTimeout {
		if !isPositiveInteger(timeoutRaw) {
			return model.Request{}, &validationError{Code: CodeBadRequestInvalidTimeout, Fields: []string{"timeout_ms"}}
		}
		n, _ := strconv.Atoi(strings.TrimSpace(string(timeoutRaw)))
		req.TimeoutMs = &n
	}

	return req, nil
}

func isPositiveInteger(raw json.RawMessage) bool {
	text := strings.TrimSpace(string(raw))
	n, err := strconv.Atoi(text)
	if err != nil {
		return false
	}
	return n > 0
}

// category returns the first dotted segment of a stable error code, per
// spec.md §3 ("category is the first dotted segment of code").
func category(code string) string {
	idx := strings.Index(code, ".")
	if idx < 0 {
		return code
	}
	return code[:idx]
}
