// Package server implements the Broker Server: the request pipeline state
// machine from spec.md §4.8, composing Config, Audit Emitter, Policy
// Evaluator, (optional) Secret Resolver, and Token Provider into a single
// execute_tool operation, plus the health/readiness/discover_tools
// operations.
package server

import (
	"github.com/bdobrica/mcp-auth-broker/internal/broker/policy"
)

// ErrorDetail is the failure half of the response envelope, per spec.md §3.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Category  string         `json:"category"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Execution is the success-path downstream-call record, per spec.md §4.8
// step 9. It never contains the access token itself, only metadata.
type Execution struct {
	Mode             string         `json:"mode"`
	Provider         string         `json:"provider"`
	ProviderRequestID string        `json:"provider_request_id"`
	HTTPStatus       int            `json:"http_status"`
	ResponseHeaders  map[string]any `json:"response_headers"`
	ResponseBody     ResponseBody   `json:"response_body"`
}

// ResponseBody wraps the token metadata returned to the caller. It never
// contains a "token" or "access_token" key, per spec.md §8 invariant 5.
type ResponseBody struct {
	OK            bool        `json:"ok"`
	TokenMetadata interface{} `json:"token_metadata"`
}

// Result is the success half of the response envelope.
type Result struct {
	Policy     policy.PolicyDecision `json:"policy"`
	Execution  Execution             `json:"execution"`
	Redactions []any                 `json:"redactions"`
}

// Envelope is the full response returned by execute_tool. Exactly one of
// Result / Error is populated, selected by Status.
type Envelope struct {
	ContractVersion string  `json:"contract_version"`
	RequestID       string  `json:"request_id"`
	Status          string  `json:"status"`
	Result          *Result `json:"result,omitempty"`
	Error           *ErrorDetail `json:"error,omitempty"`
	Redactions      []any   `json:"redactions,omitempty"`
}

// HealthResponse is health()'s result.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse is readiness()'s result.
type ReadinessResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
}
