package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/audit"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/config"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/policy"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/redact"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/registry"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/telemetry"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/tokens"
)

// Server owns Config, the Audit Emitter, the (optional) preflight Secret
// Resolver, and the Token Provider, per spec.md §9's ownership rules:
// Server owns these four; Token Provider owns the Cache and merely
// references (does not own) the Secret Resolver and Token Minter.
type Server struct {
	cfg            *config.BrokerConfig
	emitter        *audit.Emitter
	secretResolver secrets.Resolver
	provider       *tokens.Provider
}

// New builds a Server. provider, if nil, is constructed from cfg using
// NewHTTPMinter and a fresh Cache; resolver, if nil, defaults to
// NoneResolver whatever cfg.SecretProviderMode says.
func New(cfg *config.BrokerConfig, emitter *audit.Emitter, resolver secrets.Resolver, provider *tokens.Provider) *Server {
	if resolver == nil {
		resolver = secrets.NoneResolver{}
	}
	if provider == nil {
		ref := secrets.Reference{}
		if cfg.GraphSecretReference != nil {
			ref = *cfg.GraphSecretReference
		}
		provider = tokens.NewProvider(cfg.GraphClientID, ref, resolver)
		provider.AllowedResources = cfg.AllowedGraphResources
		provider.AllowedScopes = cfg.AllowedScopes
		provider.CacheSkewSeconds = cfg.TokenCacheSkewSeconds
		provider.MaxTTLSeconds = cfg.TokenMaxTTLSeconds
		provider.TimeoutSeconds = cfg.TokenProviderTimeoutSeconds
	}
	return &Server{cfg: cfg, emitter: emitter, secretResolver: resolver, provider: provider}
}

// Health implements spec.md §4.8's health() operation.
func (s *Server) Health() HealthResponse {
	return HealthResponse{Status: "ok", Service: s.cfg.ServiceName}
}

// Readiness implements spec.md §4.8's readiness() operation.
func (s *Server) Readiness() ReadinessResponse {
	return ReadinessResponse{Status: "ready", Environment: s.cfg.Environment}
}

// DiscoverTools implements spec.md §4.8's discover_tools() operation.
func (s *Server) DiscoverTools() ([]registry.Descriptor, error) {
	return registry.DiscoverTools()
}

// ExecuteTool implements spec.md §4.8's execute_tool algorithm. Each state
// transition (validating, policy_evaluating, secret_resolving,
// token_acquiring, executing, emitting_result) opens and closes its own
// span, child of a root span tagged with request_id and trace_id; a span's
// status is set to Error on its own terminal failure branch.
func (s *Server) ExecuteTool(ctx context.Context, toolName string, raw []byte) Envelope {
	requestID := extractRequestID(raw)

	ctx, rootSpan := telemetry.StartStage(ctx, "execute_tool")
	rootSpan.SetAttributes(attribute.String("request_id", requestID))
	defer rootSpan.End()

	_, validateSpan := telemetry.StartStage(ctx, "validating")

	if toolName != registry.ToolName {
		validateSpan.SetStatus(codes.Error, CodeBadRequestUnsupportedOperation)
		validateSpan.End()
		rootSpan.SetStatus(codes.Error, CodeBadRequestUnsupportedOperation)
		return s.errorEnvelope(requestID, CodeBadRequestUnsupportedOperation, "Unsupported tool name", map[string]any{"tool_name": toolName})
	}

	req, verr := validate(raw, s.cfg.ContractVersion)
	if verr != nil {
		validateSpan.SetStatus(codes.Error, verr.Code)
		validateSpan.End()
		rootSpan.SetStatus(codes.Error, verr.Code)
		message := "Invalid request"
		metadata := map[string]any{}
		if verr.Fields != nil {
			metadata["fields"] = verr.Fields
		}
		return s.errorEnvelope(requestID, verr.Code, message, metadata)
	}
	validateSpan.End()

	traceID := uuid.NewString()
	rootSpan.SetAttributes(attribute.String("trace_id", traceID))

	timeoutMs := s.cfg.DefaultTimeoutMs
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}
	// Per SPEC_FULL.md §9: timeout_ms bounds the whole execute_tool call,
	// including the mint request, rather than being forwarded separately
	// to the Token Provider. If it fires before the mint completes, the
	// in-flight HTTP call is cancelled and surfaces as provider.timeout.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	s.emitter.Emit(req, traceID, "request.received", map[string]any{
		"tool_name":        toolName,
		"contract_version": req.ContractVersion,
		"tenant_id":        req.Graph.TenantID,
		"requested_scopes": req.Graph.Scopes,
	}, nil)

	_, policySpan := telemetry.StartStage(ctx, "policy_evaluating")
	decision := policy.Evaluate(req, s.cfg)
	s.emitter.Emit(req, traceID, "policy.decided", map[string]any{
		"decision":        decision.Decision,
		"reason":          decision.Reason,
		"policy_version":  decision.Metadata.PolicyVersion,
		"matched_rule_id": decision.Metadata.MatchedRuleID,
	}, nil)

	if decision.Decision == policy.DecisionDeny {
		policySpan.SetStatus(codes.Error, decision.Reason)
		policySpan.End()
		resp := s.errorEnvelope(requestID, CodePolicyDenied, "Access denied by policy", map[string]any{"reason_code": decision.Reason})
		s.emitResult(ctx, req, traceID, "error", resp.Error.Code, nil)
		rootSpan.SetStatus(codes.Error, resp.Error.Code)
		return resp
	}
	policySpan.End()

	if s.cfg.SecretProviderMode != config.SecretProviderNone && s.cfg.GraphSecretReference != nil {
		_, secretSpan := telemetry.StartStage(ctx, "secret_resolving")
		secretValue, err := s.secretResolver.Resolve(ctx, *s.cfg.GraphSecretReference)
		code, message, isErr := classifySecretPreflight(secretValue, err, *s.cfg.GraphSecretReference)
		if isErr {
			secretSpan.SetStatus(codes.Error, code)
			secretSpan.End()
			resp := s.errorEnvelope(requestID, code, message, map[string]any{"reference": s.cfg.GraphSecretReference.URI()})
			s.emitResult(ctx, req, traceID, "error", resp.Error.Code, []redact.Record{{Field: "error.metadata.secret_value", Reason: "sensitive"}})
			rootSpan.SetStatus(codes.Error, resp.Error.Code)
			return resp
		}
		secretSpan.End()
	}

	_, tokenSpan := telemetry.StartStage(ctx, "token_acquiring")
	result, err := s.provider.GetToken(ctx, req.Graph.TenantID, req.Graph.Resource, req.Graph.Scopes, false, nil)
	if err != nil {
		perr, ok := err.(*tokens.ProviderError)
		code := "provider.unavailable"
		message := err.Error()
		if ok {
			code = perr.Code
			message = perr.Message
		}
		tokenSpan.SetStatus(codes.Error, code)
		tokenSpan.End()
		resp := s.errorEnvelope(requestID, code, message, map[string]any{})
		s.emitResult(ctx, req, traceID, "error", resp.Error.Code, nil)
		rootSpan.SetStatus(codes.Error, resp.Error.Code)
		return resp
	}
	tokenSpan.End()

	_, executingSpan := telemetry.StartStage(ctx, "executing")
	s.emitter.Emit(req, traceID, "provider.called", map[string]any{
		"provider":   "microsoft_graph",
		"operation":  req.Operation,
		"timeout_ms": timeoutMs,
		"attempt":    1,
		"outcome":    "success",
	}, nil)

	envelope := Envelope{
		ContractVersion: s.cfg.ContractVersion,
		RequestID:       requestID,
		Status:          "ok",
		Result: &Result{
			Policy: decision,
			Execution: Execution{
				Mode:              "broker_downstream_execution",
				Provider:          "microsoft_graph",
				ProviderRequestID: uuid.NewString(),
				HTTPStatus:        200,
				ResponseHeaders:   map[string]any{},
				ResponseBody: ResponseBody{
					OK:            true,
					TokenMetadata: result.Metadata,
				},
			},
			Redactions: []any{},
		},
	}
	executingSpan.End()

	s.emitResult(ctx, req, traceID, "ok", "", nil)

	return envelope
}

// emitResult wraps spec.md §4.8's final "emitting_result" state transition
// in its own span, applied on every exit path. errorCode is empty on
// success; a non-empty errorCode marks the span as Error.
func (s *Server) emitResult(ctx context.Context, req audit.RequestLike, traceID, status, errorCode string, redactions []redact.Record) {
	_, span := telemetry.StartStage(ctx, "emitting_result")
	defer span.End()

	var errorCodeValue any
	if errorCode != "" {
		errorCodeValue = errorCode
		span.SetStatus(codes.Error, errorCode)
	}

	s.emitter.Emit(req, traceID, "result.emitted", map[string]any{
		"status":      status,
		"error_code":  errorCodeValue,
		"duration_ms": 0,
	}, redactions)
}

func (s *Server) errorEnvelope(requestID, code, message string, metadata map[string]any) Envelope {
	return Envelope{
		ContractVersion: s.cfg.ContractVersion,
		RequestID:       requestID,
		Status:          "error",
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: false,
			Category:  category(code),
			Metadata:  metadata,
		},
		Redactions: []any{},
	}
}

// classifySecretPreflight applies spec.md §4.8 step 6's empty-value rule:
// an empty resolved value counts as secret.not_found even though Resolve
// returned no error.
func classifySecretPreflight(value string, err error, ref secrets.Reference) (code, message string, isErr bool) {
	if err != nil {
		if rerr, ok := err.(*secrets.ResolverError); ok {
			return rerr.Code, rerr.Message, true
		}
		return secrets.CodeUnavailable, err.Error(), true
	}
	if value == "" {
		return secrets.CodeNotFound, "secret reference returned empty value", true
	}
	return "", "", false
}

// extractRequestID best-effort extracts request_id from raw JSON even when
// the rest of the payload fails structural validation, matching the
// reference's str(request.get("request_id", "")) fallback so error
// responses still carry a request_id when the caller provided one.
func extractRequestID(raw []byte) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return ""
	}
	idRaw, ok := top["request_id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return ""
	}
	return id
}
