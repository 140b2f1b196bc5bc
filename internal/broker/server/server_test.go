package server

import (
	"context"
	"testing"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/audit"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/config"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/tokens"
)

type fakeResolver struct {
	value string
	err   error
}

func (f fakeResolver) Resolve(ctx context.Context, ref secrets.Reference) (string, error) {
	return f.value, f.err
}

type fakeMinter struct {
	expiresIn int
	err       error
}

func (f fakeMinter) Mint(ctx context.Context, tenantID, clientID, clientSecret, scope string, timeoutSeconds int) (string, string, int, error) {
	if f.err != nil {
		return "", "", 0, f.err
	}
	return "minted-token-value", "Bearer", f.expiresIn, nil
}

func testBrokerConfig() *config.BrokerConfig {
	ref, _ := secrets.ParseReference("op://vault/item/field")
	return &config.BrokerConfig{
		Environment:                 "test",
		ServiceName:                 "mcp-auth-broker",
		ContractVersion:             "v0.1.0",
		PolicyVersion:               "v0.1.0",
		DefaultTimeoutMs:            10000,
		AllowedScopes:               []string{"User.Read"},
		AllowedGraphResources:       []string{"https://graph.microsoft.com"},
		SecretProviderMode:          config.SecretProviderNone,
		GraphSecretReference:        &ref,
		GraphClientID:               "test-client",
		TokenCacheSkewSeconds:       60,
		TokenMaxTTLSeconds:          3000,
		TokenProviderTimeoutSeconds: 4,
	}
}

func newTestServer(cfg *config.BrokerConfig, resolver secrets.Resolver, minter tokens.Minter, sink audit.Sink) (*Server, *audit.Emitter) {
	ref := secrets.Reference{}
	if cfg.GraphSecretReference != nil {
		ref = *cfg.GraphSecretReference
	}
	provider := tokens.NewProvider(cfg.GraphClientID, ref, resolver)
	provider.Minter = minter
	provider.AllowedResources = cfg.AllowedGraphResources
	provider.AllowedScopes = cfg.AllowedScopes
	provider.CacheSkewSeconds = cfg.TokenCacheSkewSeconds
	provider.MaxTTLSeconds = cfg.TokenMaxTTLSeconds
	provider.TimeoutSeconds = cfg.TokenProviderTimeoutSeconds

	emitter := audit.New(audit.EnvelopeConfig{ServiceName: cfg.ServiceName, Environment: cfg.Environment}, sink)
	return New(cfg, emitter, resolver, provider), emitter
}

const validRequestJSON = `{
	"contract_version": "v0.1.0",
	"request_id": "req-1",
	"requester": {"requester_id": "user-1", "identity_assurance": "verified"},
	"graph": {"tenant_id": "tenant-1", "resource": "https://graph.microsoft.com", "scopes": ["User.Read"]},
	"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"},
	"timeout_ms": 1000
}`

// TestExecuteTool_HappyPath mirrors spec.md S1: an allowed request mints a
// token and returns a success envelope carrying only token metadata.
func TestExecuteTool_HappyPath(t *testing.T) {
	cfg := testBrokerConfig()
	resolver := fakeResolver{value: "shh"}
	minter := fakeMinter{expiresIn: 600}
	sink := audit.NewMemorySink()
	srv, _ := newTestServer(cfg, resolver, minter, sink)

	envelope := srv.ExecuteTool(context.Background(), "auth.graph.operation.execute.v1", []byte(validRequestJSON))

	if envelope.Status != "ok" {
		t.Fatalf("expected status ok, got %q (error: %+v)", envelope.Status, envelope.Error)
	}
	if envelope.RequestID != "req-1" {
		t.Fatalf("expected request_id req-1, got %q", envelope.RequestID)
	}
	if envelope.Result == nil {
		t.Fatal("expected a non-nil result")
	}
	metadata, ok := envelope.Result.Execution.ResponseBody.TokenMetadata.(tokens.Metadata)
	if !ok {
		t.Fatalf("expected token_metadata to be tokens.Metadata, got %T", envelope.Result.Execution.ResponseBody.TokenMetadata)
	}
	if metadata.Source != tokens.SourceMinted {
		t.Fatalf("expected source %q, got %q", tokens.SourceMinted, metadata.Source)
	}

	events := sink.Events()
	wantTypes := []string{"request.received", "policy.decided", "provider.called", "result.emitted"}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d audit events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected type %q, got %q", i, want, events[i].EventType)
		}
	}

	for _, e := range events {
		assertNoLeakedToken(t, e)
	}
}

// TestExecuteTool_ScopeDenied mirrors spec.md S2: a request for a scope
// outside the allowlist is denied by policy before any secret or token I/O,
// and the audit trail stops at policy.decided/result.emitted.
func TestExecuteTool_ScopeDenied(t *testing.T) {
	cfg := testBrokerConfig()
	resolver := fakeResolver{value: "shh"}
	minter := fakeMinter{expiresIn: 600}
	sink := audit.NewMemorySink()
	srv, _ := newTestServer(cfg, resolver, minter, sink)

	raw := []byte(`{
		"contract_version": "v0.1.0",
		"request_id": "req-2",
		"requester": {"requester_id": "user-1"},
		"graph": {"tenant_id": "tenant-1", "resource": "https://graph.microsoft.com", "scopes": ["Mail.Send"]},
		"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"}
	}`)

	envelope := srv.ExecuteTool(context.Background(), "auth.graph.operation.execute.v1", raw)

	if envelope.Status != "error" {
		t.Fatalf("expected status error, got %q", envelope.Status)
	}
	if envelope.Error.Code != CodePolicyDenied {
		t.Fatalf("expected code %q, got %q", CodePolicyDenied, envelope.Error.Code)
	}
	if envelope.Error.Category != "policy" {
		t.Fatalf("expected category policy, got %q", envelope.Error.Category)
	}

	events := sink.Events()
	wantTypes := []string{"request.received", "policy.decided", "result.emitted"}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d audit events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected type %q, got %q", i, want, events[i].EventType)
		}
	}
}

// TestExecuteTool_InvalidRequestEmitsNoAuditEvent covers spec.md §4.8 step
// 1: a structurally invalid request fails before the trace ID exists, so
// no audit event is ever emitted.
func TestExecuteTool_InvalidRequestEmitsNoAuditEvent(t *testing.T) {
	cfg := testBrokerConfig()
	sink := audit.NewMemorySink()
	srv, _ := newTestServer(cfg, fakeResolver{value: "shh"}, fakeMinter{expiresIn: 600}, sink)

	raw := []byte(`{"contract_version": "v0.1.0", "request_id": "req-3"}`)

	envelope := srv.ExecuteTool(context.Background(), "auth.graph.operation.execute.v1", raw)

	if envelope.Status != "error" {
		t.Fatalf("expected status error, got %q", envelope.Status)
	}
	if envelope.Error.Code != CodeBadRequestInvalidField {
		t.Fatalf("expected code %q, got %q", CodeBadRequestInvalidField, envelope.Error.Code)
	}
	if got := len(sink.Events()); got != 0 {
		t.Fatalf("expected no audit events for a pre-validation failure, got %d", got)
	}
}

// TestExecuteTool_SecretPreflightFailureRedactsValue covers spec.md §4.8
// step 6 and invariant 6: a failed secret preflight must never leak the
// resolved value, and the audit record for it carries an explicit
// redaction entry.
func TestExecuteTool_SecretPreflightFailureRedactsValue(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.SecretProviderMode = config.SecretProviderOnePassword

	resolver := fakeResolver{err: &secrets.ResolverError{Code: secrets.CodeAccessDenied, Message: "denied"}}
	sink := audit.NewMemorySink()
	srv, _ := newTestServer(cfg, resolver, fakeMinter{expiresIn: 600}, sink)

	envelope := srv.ExecuteTool(context.Background(), "auth.graph.operation.execute.v1", []byte(validRequestJSON))

	if envelope.Status != "error" {
		t.Fatalf("expected status error, got %q", envelope.Status)
	}
	if envelope.Error.Code != secrets.CodeAccessDenied {
		t.Fatalf("expected code %q, got %q", secrets.CodeAccessDenied, envelope.Error.Code)
	}

	events := sink.Events()
	last := events[len(events)-1]
	if last.EventType != "result.emitted" {
		t.Fatalf("expected last event result.emitted, got %q", last.EventType)
	}
	if len(last.Redactions) == 0 {
		t.Fatal("expected the secret-preflight failure event to carry redaction records")
	}

	for _, e := range events {
		assertNoLeakedToken(t, e)
	}
}

// TestExecuteTool_TokenMintFailurePropagatesCode covers §4.8 step 7: a
// mint failure with no cached fallback surfaces the provider's error code
// verbatim, never remapped to a generic code.
func TestExecuteTool_TokenMintFailurePropagatesCode(t *testing.T) {
	cfg := testBrokerConfig()
	resolver := fakeResolver{value: "shh"}
	minter := fakeMinter{err: &tokens.MintError{Code: tokens.CodeProviderAuthFailed, Message: "bad creds"}}
	sink := audit.NewMemorySink()
	srv, _ := newTestServer(cfg, resolver, minter, sink)

	envelope := srv.ExecuteTool(context.Background(), "auth.graph.operation.execute.v1", []byte(validRequestJSON))

	if envelope.Status != "error" {
		t.Fatalf("expected status error, got %q", envelope.Status)
	}
	if envelope.Error.Code != tokens.CodeProviderAuthFailed {
		t.Fatalf("expected code %q, got %q", tokens.CodeProviderAuthFailed, envelope.Error.Code)
	}
}

// assertNoLeakedToken walks an audit event's JSON-round-tripped payload
// looking for the literal minted token value, enforcing spec.md §8
// invariant 5 (no token ever appears in the audit trail).
func assertNoLeakedToken(t *testing.T, e audit.Event) {
	t.Helper()
	if containsString(e.Payload, "minted-token-value") {
		t.Fatalf("audit event %q leaked the raw token value: %+v", e.EventType, e.Payload)
	}
}

func containsString(v any, needle string) bool {
	switch val := v.(type) {
	case string:
		return val == needle
	case map[string]any:
		for _, sub := range val {
			if containsString(sub, needle) {
				return true
			}
		}
	case []any:
		for _, sub := range val {
			if containsString(sub, needle) {
				return true
			}
		}
	}
	return false
}
