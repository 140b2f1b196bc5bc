// Package smoke runs an end-to-end self-check of the broker pipeline
// wired entirely with in-memory stub collaborators, per spec.md §2's
// Smoke harness component. Grounded directly on
// original_source/src/mcp_auth_broker/smoke.py's run_smoke_e2e: a fixed
// config, a resolver and minter that always succeed, and one canonical
// request run through the real Server.ExecuteTool.
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/audit"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/config"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/server"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/tokens"
)

// Result is run_smoke_e2e()'s return value.
type Result struct {
	Status      string   `json:"status"`
	Checks      []string `json:"checks"`
	TokenSource string   `json:"token_source"`
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, ref secrets.Reference) (string, error) {
	return "smoke-secret", nil
}

type stubMinter struct{}

func (stubMinter) Mint(ctx context.Context, tenantID, clientID, clientSecret, scope string, timeoutSeconds int) (string, string, int, error) {
	return "smoke-token-value", "Bearer", 600, nil
}

const smokeRequestJSON = `{
	"contract_version": "v0.1.0",
	"request_id": "smoke-req-1",
	"requester": {"requester_id": "smoke-user", "identity_assurance": "verified"},
	"graph": {"tenant_id": "smoke-tenant", "resource": "https://graph.microsoft.com", "scopes": ["User.Read"]},
	"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"},
	"timeout_ms": 1000
}`

// RunE2E builds a fully self-contained Server -- secret resolver and
// token minter both stubbed, audit sink in-memory only -- and drives one
// canonical request through it, failing loudly if the response is
// anything other than a clean success with token metadata and no leaked
// token value.
func RunE2E(ctx context.Context) (Result, error) {
	ref, err := secrets.ParseReference("op://vault/item/field")
	if err != nil {
		return Result{}, fmt.Errorf("smoke: parse secret reference: %w", err)
	}

	cfg := &config.BrokerConfig{
		Environment:                 "smoke",
		ServiceName:                 "mcp-auth-broker",
		ContractVersion:             "v0.1.0",
		PolicyVersion:               "v0.1.0",
		DefaultTimeoutMs:            10000,
		AllowedScopes:               []string{"User.Read"},
		AllowedGraphResources:       []string{"https://graph.microsoft.com"},
		SecretProviderMode:          config.SecretProviderNone,
		GraphSecretReference:       &ref,
		GraphClientID:               "smoke-client",
		TokenCacheSkewSeconds:       60,
		TokenMaxTTLSeconds:          3000,
		TokenProviderTimeoutSeconds: 4,
	}

	provider := tokens.NewProvider(cfg.GraphClientID, ref, stubResolver{})
	provider.Minter = stubMinter{}
	provider.AllowedResources = cfg.AllowedGraphResources
	provider.AllowedScopes = cfg.AllowedScopes
	provider.CacheSkewSeconds = cfg.TokenCacheSkewSeconds
	provider.MaxTTLSeconds = cfg.TokenMaxTTLSeconds
	provider.TimeoutSeconds = cfg.TokenProviderTimeoutSeconds

	emitter := audit.New(audit.EnvelopeConfig{ServiceName: cfg.ServiceName, Environment: cfg.Environment}, nil)
	srv := server.New(cfg, emitter, stubResolver{}, provider)

	envelope := srv.ExecuteTool(ctx, "auth.graph.operation.execute.v1", []byte(smokeRequestJSON))
	if envelope.Status != "ok" {
		return Result{}, fmt.Errorf("smoke: execute_tool failed: %+v", envelope.Error)
	}

	tokenMetadata := envelope.Result.Execution.ResponseBody.TokenMetadata
	if tokenMetadata == nil {
		return Result{}, fmt.Errorf("smoke: missing token metadata in response")
	}

	metadata, ok := tokenMetadata.(tokens.Metadata)
	if !ok {
		return Result{}, fmt.Errorf("smoke: unexpected token metadata type %T", tokenMetadata)
	}

	for _, v := range []any{envelope, emitter.Events()} {
		raw, err := json.Marshal(v)
		if err != nil {
			return Result{}, fmt.Errorf("smoke: encode for leak check: %w", err)
		}
		if bytes.Contains(raw, []byte("smoke-token-value")) {
			return Result{}, fmt.Errorf("smoke: token value leaked into the response or audit trail")
		}
	}

	return Result{
		Status:      "ok",
		Checks:      []string{"request", "policy", "secret", "token_response"},
		TokenSource: metadata.Source,
	}, nil
}
