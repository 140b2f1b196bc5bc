package tokens

import (
	"context"
	"errors"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
)

// ProviderError carries a stable dotted error code, the same closed set
// used across the broker's error taxonomy (spec.md §7): policy.denied,
// policy.invalid_scope, secret.*, or provider.*.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

const (
	CodePolicyDenied      = "policy.denied"
	CodePolicyInvalidScope = "policy.invalid_scope"
)

// Metadata is TokenResult's metadata object, per spec.md §3.
type Metadata struct {
	TenantID       string   `json:"tenant_id"`
	Resource       string   `json:"resource"`
	Scopes         []string `json:"scopes"`
	TokenType      string   `json:"token_type"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
	Source         string   `json:"source"`
}

// Result is the public outcome of Provider.GetToken.
type Result struct {
	Token    string
	Metadata Metadata
}

// Provider orchestrates cache lookup, secret resolution, and minting, per
// spec.md §4.4. It is grounded directly on
// original_source/src/mcp_auth_broker/graph_tokens.py's GraphTokenProvider.
type Provider struct {
	ClientID         string
	SecretReference  secrets.Reference
	SecretResolver   secrets.Resolver
	Minter           Minter
	Cache            *Cache
	AllowedResources []string
	AllowedScopes    []string
	CacheSkewSeconds int
	MaxTTLSeconds    int
	TimeoutSeconds   int
}

// NewProvider wires a Provider with the reference HTTPMinter, an empty
// Cache, and default allowlists and limits; callers that need different
// values overwrite the exported fields afterwards.
func NewProvider(clientID string, ref secrets.Reference, resolver secrets.Resolver) *Provider {
	return &Provider{
		ClientID:         clientID,
		SecretReference:  ref,
		SecretResolver:   resolver,
		Minter:           NewHTTPMinter(),
		Cache:            NewCache(),
		AllowedResources: []string{"https://graph.microsoft.com"},
		AllowedScopes:    []string{"User.Read"},
		CacheSkewSeconds: 60,
		MaxTTLSeconds:    3000,
		TimeoutSeconds:   4,
	}
}

// GetToken returns a usable token for (tenantID, resource, scopes),
// reusing a cached one when valid. nowEpoch, if non-nil, overrides the
// wall clock (used by tests exercising cache-hit/expiry timing).
func (p *Provider) GetToken(ctx context.Context, tenantID, resource string, scopes []string, forceRefresh bool, nowEpoch *float64) (Result, error) {
	now := Now()
	if nowEpoch != nil {
		now = *nowEpoch
	}

	if err := p.validateAllowlist(resource, scopes); err != nil {
		return Result{}, err
	}

	key := NewCacheKey(tenantID, p.ClientID, scopes)

	if !forceRefresh {
		if cached, ok := p.Cache.GetValid(key, now, p.CacheSkewSeconds); ok {
			return p.toResult(cached, SourceCache, tenantID, resource, scopes), nil
		}
	}

	clientSecret, err := p.SecretResolver.Resolve(ctx, p.SecretReference)
	if err != nil {
		var rerr *secrets.ResolverError
		if errors.As(err, &rerr) {
			return Result{}, &ProviderError{Code: rerr.Code, Message: rerr.Message}
		}
		return Result{}, &ProviderError{Code: "secret.unavailable", Message: err.Error()}
	}

	scopeString := joinScopes(scopes)
	accessToken, tokenType, expiresIn, err := p.Minter.Mint(ctx, tenantID, p.ClientID, clientSecret, scopeString, p.TimeoutSeconds)
	if err != nil {
		var merr *MintError
		if errors.As(err, &merr) {
			if fallback, ok := p.Cache.GetValid(key, now, p.CacheSkewSeconds); ok {
				return p.toResult(fallback, SourceCacheFallback, tenantID, resource, scopes), nil
			}
			return Result{}, &ProviderError{Code: merr.Code, Message: merr.Message}
		}
		return Result{}, &ProviderError{Code: CodeProviderUnavailable, Message: err.Error()}
	}

	minted := p.Cache.Put(key, accessToken, tokenType, expiresIn, p.MaxTTLSeconds, now)
	return p.toResult(minted, SourceMinted, tenantID, resource, scopes), nil
}

func (p *Provider) validateAllowlist(resource string, scopes []string) error {
	if !contains(p.AllowedResources, resource) {
		return &ProviderError{Code: CodePolicyDenied, Message: "provider resource is not allowlisted"}
	}
	for _, s := range scopes {
		if !contains(p.AllowedScopes, s) {
			return &ProviderError{Code: CodePolicyInvalidScope, Message: "requested scope is not allowlisted"}
		}
	}
	return nil
}

func (p *Provider) toResult(rec Record, source, tenantID, resource string, scopes []string) Result {
	return Result{
		Token: rec.AccessToken,
		Metadata: Metadata{
			TenantID:       tenantID,
			Resource:       resource,
			Scopes:         scopes,
			TokenType:      rec.TokenType,
			ExpiresAtEpoch: int64(rec.ExpiresAtEpoch),
			Source:         source,
		},
	}
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
