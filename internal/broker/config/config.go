// Package config loads the broker's immutable, process-lifetime settings
// from the environment, in the style of the teacher's common/environment
// helpers: every variable has a documented default and a bad value falls
// back to that default rather than panicking, except where spec.md
// requires a hard validation error (timeouts, scopes, resources, secret
// provider mode, secret reference shape).
package config

import (
	"fmt"

	"github.com/bdobrica/mcp-auth-broker/common/environment"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
)

// SecretProviderMode selects which SecretResolver implementation the
// process wires up at construction time. Strategy selection happens once;
// no dynamic dispatch is needed at steady state (spec.md §9).
type SecretProviderMode string

const (
	SecretProviderNone       SecretProviderMode = "none"
	SecretProviderOnePassword SecretProviderMode = "1password"
)

// BrokerConfig is the immutable settings record described in spec.md §3.
// It is built once at process start and never mutated afterward.
type BrokerConfig struct {
	Environment   string
	ServiceName   string
	ContractVersion string
	PolicyVersion string

	DefaultTimeoutMs int

	AllowedScopes          []string
	AllowedGraphResources  []string

	SecretProviderMode    SecretProviderMode
	GraphSecretReference  *secrets.Reference
	GraphClientID         string

	TokenCacheSkewSeconds      int
	TokenMaxTTLSeconds         int
	TokenProviderTimeoutSeconds int

	// Ambient/domain extensions (SPEC_FULL.md §6). All optional; the zero
	// value disables the corresponding feature.
	AuditDBPath              string
	OTLPEndpoint             string
	SecretCacheTTLSeconds    int
	LogLevel                 string
	LogFormat                string
}

const envPrefix = "MCP_AUTH_BROKER_"

// FromEnv loads a BrokerConfig from environment variables, applying the
// defaults and validation rules from spec.md §6.
func FromEnv() (*BrokerConfig, error) {
	timeoutMs := environment.IntOr(envPrefix+"DEFAULT_TIMEOUT_MS", 10000)
	if timeoutMs <= 0 {
		return nil, fmt.Errorf("%sDEFAULT_TIMEOUT_MS must be positive", envPrefix)
	}

	scopes := environment.StringSliceOr(envPrefix+"ALLOWED_SCOPES", []string{"User.Read"})
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%sALLOWED_SCOPES must contain at least one scope", envPrefix)
	}

	mode := SecretProviderMode(environment.StringOr(envPrefix+"SECRET_PROVIDER", "none"))
	if mode != SecretProviderNone && mode != SecretProviderOnePassword {
		return nil, fmt.Errorf("%sSECRET_PROVIDER must be one of: none, 1password", envPrefix)
	}

	var secretRef *secrets.Reference
	if raw, ok := environment.String(envPrefix + "GRAPH_SECRET_REF"); ok && raw != "" {
		ref, err := secrets.ParseReference(raw)
		if err != nil {
			return nil, fmt.Errorf("%sGRAPH_SECRET_REF is invalid: %w", envPrefix, err)
		}
		secretRef = &ref
	}

	resources := environment.StringSliceOr(envPrefix+"ALLOWED_GRAPH_RESOURCES", []string{"https://graph.microsoft.com"})
	if len(resources) == 0 {
		return nil, fmt.Errorf("%sALLOWED_GRAPH_RESOURCES must contain at least one value", envPrefix)
	}

	skew := environment.IntOr(envPrefix+"TOKEN_CACHE_SKEW_SECONDS", 60)
	if skew < 0 {
		return nil, fmt.Errorf("%sTOKEN_CACHE_SKEW_SECONDS cannot be negative", envPrefix)
	}

	maxTTL := environment.IntOr(envPrefix+"TOKEN_MAX_TTL_SECONDS", 3000)
	if maxTTL <= 0 {
		return nil, fmt.Errorf("%sTOKEN_MAX_TTL_SECONDS must be positive", envPrefix)
	}

	providerTimeout := environment.IntOr(envPrefix+"TOKEN_PROVIDER_TIMEOUT_SECONDS", 4)
	if providerTimeout <= 0 {
		return nil, fmt.Errorf("%sTOKEN_PROVIDER_TIMEOUT_SECONDS must be positive", envPrefix)
	}

	return &BrokerConfig{
		Environment:     environment.StringOr(envPrefix+"ENV", "dev"),
		ServiceName:     environment.StringOr(envPrefix+"SERVICE_NAME", "mcp-auth-broker"),
		ContractVersion: environment.StringOr(envPrefix+"CONTRACT_VERSION", "v0.1.0"),
		PolicyVersion:   environment.StringOr(envPrefix+"POLICY_VERSION", "v0.1.0"),

		DefaultTimeoutMs: timeoutMs,

		AllowedScopes:         scopes,
		AllowedGraphResources: resources,

		SecretProviderMode:   mode,
		GraphSecretReference: secretRef,
		GraphClientID:        environment.StringOr(envPrefix+"GRAPH_CLIENT_ID", ""),

		TokenCacheSkewSeconds:       skew,
		TokenMaxTTLSeconds:          maxTTL,
		TokenProviderTimeoutSeconds: providerTimeout,

		AuditDBPath:           environment.StringOr(envPrefix+"AUDIT_DB_PATH", ""),
		OTLPEndpoint:          environment.StringOr(envPrefix+"OTLP_ENDPOINT", ""),
		SecretCacheTTLSeconds: environment.IntOr(envPrefix+"SECRET_CACHE_TTL_SECONDS", 30),
		LogLevel:              environment.StringOr(envPrefix+"LOG_LEVEL", "info"),
		LogFormat:             environment.StringOr(envPrefix+"LOG_FORMAT", "text"),
	}, nil
}
