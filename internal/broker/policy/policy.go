// Package policy implements the broker's policy evaluator: a pure,
// deterministic allow/deny decision over a request's identity and
// requested scopes, per spec.md §4.3.
//
// This is a narrower evaluator than the teacher's internal/gitai/policy
// engine, which matches an ordered list of glob capability rules against a
// Gosuto config with allow / require_approval / deny outcomes. The broker
// has exactly two rules, fixed by spec.md rather than loaded from a
// document, so Evaluate inlines them as an ordered if-chain in the same
// first-match-wins spirit as Engine.Evaluate; a request that passes both
// checks is allowed.
package policy

import (
	"github.com/bdobrica/mcp-auth-broker/internal/broker/config"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/model"
)

// Decision is the outcome of evaluating a request against policy.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

const (
	ReasonMissingIdentity   = "policy.missing_identity"
	ReasonScopeNotPermitted = "policy.rule.deny.scope.not_permitted"
	ReasonAllowUserRead     = "policy.rule.allow.graph.user.read"
)

const matchedRuleAllowUserRead = "allow-user-read"

// Metadata is the structured detail attached to a PolicyDecision, per
// spec.md §3's PolicyDecision type.
type Metadata struct {
	PolicyVersion   string   `json:"policy_version"`
	MatchedRuleID   *string  `json:"matched_rule_id"`
	RequesterID     string   `json:"requester_id"`
	TenantID        string   `json:"tenant_id"`
	ScopesEvaluated []string `json:"scopes_evaluated"`
}

// PolicyDecision is the full result of evaluating a request against policy.
type PolicyDecision struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Metadata Metadata `json:"metadata"`
}

// Evaluate checks identity first, then requested scopes against the
// config's allowlist, and otherwise allows. Resource is deliberately not
// evaluated here; resource allowlisting belongs to the Token Provider so
// this layer stays scope-centric (spec.md §4.3).
func Evaluate(req model.Request, cfg *config.BrokerConfig) PolicyDecision {
	scopes := requestedScopes(req)
	tenantID := req.Graph.TenantID

	if req.Requester.RequesterID == "" {
		return PolicyDecision{
			Decision: DecisionDeny,
			Reason:   ReasonMissingIdentity,
			Metadata: Metadata{
				PolicyVersion:   cfg.PolicyVersion,
				MatchedRuleID:   nil,
				RequesterID:     "",
				TenantID:        tenantID,
				ScopesEvaluated: scopes,
			},
		}
	}

	if unsupported := unsupportedScopes(scopes, cfg.AllowedScopes); len(unsupported) > 0 {
		return PolicyDecision{
			Decision: DecisionDeny,
			Reason:   ReasonScopeNotPermitted,
			Metadata: Metadata{
				PolicyVersion:   cfg.PolicyVersion,
				MatchedRuleID:   nil,
				RequesterID:     req.Requester.RequesterID,
				TenantID:        tenantID,
				ScopesEvaluated: scopes,
			},
		}
	}

	matched := matchedRuleAllowUserRead
	return PolicyDecision{
		Decision: DecisionAllow,
		Reason:   ReasonAllowUserRead,
		Metadata: Metadata{
			PolicyVersion:   cfg.PolicyVersion,
			MatchedRuleID:   &matched,
			RequesterID:     req.Requester.RequesterID,
			TenantID:        tenantID,
			ScopesEvaluated: scopes,
		},
	}
}

func requestedScopes(req model.Request) []string {
	if req.Graph.Scopes == nil {
		return []string{}
	}
	return req.Graph.Scopes
}

func unsupportedScopes(requested, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}
	var unsupported []string
	for _, s := range requested {
		if _, ok := allowedSet[s]; !ok {
			unsupported = append(unsupported, s)
		}
	}
	return unsupported
}
