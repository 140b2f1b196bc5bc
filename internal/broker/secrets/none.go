package secrets

import "context"

// NoneResolver is wired when BrokerConfig.SecretProviderMode is "none". It
// always fails with secret.unavailable rather than leaving the Token
// Provider without a Resolver at all, so execute_tool's token branch has
// a single, uniform failure path instead of a special-cased nil check.
type NoneResolver struct{}

func (NoneResolver) Resolve(ctx context.Context, ref Reference) (string, error) {
	return "", &ResolverError{Code: CodeUnavailable, Message: "no secret provider configured"}
}
