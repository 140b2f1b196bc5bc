package secrets

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bdobrica/mcp-auth-broker/common/retry"
)

// resolveTimeout is the secret resolver's own deadline, independent of the
// caller's timeout_ms (spec.md §5: "the secret resolver has its own
// deadline (5s in the reference)").
const resolveTimeout = 5 * time.Second

// OnePasswordResolver resolves secrets by shelling out to the 1Password CLI
// (`op read op://vault/item/field`), grounded on original_source's
// OnePasswordSecretProvider. It implements Resolver.
type OnePasswordResolver struct {
	token   string
	binary  string
	cache   *valueCache
}

// NewOnePasswordResolver builds a resolver. token is the service account
// token (falls back to OP_SERVICE_ACCOUNT_TOKEN if empty); binary defaults
// to "op". masterKey and cacheTTL configure the optional encrypted value
// cache (SPEC_FULL.md §4.4); pass a nil masterKey to disable caching.
func NewOnePasswordResolver(token, binary string, masterKey []byte, cacheTTL time.Duration) *OnePasswordResolver {
	if binary == "" {
		binary = "op"
	}
	if token == "" {
		token = os.Getenv("OP_SERVICE_ACCOUNT_TOKEN")
	}
	return &OnePasswordResolver{
		token:  token,
		binary: binary,
		cache:  newValueCache(masterKey, cacheTTL),
	}
}

// Resolve implements Resolver.
func (r *OnePasswordResolver) Resolve(ctx context.Context, ref Reference) (string, error) {
	uri := ref.URI()
	if v, ok := r.cache.get(uri); ok {
		return v, nil
	}

	if r.token == "" {
		return "", &ResolverError{Code: CodeAccessDenied, Message: "OP_SERVICE_ACCOUNT_TOKEN is required"}
	}

	var value string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		// Only a transient CLI/process hiccup is worth a second attempt.
		// not_found, access_denied and timeout are deterministic outcomes
		// and retrying them would just change latency, not the result.
		ShouldRetry: func(err error) bool {
			var rerr *ResolverError
			return errors.As(err, &rerr) && rerr.Code == CodeUnavailable
		},
	}, func() error {
		v, rerr := r.exec(ctx, uri)
		if rerr != nil {
			return rerr
		}
		value = v
		return nil
	})
	if err != nil {
		return "", err
	}

	r.cache.put(uri, value)
	return value, nil
}

func (r *OnePasswordResolver) exec(ctx context.Context, uri string) (string, *ResolverError) {
	cctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, r.binary, "read", uri)
	cmd.Env = append(os.Environ(), "OP_SERVICE_ACCOUNT_TOKEN="+r.token)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return "", &ResolverError{Code: CodeTimeout, Message: "secret provider timed out"}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", &ResolverError{Code: CodeUnavailable, Message: "1Password CLI is not available"}
	}

	if err == nil {
		value := strings.TrimSpace(stdout.String())
		if value == "" {
			return "", &ResolverError{Code: CodeNotFound, Message: "secret reference returned empty value"}
		}
		return value, nil
	}

	lower := strings.ToLower(stderr.String())
	switch {
	case strings.Contains(lower, "not found"):
		return "", &ResolverError{Code: CodeNotFound, Message: "secret reference not found"}
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "access denied"), strings.Contains(lower, "unauthorized"):
		return "", &ResolverError{Code: CodeAccessDenied, Message: "secret access denied"}
	default:
		return "", &ResolverError{Code: CodeUnavailable, Message: "secret provider unavailable"}
	}
}
