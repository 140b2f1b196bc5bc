package tokens

import (
	"context"
	"testing"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
)

type fakeResolver struct {
	value string
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, ref secrets.Reference) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

type fakeMinter struct {
	calls     int
	expiresIn int
	err       error
}

func (f *fakeMinter) Mint(ctx context.Context, tenantID, clientID, clientSecret, scope string, timeoutSeconds int) (string, string, int, error) {
	f.calls++
	if f.err != nil {
		return "", "", 0, f.err
	}
	return "minted-token", "Bearer", f.expiresIn, nil
}

func newTestProvider(resolver secrets.Resolver, minter Minter) *Provider {
	return &Provider{
		ClientID:         "client-1",
		SecretReference:  secrets.Reference{Vault: "v", Item: "i", Field: "f"},
		SecretResolver:   resolver,
		Minter:           minter,
		Cache:            NewCache(),
		AllowedResources: []string{"https://graph.microsoft.com"},
		AllowedScopes:    []string{"User.Read"},
		CacheSkewSeconds: 60,
		MaxTTLSeconds:    3000,
		TimeoutSeconds:   4,
	}
}

func TestGetToken_MintsOnFirstCall(t *testing.T) {
	minter := &fakeMinter{expiresIn: 3600}
	p := newTestProvider(&fakeResolver{value: "shh"}, minter)

	now := 1000.0
	result, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Metadata.Source != SourceMinted {
		t.Fatalf("source = %q, want minted", result.Metadata.Source)
	}
	if minter.calls != 1 {
		t.Fatalf("minter called %d times, want 1", minter.calls)
	}
}

func TestGetToken_CacheHitOnSecondCall(t *testing.T) {
	minter := &fakeMinter{expiresIn: 3600}
	p := newTestProvider(&fakeResolver{value: "shh"}, minter)

	first := 1000.0
	_, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &first)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	second := 1010.0
	result, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &second)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Metadata.Source != SourceCache {
		t.Fatalf("source = %q, want cache", result.Metadata.Source)
	}
	if minter.calls != 1 {
		t.Fatalf("minter called %d times, want exactly 1 (cache hit should avoid a second mint)", minter.calls)
	}
}

func TestGetToken_CacheExpiresPastSkew(t *testing.T) {
	minter := &fakeMinter{expiresIn: 100}
	p := newTestProvider(&fakeResolver{value: "shh"}, minter)

	first := 1000.0
	_, _ = p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &first)

	// 1000 + 100 - 60(skew) = 1040 is the boundary; 1050 is past it.
	second := 1050.0
	result, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &second)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Metadata.Source != SourceMinted {
		t.Fatalf("source = %q, want minted (cache should have expired within skew window)", result.Metadata.Source)
	}
	if minter.calls != 2 {
		t.Fatalf("minter called %d times, want 2", minter.calls)
	}
}

func TestGetToken_DeniedResourceNotAllowlisted(t *testing.T) {
	p := newTestProvider(&fakeResolver{value: "shh"}, &fakeMinter{expiresIn: 3600})

	_, err := p.GetToken(context.Background(), "tenant-1", "https://not-graph.example.com", []string{"User.Read"}, false, nil)
	assertProviderCode(t, err, CodePolicyDenied)
}

func TestGetToken_InvalidScope(t *testing.T) {
	p := newTestProvider(&fakeResolver{value: "shh"}, &fakeMinter{expiresIn: 3600})

	_, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"Mail.Read"}, false, nil)
	assertProviderCode(t, err, CodePolicyInvalidScope)
}

func TestGetToken_SecretFailurePropagatesWithoutFallback(t *testing.T) {
	resolveErr := &secrets.ResolverError{Code: secrets.CodeNotFound, Message: "no secret"}
	p := newTestProvider(&fakeResolver{err: resolveErr}, &fakeMinter{expiresIn: 3600})

	_, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, nil)
	assertProviderCode(t, err, secrets.CodeNotFound)
}

func TestGetToken_MintFailureFallsBackToLastKnownGood(t *testing.T) {
	minter := &fakeMinter{expiresIn: 3600}
	p := newTestProvider(&fakeResolver{value: "shh"}, minter)

	first := 1000.0
	firstResult, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, &first)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	minter.err = &MintError{Code: CodeProviderUnavailable, Message: "down"}
	second := 1010.0
	result, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, true, &second)
	if err != nil {
		t.Fatalf("expected fallback to last-known-good, got error: %v", err)
	}
	if result.Metadata.Source != SourceCacheFallback {
		t.Fatalf("source = %q, want cache_fallback", result.Metadata.Source)
	}
	if result.Token != firstResult.Token {
		t.Fatalf("fallback token should match the last minted token")
	}
}

func TestGetToken_MintFailureWithNoCacheFallbackPropagates(t *testing.T) {
	minter := &fakeMinter{err: &MintError{Code: CodeProviderUnavailable, Message: "down"}}
	p := newTestProvider(&fakeResolver{value: "shh"}, minter)

	_, err := p.GetToken(context.Background(), "tenant-1", "https://graph.microsoft.com", []string{"User.Read"}, false, nil)
	assertProviderCode(t, err, CodeProviderUnavailable)
}

func assertProviderCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q, got nil", want)
	}
	perr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("error is not *ProviderError: %v", err)
	}
	if perr.Code != want {
		t.Fatalf("code = %q, want %q", perr.Code, want)
	}
}
