package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Minter mints a Graph bearer token via OAuth2 client-credentials exchange.
// The single-method shape matches the teacher's capability-interface
// convention (e.g. secrets.Resolver) so tests can substitute a fake
// without any network dependency.
type Minter interface {
	Mint(ctx context.Context, tenantID, clientID, clientSecret, scope string, timeoutSeconds int) (accessToken, tokenType string, expiresIn int, err error)
}

// MintError carries one of the closed provider.* error codes from
// spec.md §4.4/§7.
type MintError struct {
	Code    string
	Message string
}

func (e *MintError) Error() string { return e.Message }

const (
	CodeProviderTimeout     = "provider.timeout"
	CodeProviderAuthFailed  = "provider.auth_failed"
	CodeProviderRateLimited = "provider.rate_limited"
	CodeProviderUnavailable = "provider.unavailable"
	CodeProviderBadResponse = "provider.bad_response"
)

// HTTPMinter is the reference Minter implementation, per spec.md §6: POSTs
// application/x-www-form-urlencoded to Microsoft's v2.0 token endpoint.
type HTTPMinter struct {
	Client *http.Client
}

func NewHTTPMinter() *HTTPMinter {
	return &HTTPMinter{Client: &http.Client{}}
}

func (m *HTTPMinter) Mint(ctx context.Context, tenantID, clientID, clientSecret, scope string, timeoutSeconds int) (string, string, int, error) {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)

	body := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {scope},
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, tokenURL, strings.NewReader(body.Encode()))
	if err != nil {
		return "", "", 0, &MintError{Code: CodeProviderUnavailable, Message: "token provider request could not be constructed"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", "", 0, &MintError{Code: CodeProviderTimeout, Message: "token provider timeout"}
		}
		return "", "", 0, &MintError{Code: CodeProviderUnavailable, Message: "token provider unavailable"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", "", 0, &MintError{Code: CodeProviderTimeout, Message: "token provider timeout"}
		}
		return "", "", 0, &MintError{Code: CodeProviderUnavailable, Message: "token provider response could not be read"}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", 0, &MintError{Code: CodeProviderAuthFailed, Message: "token provider auth failed"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", "", 0, &MintError{Code: CodeProviderRateLimited, Message: "token provider rate limited"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", "", 0, &MintError{Code: CodeProviderUnavailable, Message: "token provider unavailable"}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", 0, &MintError{Code: CodeProviderBadResponse, Message: "token provider bad response"}
	}

	accessToken, ok := payload["access_token"].(string)
	if !ok || accessToken == "" {
		return "", "", 0, &MintError{Code: CodeProviderBadResponse, Message: "token provider bad response"}
	}

	tokenType := "Bearer"
	if tt, ok := payload["token_type"].(string); ok && tt != "" {
		tokenType = tt
	}

	expiresIn, err := coerceExpiresIn(payload["expires_in"])
	if err != nil {
		return "", "", 0, &MintError{Code: CodeProviderBadResponse, Message: "token provider bad response"}
	}

	return accessToken, tokenType, expiresIn, nil
}

func coerceExpiresIn(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expires_in is not an integer")
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expires_in is not a number")
	}
}
