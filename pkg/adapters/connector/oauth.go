package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
)

// apiClient is the shared HTTP plumbing for the OAuth marketing connectors.
// Every request first acquires a rate-limit slot for the source's account
// key, so sources sharing a provider account share one budget.
type apiClient struct {
	provider string
	limiters *ratelimit.Registry
	http     *http.Client
}

func newAPIClient(provider string, limiters *ratelimit.Registry) *apiClient {
	return &apiClient{
		provider: provider,
		limiters: limiters,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

// googleTokenSource exchanges the stored refresh token for access tokens.
// Connection details: client_id, client_secret, refresh_token.
func (c *apiClient) googleTokenSource(ctx context.Context, details map[string]any, scopes ...string) (oauth2.TokenSource, error) {
	clientID := stringDetail(details, "client_id", "")
	clientSecret := stringDetail(details, "client_secret", "")
	refreshToken := stringDetail(details, "refresh_token", "")
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, &apperrors.AuthError{
			Provider: c.provider,
			Err:      fmt.Errorf("client_id, client_secret and refresh_token are required"),
		}
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}), nil
}

// verifyToken forces a token exchange so revoked credentials fail at
// authenticate time, not mid-sync.
func (c *apiClient) verifyToken(ts oauth2.TokenSource) error {
	token, err := ts.Token()
	if err != nil {
		return &apperrors.AuthError{Provider: c.provider, Err: err}
	}
	if !token.Valid() {
		return &apperrors.AuthError{Provider: c.provider, Err: fmt.Errorf("token exchange returned an invalid token")}
	}
	return nil
}

// doJSON performs one rate-limited request and decodes the JSON response.
// 401/403 map to AuthError, 429 to RateLimitError; everything else non-2xx
// is a retryable FetchError.
func (c *apiClient) doJSON(ctx context.Context, accountKey string, req *http.Request, out any) error {
	if err := c.limiters.For(accountKey).Acquire(ctx); err != nil {
		return err
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return &apperrors.FetchError{Source: c.provider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &apperrors.FetchError{Source: c.provider, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &apperrors.AuthError{Provider: c.provider, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &apperrors.RateLimitError{Key: accountKey}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &apperrors.FetchError{Source: c.provider, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apperrors.SchemaError{Source: c.provider, Detail: fmt.Sprintf("unexpected response shape: %v", err)}
	}
	return nil
}

// getJSON is doJSON for a bearer-authorized GET.
func (c *apiClient) getJSON(ctx context.Context, accountKey, url string, ts oauth2.TokenSource, out any) error {
	token, err := ts.Token()
	if err != nil {
		return &apperrors.AuthError{Provider: c.provider, Err: err}
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	token.SetAuthHeader(req)
	return c.doJSON(ctx, accountKey, req, out)
}

// postJSON is doJSON for a bearer-authorized POST with a JSON body.
func (c *apiClient) postJSON(ctx context.Context, accountKey, url string, ts oauth2.TokenSource, payload, out any) error {
	token, err := ts.Token()
	if err != nil {
		return &apperrors.AuthError{Provider: c.provider, Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)
	return c.doJSON(ctx, accountKey, req, out)
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// parseCount parses an API metric rendered as a decimal string. Fractional
// metrics are truncated; unparseable values become zero.
func parseCount(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// parseSpend parses a monetary API value rendered as a decimal string.
func parseSpend(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// reportWindow returns the inclusive date range for a report fetch.
// Incremental runs start at the watermark date; full runs default to the
// trailing year.
func reportWindow(req *SyncRequest) (start, end string) {
	now := time.Now().UTC()
	end = now.Format("2006-01-02")
	if req.Incremental && req.Since != nil {
		start = req.Since.UTC().Format("2006-01-02")
	} else {
		start = now.AddDate(-1, 0, 0).Format("2006-01-02")
	}
	return start, end
}
