package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
)

const (
	GraphURL = "https://graph.instagram.com"

	// defaultLifetime is the 60 day lifetime of a long-lived token
	defaultLifetime = 5184000 * time.Second
	maxBodyBytes    = 1 << 20

	// errCodeInvalidToken is the Graph API code for an expired or revoked token
	errCodeInvalidToken = 190
)

// Client refreshes long-lived Instagram tokens. Instagram has no separate refresh token:
// the current access token is exchanged for a new one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type refreshResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	Error       *graphError `json:"error"`
}

type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

func NewClient() *Client {
	return &Client{
		baseURL:    GraphURL,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

// WithBaseURL points the client at another Graph API host
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) Platform() models.Platform {
	return models.PlatformInstagram
}

// Refresh exchanges the current long-lived access token for a new one
func (c *Client) Refresh(ctx context.Context, credential *models.Credential) service.RefreshOutcome {
	accessToken := credential.Token()
	if accessToken == "" {
		return service.PermanentFailure(0, "no access token to exchange")
	}

	query := url.Values{}
	query.Set("grant_type", "ig_refresh_token")
	query.Set("access_token", accessToken)

	resp, err := c.get(ctx, "/refresh_access_token", query)
	if err != nil {
		return service.NetworkFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return service.NetworkFailure(err)
	}

	var refreshResp refreshResponse
	if err := json.Unmarshal(body, &refreshResp); err != nil {
		return service.TransientFailure(resp.StatusCode, fmt.Sprintf("malformed refresh response (status %d)", resp.StatusCode))
	}

	if refreshResp.Error != nil {
		if refreshResp.Error.Code == errCodeInvalidToken {
			return service.PermanentFailure(resp.StatusCode, fmt.Sprintf("%s code %d", refreshResp.Error.Type, refreshResp.Error.Code))
		}
		return service.TransientFailure(resp.StatusCode, fmt.Sprintf("%s code %d", refreshResp.Error.Type, refreshResp.Error.Code))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return service.TransientFailure(resp.StatusCode, fmt.Sprintf("refresh endpoint returned %d", resp.StatusCode))
	}
	if refreshResp.AccessToken == "" {
		return service.TransientFailure(resp.StatusCode, "refresh response missing access_token")
	}

	lifetime := defaultLifetime
	if refreshResp.ExpiresIn > 0 {
		lifetime = time.Duration(refreshResp.ExpiresIn) * time.Second
	}

	return service.Success(refreshResp.AccessToken, nil, c.now().Add(lifetime))
}

// Probe checks the token against /me. Instagram doesn't report the remaining lifetime,
// so a working token is assumed to have its full 60 days.
func (c *Client) Probe(ctx context.Context, accessToken string) (service.ProbeResult, error) {
	query := url.Values{}
	query.Set("fields", "id")
	query.Set("access_token", accessToken)

	resp, err := c.get(ctx, "/me", query)
	if err != nil {
		return service.ProbeResult{}, fmt.Errorf("profile request failed: %s", service.NetworkFailure(err).Reason)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode == http.StatusOK:
		return service.ProbeResult{Valid: true, ExpiresIn: defaultLifetime}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return service.ProbeResult{Valid: false}, nil
	default:
		return service.ProbeResult{}, fmt.Errorf("profile returned %d", resp.StatusCode)
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}
