package tiktok

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
	BaseURL = "https://open.tiktokapis.com"

	tokenPath    = "/v2/oauth/token/"
	userInfoPath = "/v2/user/info/"

	// defaultLifetime applies when TikTok omits expires_in
	defaultLifetime = 24 * time.Hour
	maxBodyBytes    = 1 << 20
)

type Client struct {
	clientKey    string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
	now          func() time.Time
}

// tokenResponse is the body of both successful and failed token calls
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	OpenID           string `json:"open_id"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	LogID            string `json:"log_id"`
}

func NewClient(clientKey, clientSecret string) *Client {
	return &Client{
		clientKey:    clientKey,
		clientSecret: clientSecret,
		baseURL:      BaseURL,
		httpClient:   http.DefaultClient,
		now:          time.Now,
	}
}

// WithBaseURL points the client at another API host
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) Platform() models.Platform {
	return models.PlatformTikTok
}

// Refresh exchanges the refresh token for a new pair. TikTok refresh tokens are single use,
// so the returned one must replace the stored one.
func (c *Client) Refresh(ctx context.Context, credential *models.Credential) service.RefreshOutcome {
	if !credential.HasRefreshToken() {
		return service.PermanentFailure(0, "no refresh token")
	}
	refreshToken := *credential.RefreshToken

	form := url.Values{}
	form.Set("client_key", c.clientKey)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return service.TransientFailure(0, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return service.NetworkFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return service.NetworkFailure(err)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return service.TransientFailure(resp.StatusCode, fmt.Sprintf("malformed token response (status %d)", resp.StatusCode))
	}

	// TikTok reports some errors with a 200 status, so the error field wins
	if tokenResp.Error != "" {
		switch tokenResp.Error {
		case "invalid_grant", "unauthorized_client":
			return service.PermanentFailure(resp.StatusCode, tokenResp.Error)
		default:
			return service.TransientFailure(resp.StatusCode, tokenResp.Error)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return service.TransientFailure(resp.StatusCode, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	if tokenResp.AccessToken == "" {
		return service.TransientFailure(resp.StatusCode, "token response missing access_token")
	}

	lifetime := defaultLifetime
	if tokenResp.ExpiresIn > 0 {
		lifetime = time.Duration(tokenResp.ExpiresIn) * time.Second
	}

	var rotated *string
	if tokenResp.RefreshToken != "" && tokenResp.RefreshToken != refreshToken {
		rotated = &tokenResp.RefreshToken
	}

	return service.Success(tokenResp.AccessToken, rotated, c.now().Add(lifetime))
}

// Probe calls the user info endpoint with the token. TikTok doesn't report the remaining
// lifetime, so a working token is assumed to have a full day left.
func (c *Client) Probe(ctx context.Context, accessToken string) (service.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+userInfoPath+"?fields=open_id", nil)
	if err != nil {
		return service.ProbeResult{}, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return service.ProbeResult{}, fmt.Errorf("user info request failed: %s", service.NetworkFailure(err).Reason)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode == http.StatusOK:
		return service.ProbeResult{Valid: true, ExpiresIn: defaultLifetime}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return service.ProbeResult{Valid: false}, nil
	default:
		return service.ProbeResult{}, fmt.Errorf("user info returned %d", resp.StatusCode)
	}
}
