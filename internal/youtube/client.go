package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
)

const (
	TokenURL = "https://oauth2.googleapis.com/token"

	// defaultLifetime applies when Google omits expires_in
	defaultLifetime = time.Hour
)

type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	apiEndpoint  string
	httpClient   *http.Client
	now          func() time.Time
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     TokenURL,
		httpClient:   http.DefaultClient,
		now:          time.Now,
	}
}

// WithTokenURL points refreshes at another token endpoint
func (c *Client) WithTokenURL(url string) *Client {
	c.tokenURL = url
	return c
}

// WithAPIEndpoint points token probes at another Google API base URL
func (c *Client) WithAPIEndpoint(url string) *Client {
	c.apiEndpoint = url
	return c
}

func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) Platform() models.Platform {
	return models.PlatformYouTube
}

// Refresh exchanges the stored refresh token for a new access token.
// Google only returns a refresh token when it rotates one.
func (c *Client) Refresh(ctx context.Context, credential *models.Credential) service.RefreshOutcome {
	if !credential.HasRefreshToken() {
		return service.PermanentFailure(0, "no refresh token")
	}
	refreshToken := *credential.RefreshToken

	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// Refresh the token
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return classifyError(err)
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultLifetime)
	}

	// Check if refresh token was rotated
	var rotated *string
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		rotated = &newToken.RefreshToken
	}

	return service.Success(newToken.AccessToken, rotated, expiresAt)
}

func classifyError(err error) service.RefreshOutcome {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return service.NetworkFailure(err)
	}

	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}

	switch retrieveErr.ErrorCode {
	case "invalid_grant", "unauthorized_client":
		return service.PermanentFailure(status, retrieveErr.ErrorCode)
	case "":
		return service.TransientFailure(status, fmt.Sprintf("token endpoint returned %d", status))
	default:
		return service.TransientFailure(status, retrieveErr.ErrorCode)
	}
}

// Probe asks Google's tokeninfo endpoint how long the access token has left
func (c *Client) Probe(ctx context.Context, accessToken string) (service.ProbeResult, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(c.httpClient),
		option.WithoutAuthentication(),
	}
	if c.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.apiEndpoint))
	}

	svc, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return service.ProbeResult{}, fmt.Errorf("failed to create oauth2 service: %w", err)
	}

	info, err := svc.Tokeninfo().AccessToken(accessToken).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusUnauthorized) {
			return service.ProbeResult{Valid: false}, nil
		}
		if apiErr != nil {
			return service.ProbeResult{}, fmt.Errorf("tokeninfo returned %d", apiErr.Code)
		}
		return service.ProbeResult{}, errors.New(service.NetworkFailure(err).Reason)
	}

	return service.ProbeResult{
		Valid:     true,
		ExpiresIn: time.Duration(info.ExpiresIn) * time.Second,
	}, nil
}
