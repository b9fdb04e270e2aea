package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository/repofake"
)

func TestProbeCredential_StoresReportedLifetime(t *testing.T) {
	yt := &mockProber{
		mockRefresher: &mockRefresher{platform: models.PlatformYouTube},
		probeFunc: func(_ context.Context, accessToken string) (ProbeResult, error) {
			assert.Equal(t, "live", accessToken)
			return ProbeResult{Valid: true, ExpiresIn: 50 * time.Minute}, nil
		},
	}
	repo := repofake.NewCredentialRepo(&models.Credential{ID: "c-1", Platform: models.PlatformYouTube, AccessToken: strPtr("live")})
	refresher := newTestRefresher(t, repo, nil, yt)

	report, err := refresher.ProbeCredential(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.False(t, report.NeedsRefresh)
	assert.True(t, report.ExpiresAt.Equal(testNow.Add(50*time.Minute)))

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(testNow.Add(50*time.Minute)))
}

func TestProbeCredential_RejectedTokenGetsEpochExpiry(t *testing.T) {
	ig := &mockProber{
		mockRefresher: &mockRefresher{platform: models.PlatformInstagram},
		probeFunc: func(context.Context, string) (ProbeResult, error) {
			return ProbeResult{Valid: false}, nil
		},
	}
	repo := repofake.NewCredentialRepo(&models.Credential{ID: "c-1", Platform: models.PlatformInstagram, AccessToken: strPtr("dead"), ExpiresAt: timePtr(testNow.Add(30 * 24 * time.Hour))})
	refresher := newTestRefresher(t, repo, nil, ig)

	report, err := refresher.ProbeCredential(context.Background(), "c-1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.True(t, report.NeedsRefresh)

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.ExpiresAt.Unix())
}

func TestProbeCredential_ProviderErrorIsTransient(t *testing.T) {
	tt := &mockProber{
		mockRefresher: &mockRefresher{platform: models.PlatformTikTok},
		probeFunc: func(context.Context, string) (ProbeResult, error) {
			return ProbeResult{}, errors.New("connection reset")
		},
	}
	repo := repofake.NewCredentialRepo(&models.Credential{ID: "c-1", Platform: models.PlatformTikTok, AccessToken: strPtr("a")})
	refresher := newTestRefresher(t, repo, nil, tt)

	_, err := refresher.ProbeCredential(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrTransientProvider)
}

func TestProbeCredential_UnsupportedAdapter(t *testing.T) {
	repo := repofake.NewCredentialRepo(&models.Credential{ID: "c-1", Platform: models.PlatformTikTok, AccessToken: strPtr("a")})
	refresher := newTestRefresher(t, repo, nil, &mockRefresher{platform: models.PlatformTikTok})

	_, err := refresher.ProbeCredential(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrProbeUnsupported)
}
