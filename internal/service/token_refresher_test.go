package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/socialpulse-worker/internal/expiry"
	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
	"github.com/vipul43/socialpulse-worker/internal/repository/repofake"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type mockRefresher struct {
	platform    models.Platform
	refreshFunc func(ctx context.Context, credential *models.Credential) RefreshOutcome
	calls       atomic.Int32
}

func (m *mockRefresher) Platform() models.Platform {
	return m.platform
}

func (m *mockRefresher) Refresh(ctx context.Context, credential *models.Credential) RefreshOutcome {
	m.calls.Add(1)
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, credential)
	}
	return TransientFailure(0, "not configured")
}

type mockProber struct {
	*mockRefresher
	probeFunc func(ctx context.Context, accessToken string) (ProbeResult, error)
}

func (m *mockProber) Probe(ctx context.Context, accessToken string) (ProbeResult, error) {
	return m.probeFunc(ctx, accessToken)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func setClock(t *testing.T) {
	t.Helper()
	prev := repository.NowFunc
	repository.NowFunc = func() time.Time { return testNow }
	t.Cleanup(func() { repository.NowFunc = prev })
}

func newTestRefresher(t *testing.T, repo CredentialRepository, windows map[models.Platform]time.Duration, refreshers ...PlatformRefresher) *TokenRefresher {
	t.Helper()
	setClock(t)
	policy := expiry.NewPolicy(windows, 10*time.Minute).WithClock(func() time.Time { return testNow })
	return NewTokenRefresher(repo, policy, Options{Pacing: -1, ProviderTimeout: time.Second}, refreshers...)
}

func successAfter(token string, refresh *string, d time.Duration) func(context.Context, *models.Credential) RefreshOutcome {
	return func(context.Context, *models.Credential) RefreshOutcome {
		return Success(token, refresh, testNow.Add(d))
	}
}

func TestEnsureFresh_NoCallWhenOutsideWindow(t *testing.T) {
	yt := &mockRefresher{platform: models.PlatformYouTube}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformYouTube,
		AccessToken:  strPtr("current"),
		RefreshToken: strPtr("rt"),
		ExpiresAt:    timePtr(testNow.Add(2 * time.Hour)),
	})
	refresher := newTestRefresher(t, repo, nil, yt)

	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)

	assert.Equal(t, "current", grant.AccessToken)
	assert.False(t, grant.Refreshed)
	assert.False(t, grant.NeedsReconnect)
	assert.Equal(t, int32(0), yt.calls.Load())
}

func TestEnsureFresh_YouTubeKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	yt := &mockRefresher{platform: models.PlatformYouTube, refreshFunc: successAfter("new", nil, time.Hour)}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformYouTube,
		AccessToken:  strPtr("old"),
		RefreshToken: strPtr("google-rt"),
		ExpiresAt:    timePtr(testNow.Add(10 * time.Minute)),
	})
	refresher := newTestRefresher(t, repo, map[models.Platform]time.Duration{models.PlatformYouTube: 30 * time.Minute}, yt)

	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "new", grant.AccessToken)
	assert.True(t, grant.Refreshed)

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Token())
	assert.Equal(t, "google-rt", *stored.RefreshToken)
	assert.WithinDuration(t, testNow.Add(3600*time.Second), *stored.ExpiresAt, time.Second)
	assert.Equal(t, int32(1), yt.calls.Load())
}

func TestEnsureFresh_TikTokStoresRotatedRefreshToken(t *testing.T) {
	tt := &mockRefresher{platform: models.PlatformTikTok, refreshFunc: successAfter("tt-new", strPtr("rt-2"), 24*time.Hour)}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformTikTok,
		AccessToken:  strPtr("tt-old"),
		RefreshToken: strPtr("rt-1"),
		ExpiresAt:    timePtr(testNow.Add(time.Hour)),
	})
	refresher := newTestRefresher(t, repo, nil, tt)

	_, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-2", *stored.RefreshToken)
}

func TestEnsureFresh_PermanentFailurePoisonsCredential(t *testing.T) {
	yt := &mockRefresher{
		platform: models.PlatformYouTube,
		refreshFunc: func(context.Context, *models.Credential) RefreshOutcome {
			return PermanentFailure(400, "invalid_grant")
		},
	}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformYouTube,
		AccessToken:  strPtr("old"),
		RefreshToken: strPtr("revoked"),
		ExpiresAt:    timePtr(testNow.Add(-time.Minute)),
	})
	refresher := newTestRefresher(t, repo, nil, yt)

	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, grant.NeedsReconnect)
	assert.Empty(t, grant.AccessToken)
	assert.Nil(t, grant.ExpiresAt)

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialPoisoned, stored.Status)
	assert.True(t, stored.ExpiresAt.Equal(testNow.Add(-24*time.Hour)))

	expiring, err := repo.FindExpiring(context.Background(), refresher.Policy().Windows())
	require.NoError(t, err)
	assert.Empty(t, expiring)

	// A poisoned credential is never sent to the provider again
	grant, err = refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, grant.NeedsReconnect)
	assert.Equal(t, int32(1), yt.calls.Load())
}

func TestEnsureFresh_TransientFailureLeavesCredentialUntouched(t *testing.T) {
	tt := &mockRefresher{
		platform: models.PlatformTikTok,
		refreshFunc: func(context.Context, *models.Credential) RefreshOutcome {
			return TransientFailure(503, "provider returned 503")
		},
	}
	expiresAt := testNow.Add(time.Minute)
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformTikTok,
		AccessToken:  strPtr("old"),
		RefreshToken: strPtr("rt"),
		ExpiresAt:    &expiresAt,
	})
	refresher := newTestRefresher(t, repo, nil, tt)

	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	assert.Nil(t, grant)
	assert.ErrorIs(t, err, ErrTransientProvider)

	stored, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "old", stored.Token())
	assert.Equal(t, "rt", *stored.RefreshToken)
	assert.True(t, stored.ExpiresAt.Equal(expiresAt))
	assert.Equal(t, models.CredentialActive, stored.Status)
}

func TestEnsureFresh_MissingRefreshTokenNeedsReconnect(t *testing.T) {
	ig := &mockRefresher{platform: models.PlatformInstagram, refreshFunc: successAfter("x", nil, time.Hour)}
	expiresAt := testNow.Add(-time.Hour)
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:          "c-1",
		Platform:    models.PlatformInstagram,
		AccessToken: strPtr("ig-token"),
		ExpiresAt:   &expiresAt,
	})
	refresher := newTestRefresher(t, repo, nil, ig)

	before, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)

	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, grant.NeedsReconnect)
	assert.Equal(t, ErrMissingRefreshToken.Error(), grant.Reason)
	assert.Equal(t, int32(0), ig.calls.Load())

	after, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnsureFresh_UnsupportedPlatform(t *testing.T) {
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.Platform("myspace"),
		AccessToken:  strPtr("a"),
		RefreshToken: strPtr("r"),
	})
	refresher := newTestRefresher(t, repo, nil)

	_, err := refresher.EnsureFresh(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestEnsureFresh_NotFound(t *testing.T) {
	refresher := newTestRefresher(t, repofake.NewCredentialRepo(), nil)

	_, err := refresher.EnsureFresh(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestEnsureFreshWithin_UsesGivenWindow(t *testing.T) {
	ig := &mockRefresher{platform: models.PlatformInstagram, refreshFunc: successAfter("new", nil, 60*24*time.Hour)}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformInstagram,
		AccessToken:  strPtr("old"),
		RefreshToken: strPtr("ig"),
		ExpiresAt:    timePtr(testNow.Add(time.Hour)),
	})
	refresher := newTestRefresher(t, repo, nil, ig)

	// Inside the 24h platform window but outside the request buffer
	grant, err := refresher.EnsureFreshWithin(context.Background(), "c-1", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, grant.Refreshed)
	assert.Equal(t, int32(0), ig.calls.Load())
}

func TestEnsureFresh_ConcurrentCallersRefreshOnce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tt := &mockRefresher{
		platform: models.PlatformTikTok,
		refreshFunc: func(context.Context, *models.Credential) RefreshOutcome {
			once.Do(func() { close(started) })
			<-release
			return Success("tt-new", strPtr("rt-2"), testNow.Add(24*time.Hour))
		},
	}
	repo := repofake.NewCredentialRepo(&models.Credential{
		ID:           "c-1",
		Platform:     models.PlatformTikTok,
		AccessToken:  strPtr("tt-old"),
		RefreshToken: strPtr("rt-1"),
		ExpiresAt:    timePtr(testNow.Add(-time.Minute)),
	})
	refresher := newTestRefresher(t, repo, nil, tt)

	var wg sync.WaitGroup
	grants := make([]*AccessGrant, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		grants[0], _ = refresher.EnsureFresh(context.Background(), "c-1")
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		grants[1], _ = refresher.EnsureFresh(context.Background(), "c-1")
	}()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), tt.calls.Load())
	for _, g := range grants {
		require.NotNil(t, g)
		assert.Equal(t, "tt-new", g.AccessToken)
	}
	assert.Equal(t, 0, refresher.locks.size())
}

func TestRefreshAllExpiring_IsolatesFailures(t *testing.T) {
	var order []string
	yt := &mockRefresher{
		platform: models.PlatformYouTube,
		refreshFunc: func(_ context.Context, c *models.Credential) RefreshOutcome {
			order = append(order, c.ID)
			if c.ID == "c-2" {
				panic("adapter bug")
			}
			return Success("new-"+c.ID, nil, testNow.Add(time.Hour))
		},
	}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "c-1", Platform: models.PlatformYouTube, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(-3 * time.Minute))},
		&models.Credential{ID: "c-2", Platform: models.PlatformYouTube, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(-2 * time.Minute))},
		&models.Credential{ID: "c-3", Platform: models.PlatformYouTube, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(-1 * time.Minute))},
	)
	refresher := newTestRefresher(t, repo, nil, yt)

	result, err := refresher.RefreshAllExpiring(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, order)
	assert.Equal(t, BatchResult{Candidates: 3, Refreshed: 2, Failed: 1}, result)

	stored, err := repo.GetByID(context.Background(), "c-2")
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Token())
	assert.Equal(t, models.CredentialActive, stored.Status)
}

func TestRefreshAllExpiring_CountsReconnectsAsFailures(t *testing.T) {
	ig := &mockRefresher{
		platform: models.PlatformInstagram,
		refreshFunc: func(context.Context, *models.Credential) RefreshOutcome {
			return PermanentFailure(400, "OAuthException code 190")
		},
	}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "c-1", Platform: models.PlatformInstagram, AccessToken: strPtr("a"), RefreshToken: strPtr("a")},
	)
	refresher := newTestRefresher(t, repo, nil, ig)

	result, err := refresher.RefreshAllExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Candidates: 1, Failed: 1}, result)
	assert.Equal(t, int32(1), ig.calls.Load())
}

func TestRefreshAllExpiring_IgnoresCredentialsWithoutRefreshToken(t *testing.T) {
	ig := &mockRefresher{platform: models.PlatformInstagram}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "c-1", Platform: models.PlatformInstagram, AccessToken: strPtr("a"), ExpiresAt: timePtr(testNow.Add(-time.Hour))},
	)
	refresher := newTestRefresher(t, repo, nil, ig)

	result, err := refresher.RefreshAllExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	assert.Equal(t, int32(0), ig.calls.Load())

	// The request path still reports it
	grant, err := refresher.EnsureFresh(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, grant.NeedsReconnect)
}

func TestRefreshAllExpiring_PacesProviderCalls(t *testing.T) {
	const pacing = 50 * time.Millisecond

	var (
		mu     sync.Mutex
		order  []string
		starts []time.Time
	)
	tt := &mockRefresher{
		platform: models.PlatformTikTok,
		refreshFunc: func(_ context.Context, c *models.Credential) RefreshOutcome {
			mu.Lock()
			order = append(order, c.ID)
			starts = append(starts, time.Now())
			mu.Unlock()
			return Success("new-"+c.ID, nil, testNow.Add(24*time.Hour))
		},
	}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "c-3", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(3 * time.Hour))},
		&models.Credential{ID: "c-1", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(time.Hour))},
		&models.Credential{ID: "c-2", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("r"), ExpiresAt: timePtr(testNow.Add(2 * time.Hour))},
	)
	setClock(t)
	policy := expiry.NewPolicy(nil, 10*time.Minute).WithClock(func() time.Time { return testNow })
	refresher := NewTokenRefresher(repo, policy, Options{Pacing: pacing, ProviderTimeout: time.Second}, tt)

	result, err := refresher.RefreshAllExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Candidates: 3, Refreshed: 3}, result)

	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, order)
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, pacing-10*time.Millisecond, "call %d started %s after the previous one", i, gap)
	}
}

func TestRefreshAllExpiring_CancelledContextSkipsRest(t *testing.T) {
	yt := &mockRefresher{platform: models.PlatformYouTube, refreshFunc: successAfter("new", nil, time.Hour)}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "c-1", Platform: models.PlatformYouTube, AccessToken: strPtr("a"), RefreshToken: strPtr("r")},
		&models.Credential{ID: "c-2", Platform: models.PlatformYouTube, AccessToken: strPtr("a"), RefreshToken: strPtr("r")},
	)
	setClock(t)
	policy := expiry.NewPolicy(nil, 10*time.Minute).WithClock(func() time.Time { return testNow })
	refresher := NewTokenRefresher(repo, policy, Options{Pacing: time.Hour}, yt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := refresher.RefreshAllExpiring(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, int32(0), yt.calls.Load())
}

func TestForceRefreshUser(t *testing.T) {
	tt := &mockRefresher{platform: models.PlatformTikTok, refreshFunc: successAfter("tt-new", strPtr("rt-2"), 24*time.Hour)}
	ig := &mockRefresher{platform: models.PlatformInstagram}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "tt", OwnerID: "user-1", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("rt-1"), ExpiresAt: timePtr(testNow.Add(30 * 24 * time.Hour))},
		&models.Credential{ID: "ig", OwnerID: "user-1", Platform: models.PlatformInstagram, AccessToken: strPtr("a")},
		&models.Credential{ID: "other", OwnerID: "user-2", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("rt")},
	)
	refresher := newTestRefresher(t, repo, nil, tt, ig)

	result, err := refresher.ForceRefreshUser(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Details, 2)

	byID := map[string]RefreshDetail{}
	for _, d := range result.Details {
		byID[d.CredentialID] = d
	}
	assert.Equal(t, DetailNeedsReconnect, byID["ig"].Status)
	assert.Equal(t, DetailRefreshed, byID["tt"].Status)
	assert.Equal(t, int32(1), tt.calls.Load())
}

func TestRefreshUser_SkipsFreshCredentials(t *testing.T) {
	tt := &mockRefresher{platform: models.PlatformTikTok, refreshFunc: successAfter("tt-new", nil, 24*time.Hour)}
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "tt", OwnerID: "user-1", Platform: models.PlatformTikTok, AccessToken: strPtr("a"), RefreshToken: strPtr("rt"), ExpiresAt: timePtr(testNow.Add(12 * time.Hour))},
	)
	refresher := newTestRefresher(t, repo, nil, tt)

	result, err := refresher.RefreshUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Refreshed)
	assert.Equal(t, DetailFresh, result.Details[0].Status)
	assert.Equal(t, int32(0), tt.calls.Load())
}

func TestExpiringReport(t *testing.T) {
	repo := repofake.NewCredentialRepo(
		&models.Credential{ID: "ig", OwnerID: "user-1", Username: "creator", Platform: models.PlatformInstagram, AccessToken: strPtr("secret"), RefreshToken: strPtr("secret"), ExpiresAt: timePtr(testNow.Add(20 * time.Hour))},
		&models.Credential{ID: "tt", OwnerID: "user-1", Platform: models.PlatformTikTok, AccessToken: strPtr("secret"), ExpiresAt: timePtr(testNow.Add(10 * 24 * time.Hour))},
	)
	refresher := newTestRefresher(t, repo, nil)

	report, err := refresher.ExpiringReport(context.Background())
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, "ig", report[0].CredentialID)
	assert.Equal(t, "creator", report[0].Username)
	assert.Equal(t, 0, report[0].DaysUntilExpiry)

	count, err := refresher.CountExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
