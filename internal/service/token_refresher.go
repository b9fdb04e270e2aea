package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vipul43/socialpulse-worker/internal/expiry"
	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
)

// CredentialRepository interface for dependency injection
type CredentialRepository interface {
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	FindByOwner(ctx context.Context, ownerID string) ([]models.Credential, error)
	FindExpiring(ctx context.Context, windows map[models.Platform]time.Duration) ([]models.Credential, error)
	CountExpiring(ctx context.Context, windows map[models.Platform]time.Duration) (int64, error)
	UpdateTokens(ctx context.Context, id string, update repository.TokenUpdate) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	MarkPoisoned(ctx context.Context, id string, reason string) error
}

// Options tunes the orchestrator. Zero values pick the defaults.
type Options struct {
	// Pacing is the minimum gap between provider calls in a bulk run
	Pacing time.Duration
	// ProviderTimeout bounds each adapter call
	ProviderTimeout time.Duration
}

const (
	defaultPacing          = time.Second
	defaultProviderTimeout = 20 * time.Second
)

// AccessGrant is the answer to "give me a usable token for this credential".
// NeedsReconnect is set when only a new login can fix the credential.
type AccessGrant struct {
	CredentialID   string
	Platform       models.Platform
	AccessToken    string
	ExpiresAt      *time.Time
	Refreshed      bool
	NeedsReconnect bool
	Reason         string
}

// BatchResult summarizes one RefreshAllExpiring run
type BatchResult struct {
	Candidates int `json:"candidates"`
	Refreshed  int `json:"refreshed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// RefreshDetail describes what happened to one credential in a per-user refresh
type RefreshDetail struct {
	CredentialID string          `json:"credential_id"`
	Platform     models.Platform `json:"platform"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
}

const (
	DetailRefreshed      = "refreshed"
	DetailFresh          = "fresh"
	DetailNeedsReconnect = "needs_reconnect"
	DetailFailed         = "failed"
)

// UserRefreshResult is returned by ForceRefreshUser and RefreshUser
type UserRefreshResult struct {
	Refreshed int             `json:"refreshed"`
	Failed    int             `json:"failed"`
	Details   []RefreshDetail `json:"details"`
}

// ExpiringCredential is one row of the token-status report. It never carries tokens.
type ExpiringCredential struct {
	CredentialID    string          `json:"credential_id"`
	OwnerID         string          `json:"owner_id"`
	Platform        models.Platform `json:"platform"`
	Username        string          `json:"username"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	DaysUntilExpiry int             `json:"days_until_expiry"`
}

// freshness selects the lookahead for one check
type freshness struct {
	force  bool
	window time.Duration
	// usePlatformWindow means window is ignored in favor of the policy's per-platform window
	usePlatformWindow bool
}

// TokenRefresher decides whether a credential needs refreshing, dispatches to the
// platform adapter and writes the result back.
type TokenRefresher struct {
	repo            CredentialRepository
	policy          *expiry.Policy
	refreshers      map[models.Platform]PlatformRefresher
	limiter         *rate.Limiter
	providerTimeout time.Duration
	locks           *keyedLocks
}

func NewTokenRefresher(repo CredentialRepository, policy *expiry.Policy, opts Options, refreshers ...PlatformRefresher) *TokenRefresher {
	pacing := opts.Pacing
	if pacing == 0 {
		pacing = defaultPacing
	}
	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	byPlatform := make(map[models.Platform]PlatformRefresher, len(refreshers))
	for _, r := range refreshers {
		byPlatform[r.Platform()] = r
	}

	return &TokenRefresher{
		repo:            repo,
		policy:          policy,
		refreshers:      byPlatform,
		limiter:         rate.NewLimiter(limit, 1),
		providerTimeout: timeout,
		locks:           newKeyedLocks(),
	}
}

// Policy exposes the expiration policy the orchestrator decides with
func (t *TokenRefresher) Policy() *expiry.Policy {
	return t.policy
}

// EnsureFresh returns a usable access token, refreshing first when the token falls inside
// its platform's window. Transient provider failures are returned as ErrTransientProvider;
// everything a new login must fix comes back as a grant with NeedsReconnect set.
func (t *TokenRefresher) EnsureFresh(ctx context.Context, credentialID string) (*AccessGrant, error) {
	return t.ensure(ctx, credentialID, freshness{usePlatformWindow: true})
}

// EnsureFreshWithin is EnsureFresh with an explicit lookahead, used on request paths
func (t *TokenRefresher) EnsureFreshWithin(ctx context.Context, credentialID string, window time.Duration) (*AccessGrant, error) {
	return t.ensure(ctx, credentialID, freshness{window: window})
}

// ForceRefresh refreshes regardless of the stored expiry
func (t *TokenRefresher) ForceRefresh(ctx context.Context, credentialID string) (*AccessGrant, error) {
	return t.ensure(ctx, credentialID, freshness{force: true})
}

func (t *TokenRefresher) ensure(ctx context.Context, credentialID string, mode freshness) (*AccessGrant, error) {
	unlock, err := t.locks.Lock(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock credential %s: %w", credentialID, err)
	}
	defer unlock()

	// Re-read under the lock: a concurrent holder may already have refreshed it
	credential, err := t.repo.GetByID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	grant := &AccessGrant{
		CredentialID: credential.ID,
		Platform:     credential.Platform,
		AccessToken:  credential.Token(),
		ExpiresAt:    credential.ExpiresAt,
	}

	if !credential.IsActive() {
		grant.AccessToken = ""
		grant.NeedsReconnect = true
		grant.Reason = fmt.Sprintf("credential is %s", credential.Status)
		return grant, nil
	}

	if !mode.force && !t.isExpiring(credential, mode) {
		return grant, nil
	}

	if !credential.HasRefreshToken() {
		log.Info().
			Str("credential_id", credential.ID).
			Str("platform", string(credential.Platform)).
			Msg("Token expiring but no refresh token stored, reconnect required")
		grant.NeedsReconnect = true
		grant.Reason = ErrMissingRefreshToken.Error()
		return grant, nil
	}

	refresher, ok := t.refreshers[credential.Platform]
	if !ok {
		log.Warn().
			Str("credential_id", credential.ID).
			Str("platform", string(credential.Platform)).
			Msg("No refresh adapter for platform")
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, credential.Platform)
	}

	outcome := t.callAdapter(ctx, refresher, credential)

	switch outcome.Kind {
	case OutcomeSuccess:
		update := repository.TokenUpdate{
			AccessToken:  outcome.AccessToken,
			RefreshToken: outcome.RefreshToken,
			ExpiresAt:    outcome.ExpiresAt,
		}
		if err := t.repo.UpdateTokens(ctx, credential.ID, update); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		expiresAt := outcome.ExpiresAt
		log.Info().
			Str("credential_id", credential.ID).
			Str("platform", string(credential.Platform)).
			Time("expires_at", expiresAt).
			Bool("refresh_token_rotated", outcome.RefreshToken != nil).
			Msg("Token refreshed")
		grant.AccessToken = outcome.AccessToken
		grant.ExpiresAt = &expiresAt
		grant.Refreshed = true
		return grant, nil

	case OutcomePermanent:
		log.Warn().
			Str("credential_id", credential.ID).
			Str("platform", string(credential.Platform)).
			Int("status_code", outcome.StatusCode).
			Str("reason", outcome.Reason).
			Msg("Refresh token rejected, marking credential poisoned")
		if err := t.repo.MarkPoisoned(ctx, credential.ID, outcome.Reason); err != nil {
			return nil, fmt.Errorf("failed to mark credential poisoned: %w", err)
		}
		grant.AccessToken = ""
		grant.ExpiresAt = nil
		grant.NeedsReconnect = true
		grant.Reason = outcome.Reason
		return grant, nil

	default:
		log.Warn().
			Str("credential_id", credential.ID).
			Str("platform", string(credential.Platform)).
			Int("status_code", outcome.StatusCode).
			Str("reason", outcome.Reason).
			Msg("Token refresh failed, will retry next cycle")
		return nil, outcome.Err()
	}
}

func (t *TokenRefresher) isExpiring(credential *models.Credential, mode freshness) bool {
	if mode.usePlatformWindow {
		return t.policy.IsExpiring(credential.Platform, credential.ExpiresAt)
	}
	return t.policy.IsExpiringWithin(credential.ExpiresAt, mode.window)
}

// callAdapter runs one provider call under the provider timeout. A panicking adapter is
// turned into a transient failure so the credential stays untouched.
func (t *TokenRefresher) callAdapter(ctx context.Context, refresher PlatformRefresher, credential *models.Credential) (outcome RefreshOutcome) {
	callCtx, cancel := context.WithTimeout(ctx, t.providerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("credential_id", credential.ID).
				Str("platform", string(credential.Platform)).
				Interface("panic", r).
				Msg("Refresh adapter panicked")
			outcome = TransientFailure(0, "adapter panic")
		}
	}()

	outcome = refresher.Refresh(callCtx, credential.Clone())
	if outcome.Kind == OutcomeSuccess && outcome.AccessToken == "" {
		return TransientFailure(0, "provider returned an empty access token")
	}
	return outcome
}

// RefreshAllExpiring refreshes every expiring credential one at a time, paced by the
// limiter. One credential failing never stops the batch.
func (t *TokenRefresher) RefreshAllExpiring(ctx context.Context) (BatchResult, error) {
	candidates, err := t.repo.FindExpiring(ctx, t.policy.Windows())
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to find expiring credentials: %w", err)
	}

	result := BatchResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return result, nil
	}

	log.Info().Int("candidates", len(candidates)).Msg("Refreshing expiring credentials")

	for i := range candidates {
		if err := t.limiter.Wait(ctx); err != nil {
			// Context cancelled mid-batch; everything left is skipped
			result.Skipped += len(candidates) - i
			return result, fmt.Errorf("refresh batch interrupted: %w", err)
		}

		switch t.refreshCandidate(ctx, candidates[i].ID) {
		case DetailRefreshed:
			result.Refreshed++
		case DetailFailed, DetailNeedsReconnect:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	log.Info().
		Int("candidates", result.Candidates).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Refresh batch finished")

	return result, nil
}

// refreshCandidate isolates one batch iteration, panics included
func (t *TokenRefresher) refreshCandidate(ctx context.Context, credentialID string) (status string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("credential_id", credentialID).Interface("panic", r).Msg("Refresh iteration panicked")
			status = DetailFailed
		}
	}()

	grant, err := t.EnsureFresh(ctx, credentialID)
	status, _ = classify(grant, err)
	return status
}

// classify maps an ensure result onto a detail status and a loggable reason
func classify(grant *AccessGrant, err error) (string, string) {
	switch {
	case err != nil:
		return DetailFailed, failureReason(err)
	case grant.NeedsReconnect:
		return DetailNeedsReconnect, grant.Reason
	case grant.Refreshed:
		return DetailRefreshed, ""
	default:
		return DetailFresh, ""
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTransientProvider):
		return ErrTransientProvider.Error()
	case errors.Is(err, ErrUnsupportedPlatform):
		return ErrUnsupportedPlatform.Error()
	case errors.Is(err, ErrCredentialNotFound):
		return ErrCredentialNotFound.Error()
	default:
		return "internal error"
	}
}

// ForceRefreshUser refreshes every credential of one user regardless of expiry
func (t *TokenRefresher) ForceRefreshUser(ctx context.Context, ownerID string) (*UserRefreshResult, error) {
	return t.refreshUser(ctx, ownerID, freshness{force: true})
}

// RefreshUser runs the request-path check over every credential of one user
func (t *TokenRefresher) RefreshUser(ctx context.Context, ownerID string) (*UserRefreshResult, error) {
	return t.refreshUser(ctx, ownerID, freshness{window: t.policy.RequestBuffer()})
}

func (t *TokenRefresher) refreshUser(ctx context.Context, ownerID string, mode freshness) (*UserRefreshResult, error) {
	credentials, err := t.repo.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user credentials: %w", err)
	}

	result := &UserRefreshResult{Details: make([]RefreshDetail, 0, len(credentials))}
	for _, c := range credentials {
		grant, err := t.ensure(ctx, c.ID, mode)
		status, reason := classify(grant, err)

		switch status {
		case DetailRefreshed:
			result.Refreshed++
		case DetailFailed, DetailNeedsReconnect:
			result.Failed++
		}
		result.Details = append(result.Details, RefreshDetail{
			CredentialID: c.ID,
			Platform:     c.Platform,
			Status:       status,
			Reason:       reason,
		})
	}

	log.Info().
		Str("owner_id", ownerID).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Msg("User credentials refreshed")

	return result, nil
}

// CountExpiring counts credentials the next bulk run would pick up
func (t *TokenRefresher) CountExpiring(ctx context.Context) (int64, error) {
	return t.repo.CountExpiring(ctx, t.policy.Windows())
}

// ExpiringReport lists expiring credentials for the admin token-status view
func (t *TokenRefresher) ExpiringReport(ctx context.Context) ([]ExpiringCredential, error) {
	credentials, err := t.repo.FindExpiring(ctx, t.policy.Windows())
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring credentials: %w", err)
	}

	report := make([]ExpiringCredential, 0, len(credentials))
	for _, c := range credentials {
		report = append(report, ExpiringCredential{
			CredentialID:    c.ID,
			OwnerID:         c.OwnerID,
			Platform:        c.Platform,
			Username:        c.Username,
			ExpiresAt:       c.ExpiresAt,
			DaysUntilExpiry: int(t.policy.RemainingLifetime(c.ExpiresAt) / (24 * time.Hour)),
		})
	}
	return report, nil
}
