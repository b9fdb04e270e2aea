package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ProbeReport is what the provider said about a stored access token
type ProbeReport struct {
	CredentialID string     `json:"credential_id"`
	Valid        bool       `json:"valid"`
	ExpiresAt    *time.Time `json:"expires_at"`
	NeedsRefresh bool       `json:"needs_refresh"`
}

// ProbeCredential asks the provider for the token's real lifetime and stores it.
// A rejected token gets an epoch expiry so the next cycle refreshes it.
func (t *TokenRefresher) ProbeCredential(ctx context.Context, credentialID string) (*ProbeReport, error) {
	unlock, err := t.locks.Lock(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock credential %s: %w", credentialID, err)
	}
	defer unlock()

	credential, err := t.repo.GetByID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	report := &ProbeReport{CredentialID: credential.ID, NeedsRefresh: true}
	if !credential.IsActive() || credential.Token() == "" {
		return report, nil
	}

	prober, ok := t.refreshers[credential.Platform].(TokenProber)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProbeUnsupported, credential.Platform)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.providerTimeout)
	defer cancel()

	result, err := prober.Probe(callCtx, credential.Token())
	if err != nil {
		return nil, fmt.Errorf("%w: token probe failed: %v", ErrTransientProvider, err)
	}

	var expiresAt time.Time
	if result.Valid {
		expiresAt = t.policy.Now().Add(result.ExpiresIn)
	} else {
		expiresAt = time.Unix(0, 0).UTC()
	}

	if err := t.repo.UpdateExpiry(ctx, credential.ID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store probed expiry: %w", err)
	}

	report.Valid = result.Valid
	report.ExpiresAt = &expiresAt
	report.NeedsRefresh = t.policy.IsExpiring(credential.Platform, &expiresAt)

	log.Info().
		Str("credential_id", credential.ID).
		Str("platform", string(credential.Platform)).
		Bool("valid", report.Valid).
		Time("expires_at", expiresAt).
		Msg("Token probed")

	return report, nil
}
