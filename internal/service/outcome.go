package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vipul43/socialpulse-worker/internal/models"
)

// OutcomeKind tags which branch of RefreshOutcome is populated
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePermanent
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanent:
		return "permanent_failure"
	case OutcomeTransient:
		return "transient_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// RefreshOutcome is what every platform adapter returns from a refresh attempt.
// On success RefreshToken is non-nil only when the provider rotated it.
// On failure Reason is safe to log: it never carries token material or raw provider bodies.
type RefreshOutcome struct {
	Kind         OutcomeKind
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
	Reason       string
	StatusCode   int
}

func Success(accessToken string, refreshToken *string, expiresAt time.Time) RefreshOutcome {
	return RefreshOutcome{
		Kind:         OutcomeSuccess,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

func PermanentFailure(statusCode int, reason string) RefreshOutcome {
	return RefreshOutcome{Kind: OutcomePermanent, StatusCode: statusCode, Reason: reason}
}

func TransientFailure(statusCode int, reason string) RefreshOutcome {
	return RefreshOutcome{Kind: OutcomeTransient, StatusCode: statusCode, Reason: reason}
}

// NetworkFailure classifies an error from the HTTP transport. The error text is dropped
// because url.Error embeds the request URL, which carries the token for some providers.
func NetworkFailure(err error) RefreshOutcome {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TransientFailure(0, "provider call timed out")
	case errors.Is(err, context.Canceled):
		return TransientFailure(0, "provider call cancelled")
	case errors.As(err, &netErr) && netErr.Timeout():
		return TransientFailure(0, "provider call timed out")
	default:
		return TransientFailure(0, "network error")
	}
}

// Err converts a failed outcome into the matching sentinel error, nil on success
func (o RefreshOutcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomePermanent:
		return fmt.Errorf("%w: %s", ErrPermanentGrant, o.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrTransientProvider, o.Reason)
	}
}

// PlatformRefresher performs one provider's refresh protocol
type PlatformRefresher interface {
	Platform() models.Platform
	Refresh(ctx context.Context, credential *models.Credential) RefreshOutcome
}

// ProbeResult is the provider's view of an access token.
// Valid=false means the provider rejected the token outright.
type ProbeResult struct {
	Valid     bool
	ExpiresIn time.Duration
}

// TokenProber asks a provider how long an access token has left. Adapters that can
// answer implement it next to PlatformRefresher. Errors are transient.
type TokenProber interface {
	Probe(ctx context.Context, accessToken string) (ProbeResult, error)
}
