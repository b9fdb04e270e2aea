package service

import (
	"errors"

	"github.com/vipul43/socialpulse-worker/internal/repository"
)

var (
	// ErrTransientProvider covers network failures, 5xx answers, timeouts and malformed bodies
	ErrTransientProvider = errors.New("transient provider error")
	// ErrPermanentGrant means the provider rejected the refresh token for good
	ErrPermanentGrant = errors.New("refresh token permanently rejected")
	// ErrMissingRefreshToken means the credential can only be fixed by logging in again
	ErrMissingRefreshToken = errors.New("credential has no refresh token")
	// ErrUnsupportedPlatform means no adapter is registered for the credential's platform
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrProbeUnsupported means the platform adapter can't report token lifetimes
	ErrProbeUnsupported = errors.New("token probe not supported for platform")

	ErrCredentialNotFound = repository.ErrCredentialNotFound
)
