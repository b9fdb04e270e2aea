// Package expiry decides when a platform token is due for refresh.
// Nothing here performs I/O or returns errors: a missing expiry is data and
// always resolves to "expiring".
package expiry

import (
	"time"

	"github.com/vipul43/socialpulse-worker/internal/models"
)

const (
	// DefaultYouTubeWindow covers Google's hourly access tokens across a 30 minute cycle
	DefaultYouTubeWindow = 45 * time.Minute
	// DefaultLongLivedWindow is used for Instagram and TikTok, whose tokens last a day or more
	DefaultLongLivedWindow = 24 * time.Hour
	// DefaultRequestBuffer is the platform independent lookahead on the request path
	DefaultRequestBuffer = 10 * time.Minute
)

// Policy answers "is this token expiring soon?" for the scheduler and the request path
type Policy struct {
	windows       map[models.Platform]time.Duration
	requestBuffer time.Duration
	now           func() time.Time
}

// NewPolicy builds a policy from per-platform windows. Platforms missing from windows
// fall back to the long-lived default.
func NewPolicy(windows map[models.Platform]time.Duration, requestBuffer time.Duration) *Policy {
	w := make(map[models.Platform]time.Duration, len(models.Platforms))
	for _, p := range models.Platforms {
		w[p] = DefaultLongLivedWindow
	}
	w[models.PlatformYouTube] = DefaultYouTubeWindow
	for p, d := range windows {
		if d > 0 {
			w[p] = d
		}
	}
	if requestBuffer <= 0 {
		requestBuffer = DefaultRequestBuffer
	}
	return &Policy{windows: w, requestBuffer: requestBuffer, now: time.Now}
}

// WithClock replaces the time source; used by tests
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// Now returns the policy's current time
func (p *Policy) Now() time.Time {
	return p.now()
}

// Window returns the scheduler lookahead for a platform
func (p *Policy) Window(platform models.Platform) time.Duration {
	if w, ok := p.windows[platform]; ok {
		return w
	}
	return DefaultLongLivedWindow
}

// Windows returns a copy of every platform window, the shape the store's expiring query takes
func (p *Policy) Windows() map[models.Platform]time.Duration {
	out := make(map[models.Platform]time.Duration, len(p.windows))
	for k, v := range p.windows {
		out[k] = v
	}
	return out
}

// RequestBuffer returns the lookahead used by request-time checks
func (p *Policy) RequestBuffer() time.Duration {
	return p.requestBuffer
}

// IsExpiring reports whether the token expires within the platform's scheduler window
func (p *Policy) IsExpiring(platform models.Platform, expiresAt *time.Time) bool {
	return p.IsExpiringWithin(expiresAt, p.Window(platform))
}

// IsExpiringOnRequest applies the tighter request-path buffer
func (p *Policy) IsExpiringOnRequest(expiresAt *time.Time) bool {
	return p.IsExpiringWithin(expiresAt, p.requestBuffer)
}

// IsExpiringWithin reports whether expiresAt is unknown or no later than now+window
func (p *Policy) IsExpiringWithin(expiresAt *time.Time, window time.Duration) bool {
	if expiresAt == nil || expiresAt.IsZero() {
		return true
	}
	return !expiresAt.After(p.now().Add(window))
}

// RemainingLifetime returns how long the token has left. Unknown or past expiries yield 0.
func (p *Policy) RemainingLifetime(expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	remaining := expiresAt.Sub(p.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
