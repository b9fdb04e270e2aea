package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
)

const (
	CheckOK             = "ok"
	CheckRefreshed      = "refreshed"
	CheckNeedsReconnect = "needs_reconnect"
	CheckUnavailable    = "unavailable"
	CheckMemoized       = "memoized"
)

// CredentialCheck is the interceptor's verdict for one credential
type CredentialCheck struct {
	CredentialID string          `json:"credential_id"`
	Platform     models.Platform `json:"platform"`
	Status       string          `json:"status"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// tokenInterceptor refreshes the caller's credentials for one platform before the
// handler runs. It never fails the request: outcomes are stored on the context.
func (s *Server) tokenInterceptor(platform models.Platform) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader(HeaderUserID)
		if ownerID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		credentials, err := s.credentials.FindByOwner(ctx, ownerID)
		if err != nil {
			log.Warn().Err(err).Str("owner_id", ownerID).Msg("Interceptor failed to list credentials")
			c.Next()
			return
		}

		checks := make([]CredentialCheck, 0, len(credentials))
		for _, credential := range credentials {
			if credential.Platform != platform {
				continue
			}
			if s.memo.recent(credential.ID) {
				checks = append(checks, CredentialCheck{
					CredentialID: credential.ID,
					Platform:     platform,
					Status:       CheckMemoized,
					ExpiresAt:    credential.ExpiresAt,
				})
				continue
			}

			grant, err := s.tokens.EnsureFreshWithin(ctx, credential.ID, s.cfg.RequestBuffer)
			check := checkFromGrant(credential, grant, err)
			if err == nil {
				s.memo.mark(credential.ID)
			}
			checks = append(checks, check)
		}

		c.Set(contextKeyChecks, checks)
		c.Next()
	}
}

func checkFromGrant(credential models.Credential, grant *service.AccessGrant, err error) CredentialCheck {
	check := CredentialCheck{
		CredentialID: credential.ID,
		Platform:     credential.Platform,
	}

	switch {
	case err != nil:
		check.Status = CheckUnavailable
		check.ExpiresAt = credential.ExpiresAt
		if errors.Is(err, service.ErrTransientProvider) {
			check.Message = fmt.Sprintf("%s is temporarily unavailable, try again shortly", credential.Platform.DisplayName())
		} else {
			log.Warn().Err(err).Str("credential_id", credential.ID).Msg("Interceptor check failed")
		}
	case grant.NeedsReconnect:
		check.Status = CheckNeedsReconnect
		check.Message = reconnectMessage(credential.Platform)
	case grant.Refreshed:
		check.Status = CheckRefreshed
		check.ExpiresAt = grant.ExpiresAt
	default:
		check.Status = CheckOK
		check.ExpiresAt = grant.ExpiresAt
	}
	return check
}

func reconnectMessage(platform models.Platform) string {
	return fmt.Sprintf("please reconnect your %s account", platform.DisplayName())
}

// credentialChecks returns the interceptor results stored on the context
func credentialChecks(c *gin.Context) []CredentialCheck {
	v, ok := c.Get(contextKeyChecks)
	if !ok {
		return nil
	}
	checks, _ := v.([]CredentialCheck)
	return checks
}

// checkMemo remembers when each credential was last checked on the request path
type checkMemo struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
}

func newCheckMemo(ttl time.Duration) *checkMemo {
	return &checkMemo{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *checkMemo) recent(credentialID string) bool {
	if m.ttl <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[credentialID]
	return ok && m.now().Sub(at) < m.ttl
}

func (m *checkMemo) mark(credentialID string) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, id)
		}
	}
	m.seen[credentialID] = now
}
