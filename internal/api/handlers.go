package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
	"github.com/vipul43/socialpulse-worker/internal/watcher"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"env":     s.cfg.Env,
		"version": s.cfg.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) schedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.Status(c.Request.Context()))
}

type tokenResponse struct {
	CredentialID string          `json:"credential_id"`
	Platform     models.Platform `json:"platform"`
	AccessToken  string          `json:"access_token"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	Refreshed    bool            `json:"refreshed"`
}

type reconnectResponse struct {
	CredentialID   string          `json:"credential_id"`
	Platform       models.Platform `json:"platform"`
	NeedsReconnect bool            `json:"needs_reconnect"`
	Message        string          `json:"message"`
}

// credentialToken hands a fresh access token to data-fetch callers
func (s *Server) credentialToken(c *gin.Context) {
	grant, err := s.tokens.EnsureFresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	if grant.NeedsReconnect {
		c.JSON(http.StatusConflict, reconnectResponse{
			CredentialID:   grant.CredentialID,
			Platform:       grant.Platform,
			NeedsReconnect: true,
			Message:        reconnectMessage(grant.Platform),
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponse{
		CredentialID: grant.CredentialID,
		Platform:     grant.Platform,
		AccessToken:  grant.AccessToken,
		ExpiresAt:    grant.ExpiresAt,
		Refreshed:    grant.Refreshed,
	})
}

func (s *Server) triggerScheduler(c *gin.Context) {
	if err := s.scheduler.TriggerNow(); err != nil {
		if errors.Is(err, watcher.ErrCycleRunning) {
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		if errors.Is(err, watcher.ErrSchedulerStopped) {
			c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "refresh cycle started"})
}

func (s *Server) forceRefreshUser(c *gin.Context) {
	result, err := s.tokens.ForceRefreshUser(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// refreshCurrentUser runs the request-time check over every credential of the caller
func (s *Server) refreshCurrentUser(c *gin.Context) {
	ownerID := c.GetHeader(HeaderUserID)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderUserID + " header"})
		return
	}

	result, err := s.tokens.RefreshUser(c.Request.Context(), ownerID)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) tokenStatus(c *gin.Context) {
	report, err := s.tokens.ExpiringReport(c.Request.Context())
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(report),
		"credentials": report,
	})
}

func (s *Server) probeCredential(c *gin.Context) {
	report, err := s.tokens.ProbeCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) runCleanup(c *gin.Context) {
	scrubbed, err := s.scheduler.RunCleanup(c.Request.Context())
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scrubbed": scrubbed})
}

// connection reports the caller's connection state for one platform after the interceptor ran
func (s *Server) connection(platform models.Platform) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderUserID) == "" {
			c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderUserID + " header"})
			return
		}

		checks := credentialChecks(c)
		connected := false
		for _, check := range checks {
			if check.Status == CheckOK || check.Status == CheckRefreshed || check.Status == CheckMemoized {
				connected = true
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"platform":    platform,
			"connected":   connected,
			"credentials": checks,
		})
	}
}

// writeServiceError maps orchestrator errors onto HTTP statuses without leaking details
func (s *Server) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "credential not found"})
	case errors.Is(err, service.ErrTransientProvider):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "provider temporarily unavailable, retry later"})
	case errors.Is(err, service.ErrUnsupportedPlatform), errors.Is(err, service.ErrProbeUnsupported):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
