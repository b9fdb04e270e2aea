package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
	"github.com/vipul43/socialpulse-worker/internal/watcher"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderRequestID     = "X-Request-ID"
	contextKeyChecks    = "credential_checks"
	contextKeyRequestID = "request_id"
)

// TokenService is the orchestrator surface exposed over HTTP
type TokenService interface {
	EnsureFresh(ctx context.Context, credentialID string) (*service.AccessGrant, error)
	EnsureFreshWithin(ctx context.Context, credentialID string, window time.Duration) (*service.AccessGrant, error)
	ForceRefreshUser(ctx context.Context, ownerID string) (*service.UserRefreshResult, error)
	RefreshUser(ctx context.Context, ownerID string) (*service.UserRefreshResult, error)
	ExpiringReport(ctx context.Context) ([]service.ExpiringCredential, error)
	ProbeCredential(ctx context.Context, credentialID string) (*service.ProbeReport, error)
}

// Scheduler is the watcher surface exposed over HTTP
type Scheduler interface {
	Status(ctx context.Context) watcher.Status
	TriggerNow() error
	RunCleanup(ctx context.Context) (int64, error)
}

// CredentialFinder lists a user's linked credentials for the interceptor
type CredentialFinder interface {
	FindByOwner(ctx context.Context, ownerID string) ([]models.Credential, error)
}

type Config struct {
	Env           string
	Version       string
	AdminAPIKey   string
	RequestBuffer time.Duration
	// MemoTTL skips interceptor checks of a credential seen within the TTL. 0 checks every request.
	MemoTTL time.Duration
}

type Server struct {
	cfg         Config
	tokens      TokenService
	scheduler   Scheduler
	credentials CredentialFinder
	memo        *checkMemo
	startedAt   time.Time
}

func NewServer(cfg Config, tokens TokenService, scheduler Scheduler, credentials CredentialFinder) *Server {
	return &Server{
		cfg:         cfg,
		tokens:      tokens,
		scheduler:   scheduler,
		credentials: credentials,
		memo:        newCheckMemo(cfg.MemoTTL),
		startedAt:   time.Now(),
	}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	if s.cfg.Env != "DEV" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(requestID(), requestLogger(), gin.CustomRecovery(recoverPanic))

	r.GET("/health", s.health)
	r.GET("/health/scheduler", s.schedulerStatus)

	internal := r.Group("/", s.requireAPIKey())
	internal.GET("/credentials/:id/token", s.credentialToken)

	r.POST("/users/me/refresh", s.refreshCurrentUser)

	admin := r.Group("/admin", s.requireAPIKey())
	admin.POST("/scheduler/run", s.triggerScheduler)
	admin.POST("/users/:ownerId/refresh", s.forceRefreshUser)
	admin.GET("/token-status", s.tokenStatus)
	admin.POST("/credentials/:id/probe", s.probeCredential)
	admin.POST("/cleanup/run", s.runCleanup)

	for _, platform := range models.Platforms {
		group := r.Group("/"+string(platform), s.tokenInterceptor(platform))
		group.GET("/connection", s.connection(platform))
	}

	return r
}

func recoverPanic(c *gin.Context, err any) {
	log.Error().
		Interface("panic", err).
		Str("path", c.Request.URL.Path).
		Str("request_id", c.GetString(contextKeyRequestID)).
		Msg("Recovered from panic in handler")
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

type errorResponse struct {
	Error string `json:"error"`
}
