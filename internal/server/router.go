package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionContextKey        = "top8_session"
	defaultHeartbeatInterval = 25 * time.Second
	defaultPreviewCacheTTL   = 10 * time.Minute
)

var (
	errMissingSocialGraph   = errors.New("social graph dependency required")
	errMissingProfileStore  = errors.New("profile store dependency required")
	errMissingTop8Service   = errors.New("top8 service dependency required")
	errMissingSignerCheck   = errors.New("signer verifier dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingPageRenderer  = errors.New("page renderer dependency required")
	errMissingImageRenderer = errors.New("image renderer dependency required")
)

// SocialGraph is the subset of the Neynar client used by HTTP handlers.
type SocialGraph interface {
	LookupByUsername(ctx context.Context, username string) (neynar.User, bool, error)
	LookupByFID(ctx context.Context, fid int64) (neynar.User, bool, error)
	CountReciprocalFollowers(ctx context.Context, fid int64, pageSize int) (int, error)
	Search(ctx context.Context, query string, limit int) ([]neynar.User, error)
}

type ProfileStore interface {
	Upsert(ctx context.Context, profile profiles.Profile)
	GetByUsername(ctx context.Context, username string) (profiles.Profile, bool, error)
}

type Top8Service interface {
	Resolve(ctx context.Context, ownerFID int64) (top8.Resolution, error)
	Update(ctx context.Context, ownerFID int64, entries []top8.EntryInput) error
	Version(ctx context.Context, ownerFID int64) (time.Time, bool, error)
}

type SignerVerifier interface {
	Verify(ctx context.Context, signerUUID string, fid int64) (neynar.Signer, error)
}

type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, fid int64, username string) (string, time.Time, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type PreviewImageRenderer interface {
	Render(ctx context.Context, card preview.Card) ([]byte, error)
}

// PreviewCache stores rendered preview images. A nil cache disables caching.
type PreviewCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Dependencies struct {
	SocialGraph       SocialGraph
	Profiles          ProfileStore
	Top8              Top8Service
	Signers           SignerVerifier
	Tokens            SessionTokenIssuer
	Sessions          SessionValidator
	Pages             *preview.PageRenderer
	Images            PreviewImageRenderer
	PreviewCache      PreviewCache
	PreviewCacheTTL   time.Duration
	Realtime          *RealtimeDispatcher
	MetricsHandler    http.Handler
	SecureCookies     bool
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SocialGraph == nil:
		return nil, errMissingSocialGraph
	case deps.Profiles == nil:
		return nil, errMissingProfileStore
	case deps.Top8 == nil:
		return nil, errMissingTop8Service
	case deps.Signers == nil:
		return nil, errMissingSignerCheck
	case deps.Tokens == nil:
		return nil, errMissingTokenIssuer
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Pages == nil:
		return nil, errMissingPageRenderer
	case deps.Images == nil:
		return nil, errMissingImageRenderer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	cacheTTL := deps.PreviewCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultPreviewCacheTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		graph:         deps.SocialGraph,
		profiles:      deps.Profiles,
		top8:          deps.Top8,
		signers:       deps.Signers,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		pages:         deps.Pages,
		images:        deps.Images,
		cache:         deps.PreviewCache,
		cacheTTL:      cacheTTL,
		realtime:      realtime,
		secureCookies: deps.SecureCookies,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.POST("/auth/neynar", handler.handleNeynarSignIn)

	api := router.Group("/api")
	api.GET("/users/:username", handler.handleGetUser)
	api.GET("/users/:username/top8", handler.handleGetTop8)
	api.GET("/users/:username/friends", handler.handleGetFriendCount)
	api.GET("/search", handler.handleSearch)
	api.GET("/top8/:fid/stream", handler.handleTop8Stream)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/top8", handler.handleUpdateTop8)

	router.GET("/og-image", handler.handlePreviewImage)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.NoRoute(handler.handleProfilePage)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	graph         SocialGraph
	profiles      ProfileStore
	top8          Top8Service
	signers       SignerVerifier
	tokens        SessionTokenIssuer
	sessions      SessionValidator
	pages         *preview.PageRenderer
	images        PreviewImageRenderer
	cache         PreviewCache
	cacheTTL      time.Duration
	realtime      *RealtimeDispatcher
	secureCookies bool
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken), errors.Is(err, jwt.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}

func sessionFromContext(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

type errorCoder interface {
	Code() string
}

// respondError maps domain failures onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	var upstreamErr *neynar.UpstreamError
	if errors.As(err, &upstreamErr) {
		h.logger.Warn(message,
			zap.String("upstream_operation", upstreamErr.Operation),
			zap.Int("upstream_status", upstreamErr.StatusCode),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_failed"})
		return
	}

	h.logger.Error(message, zap.Error(err))
	var coded errorCoder
	if errors.As(err, &coded) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": coded.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
