package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/auth"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"github.com/MarcoPoloResearchLab/instaplus/internal/storygen"
	"github.com/MarcoPoloResearchLab/instaplus/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "instaplus_user_id"

var (
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingUsers         = errors.New("users service dependency required")
	errMissingPosts         = errors.New("posts service dependency required")
	errMissingStories       = errors.New("stories service dependency required")
	errMissingMessages      = errors.New("messages service dependency required")
	errMissingMedia         = errors.New("media gateway dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserDirectory interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error
	Followees(ctx context.Context, userID string) ([]string, error)
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

type PostStore interface {
	Create(ctx context.Context, authorID, caption string, publicIDs []string) (posts.Post, error)
	List(ctx context.Context, query posts.Query) (posts.Page, error)
}

type StoryStore interface {
	Create(ctx context.Context, authorID, publicID string) (stories.Story, error)
	ListSets(ctx context.Context) ([]stories.Set, error)
	MarkViewed(ctx context.Context, viewerID, authorID string) error
	ListViewed(ctx context.Context, viewerID string) ([]string, error)
}

type MessageStore interface {
	Start(ctx context.Context, userID, otherID string) (messages.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]messages.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]messages.Message, error)
	Send(ctx context.Context, userID, conversationID, text string) (messages.Message, error)
	Edit(ctx context.Context, userID, messageID, text string) (messages.Message, error)
	Delete(ctx context.Context, userID, messageID string) (messages.Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	LookupMessage(ctx context.Context, messageID string) (messages.Message, error)
}

type MediaGateway interface {
	Upload(ctx context.Context, ownerID string, uploads []media.Upload) ([]media.Item, error)
	Delete(ctx context.Context, ownerID string, publicIDs []string) (media.DeleteResult, error)
	MaxFileBytes() int64
}

type Dependencies struct {
	Validator       SessionValidator
	Users           UserDirectory
	Posts           PostStore
	Stories         StoryStore
	Messages        MessageStore
	Media           MediaGateway
	Hub             *realtime.Hub
	Generator       storygen.Generator
	RateLimiter     *UserRateLimiter
	AllowedOrigins  []string
	MediaDirectory  string
	MediaPublicPath string
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Posts == nil:
		return nil, errMissingPosts
	case deps.Stories == nil:
		return nil, errMissingStories
	case deps.Messages == nil:
		return nil, errMissingMessages
	case deps.Media == nil:
		return nil, errMissingMedia
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registerValidations(); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator:      deps.Validator,
		users:          deps.Users,
		posts:          deps.Posts,
		stories:        deps.Stories,
		messages:       deps.Messages,
		media:          deps.Media,
		hub:            deps.Hub,
		generator:      deps.Generator,
		limiter:        deps.RateLimiter,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MediaDirectory != "" && deps.MediaPublicPath != "" {
		router.Static(deps.MediaPublicPath, deps.MediaDirectory)
	}

	public := router.Group("/")
	public.Use(handler.identifyRequest)
	public.GET("/posts", handler.handleListPosts)
	public.GET("/stories", handler.handleListStories)

	router.GET("/realtime", handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	writes := protected.Group("/")
	writes.Use(handler.rateLimit)

	writes.POST("/posts", handler.handleCreatePost)

	protected.GET("/messages/conversations", handler.handleListConversations)
	writes.POST("/messages/start/:userId", handler.handleStartConversation)
	protected.GET("/messages/:id", handler.handleListMessages)
	writes.POST("/messages/:id", handler.handleSendMessage)
	writes.PATCH("/messages/:id", handler.handleEditMessage)
	writes.DELETE("/messages/:id", handler.handleDeleteMessage)

	writes.POST("/upload/media", handler.handleUploadMedia)
	writes.DELETE("/upload/media", handler.handleDeleteMedia)
	writes.POST("/upload/generate-story", handler.handleGenerateStory)

	writes.POST("/stories", handler.handleCreateStory)
	protected.GET("/stories/viewed", handler.handleListViewed)
	writes.PATCH("/stories/viewed", handler.handleMarkViewed)

	protected.GET("/users/me", handler.handleMe)
	writes.POST("/users/:id/follow", handler.handleFollow)
	writes.DELETE("/users/:id/follow", handler.handleUnfollow)

	return router, nil
}

type httpHandler struct {
	validator      SessionValidator
	users          UserDirectory
	posts          PostStore
	stories        StoryStore
	messages       MessageStore
	media          MediaGateway
	hub            *realtime.Hub
	generator      storygen.Generator
	limiter        *UserRateLimiter
	allowedOrigins []string
	logger         *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

// authorizeRequest rejects requests without a valid bearer token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// identifyRequest attaches the caller when a token is present but lets anonymous requests through.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	if userID != "" {
		c.Set(userIDContextKey, userID)
	}
	c.Next()
}

// authenticate returns ("", true) for anonymous requests and aborts on invalid tokens.
func (h *httpHandler) authenticate(c *gin.Context) (string, bool) {
	if auth.ExtractToken(c.Request) == "" {
		return "", true
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := serviceerr.CodeOf(err)
	switch {
	case errors.Is(err, serviceerr.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": code})
	case errors.Is(err, serviceerr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "code": code})
	case errors.Is(err, serviceerr.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": code})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}

func invalidRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
}
