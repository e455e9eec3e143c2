package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/auth"
	"thrive/internal/logger"
	"thrive/internal/models"
	"thrive/internal/service/account"
)

// Conversations is the message store behind the /api/messages routes.
type Conversations interface {
	SendMessage(ctx context.Context, senderID, recipientID int64, content string) (*models.Message, error)
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	GetThread(ctx context.Context, userID, otherUserID int64) (*models.Thread, error)
	MarkAsRead(ctx context.Context, userID, messageID int64) (*models.Message, error)
}

// Handler wires HTTP routes to the account, auth and conversation services.
type Handler struct {
	accounts      *account.Service
	auth          *auth.Service
	conversations Conversations
	log           *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, authService *auth.Service, conversations Conversations, log *zap.Logger) *Handler {
	return &Handler{
		accounts:      accounts,
		auth:          authService,
		conversations: conversations,
		log:           logger.OrNop(log),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api")
	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/login", h.loginUser)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.GET("/auth/me", h.me)
	protected.POST("/auth/logout", h.logoutUser)

	protected.GET("/users", h.listUsers)
	protected.GET("/users/:userId", h.getUser)

	protected.POST("/messages", h.sendMessage)
	protected.GET("/messages/conversations", h.listConversations)
	protected.PATCH("/messages/:messageId/read", h.markAsRead)
	protected.GET("/messages/:otherUserId", h.getThread)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "kind": apperr.KindUnauthorized})
		return 0, false
	}
	return userID, true
}

// pathID parses a positive integer path parameter, answering 400 otherwise.
func (h *Handler) pathID(c *gin.Context, name, label string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, apperr.Validation("invalid "+label))
		return 0, false
	}
	return id, true
}

// respondError writes the error body for err and logs server-side failures.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": apperr.MessageOf(err), "kind": apperr.KindOf(err)})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
