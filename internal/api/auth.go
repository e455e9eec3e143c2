package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/auth"
	"thrive/internal/models"
	"thrive/internal/service/account"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req account.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.startSession(c, http.StatusCreated, user)
}

func (h *Handler) loginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	user, err := h.accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.startSession(c, http.StatusOK, user)
}

// startSession issues a token for user, sets the cookies and writes {user, token}.
func (h *Handler) startSession(c *gin.Context, status int, user *models.User) {
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(status, gin.H{
		"user":  user,
		"token": authToken,
	})
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, profile, err := h.accounts.Me(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    user,
		"profile": profile,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			h.respondError(c, err)
			return
		}
	}
	h.clearAuthCookies(c)
	h.log.Info("user logged out", zap.Int64("user_id", userID))
	c.Status(http.StatusNoContent)
}
