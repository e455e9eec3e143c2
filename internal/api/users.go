package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listUsers(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	users, err := h.accounts.ListUsers(c.Request.Context(), userID, c.Query("search"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) getUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	id, ok := h.pathID(c, "userId", "user id")
	if !ok {
		return
	}
	user, err := h.accounts.GetUser(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
