package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"thrive/internal/apperr"
)

type sendMessageRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	msg, err := h.conversations.SendMessage(c.Request.Context(), userID, req.RecipientID, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) getThread(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	otherID, ok := h.pathID(c, "otherUserId", "user id")
	if !ok {
		return
	}
	thread, err := h.conversations.GetThread(c.Request.Context(), userID, otherID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *Handler) markAsRead(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	messageID, ok := h.pathID(c, "messageId", "message id")
	if !ok {
		return
	}
	msg, err := h.conversations.MarkAsRead(c.Request.Context(), userID, messageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}
