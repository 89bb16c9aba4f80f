// Package push exposes device token registration so offline users can be
// reached with incoming-call notifications.
package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/push"
	"talklink-backend/pkg/response"
)

// Handler handles push token HTTP requests
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push token handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{pushService: pushService}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken stores a device token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
		Active:   true,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"id": token.ID})
}

// UnregisterToken removes one device token
// DELETE /v1/push/tokens/:id
func (h *Handler) UnregisterToken(c *gin.Context) {
	if _, ok := authenticatedUser(c); !ok {
		return
	}

	tokenID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid token ID")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), tokenID); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("token_id", tokenID.String()), zap.Error(err))
		response.InternalError(c, "Failed to unregister push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token removed"})
}

// UnregisterAllTokens removes every device token of the authenticated
// user, typically on logout
// DELETE /v1/push/tokens
func (h *Handler) UnregisterAllTokens(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), userID); err != nil {
		logger.Error("Failed to unregister push tokens",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to unregister push tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "All tokens removed"})
}

func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
