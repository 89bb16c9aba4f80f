// Package call serves the read side of call records: history, detail,
// and stored transcripts. The live call path is WebSocket-only.
package call

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"talklink-backend/internal/repository/cassandra"
	"talklink-backend/internal/repository/cockroach"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/pagination"
	"talklink-backend/pkg/response"
)

// Handler handles call record HTTP requests
type Handler struct {
	calls       *cockroach.CallRepository
	transcripts *cassandra.TranscriptRepository
}

// NewHandler creates a new call handler
func NewHandler(calls *cockroach.CallRepository, transcripts *cassandra.TranscriptRepository) *Handler {
	return &Handler{
		calls:       calls,
		transcripts: transcripts,
	}
}

// GetHistory lists the authenticated user's past calls, newest first
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.GetUserCalls(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		logger.Error("Failed to load call history",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to load call history")
		return
	}

	total, err := h.calls.CountUserCalls(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to count call history",
			zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(c, "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, total, calls))
}

// GetCall returns one call record, participants and grammar feedback
// included
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		response.NotFound(c, "Call not found")
		return
	}
	if !call.HasParticipant(userID) {
		response.Forbidden(c, "Not a participant of this call")
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetTranscript returns the stored transcript of a finished call
// GET /v1/calls/:id/transcript
func (h *Handler) GetTranscript(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		response.NotFound(c, "Call not found")
		return
	}
	if !call.HasParticipant(userID) {
		response.Forbidden(c, "Not a participant of this call")
		return
	}

	end := time.Now()
	if call.EndTime != nil {
		end = *call.EndTime
	}

	entries, err := h.transcripts.GetFullTranscript(callID, call.StartTime, end, 10000)
	if err != nil {
		logger.Error("Failed to load transcript",
			zap.String("call_id", callID.String()), zap.Error(err))
		response.InternalError(c, "Failed to load transcript")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"entries": entries,
	})
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
