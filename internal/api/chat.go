package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"animehome/internal/datastream"
	"animehome/internal/models"
	"animehome/internal/worker"
)

// chat streams one assistant reply in the data-stream line protocol. The
// start frame announces the id the reply is persisted under.
func (h *Handler) chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
		return
	}
	turns := h.promptTurns(c.Request.Context(), req)
	var temperature float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	c.Header("Content-Type", datastream.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Vercel-AI-Data-Stream", "v1")
	c.Status(http.StatusOK)

	out := datastream.NewWriter(c.Writer)
	messageID := uuid.NewString()
	if err := out.Start(messageID); err != nil {
		return
	}
	_, err := h.workers.Stream(worker.StreamRequest{
		Context:     c.Request.Context(),
		CharacterID: req.CharacterID,
		MessageID:   messageID,
		Turns:       turns,
		Temperature: temperature,
		ChunkFn:     out.Text,
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		msg := err.Error()
		if errors.Is(err, worker.ErrDispatcherBusy) {
			msg = "server is busy, please retry"
		}
		zap.L().Warn("chat generation failed",
			zap.Int64("character_id", req.CharacterID),
			zap.String("message_id", messageID),
			zap.Error(err))
		_ = out.Error(msg)
		_ = out.Finish(datastream.FinishError)
		return
	}
	_ = out.Finish(datastream.FinishStop)
}

// promptTurns prepends the system prompt unless the history already leads
// with one. Without an explicit prompt the character's own is used.
func (h *Handler) promptTurns(ctx context.Context, req models.ChatRequest) []models.ChatTurn {
	prompt := strings.TrimSpace(req.SystemPrompt)
	if prompt == "" && req.CharacterID > 0 {
		if character, err := h.workers.Character(ctx, req.CharacterID); err == nil && character != nil {
			prompt = strings.TrimSpace(character.SystemPrompt)
		}
	}
	if prompt == "" || req.Messages[0].Role == models.RoleSystem {
		return req.Messages
	}
	turns := make([]models.ChatTurn, 0, len(req.Messages)+1)
	turns = append(turns, models.ChatTurn{Role: models.RoleSystem, Content: prompt})
	return append(turns, req.Messages...)
}
