package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"

	"animehome/internal/logger"
	"animehome/internal/models"
	"animehome/internal/service/persona"
	"animehome/internal/worker"
)

type WorkerManager interface {
	Stream(worker.StreamRequest) (worker.StreamResult, error)
	History(ctx context.Context, characterID int64) ([]models.Message, error)
	Character(ctx context.Context, characterID int64) (*models.Character, error)
	Invalidate(characterIDs ...int64)
}

type Options struct {
	StaticDir      string
	PublicBaseURL  string
	AllowedOrigins []string
}

// Handler wires HTTP routes to the persona store and the generation workers.
type Handler struct {
	persona       *persona.Service
	workers       WorkerManager
	staticDir     string
	publicBaseURL string
	origins       []string
	images        *resty.Client
}

func NewHandler(svc *persona.Service, workers WorkerManager, opts Options) *Handler {
	staticDir := opts.StaticDir
	if staticDir == "" {
		staticDir = "static"
	}
	return &Handler{
		persona:       svc,
		workers:       workers,
		staticDir:     staticDir,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		origins:       opts.AllowedOrigins,
		images: resty.New().
			SetTimeout(imageFetchTimeout).
			SetHeader("User-Agent", browserUserAgent),
	}
}

// NewRouter builds the gin engine with logging, recovery and CORS.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(logger.GinLogger(), logger.GinRecovery(true), cors.New(corsConfig(h.origins)))
	h.RegisterRoutes(router)
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "X-Vercel-AI-Data-Stream"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.welcome)
	router.Static("/static", h.staticDir)

	router.GET("/characters", h.listCharacters)
	router.POST("/characters", h.createCharacter)
	router.GET("/characters/:id", h.getCharacter)
	router.PUT("/characters/:id", h.updateCharacter)
	router.DELETE("/characters/:id", h.deleteCharacter)
	router.GET("/characters/:id/messages", h.listMessages)
	router.POST("/characters/:id/messages", h.createMessage)

	router.DELETE("/messages/:id", h.deleteMessage)
	router.POST("/messages/batch_delete", h.batchDeleteMessages)

	router.POST("/chat", h.chat)
	router.GET("/proxy/image", h.proxyImage)
	router.POST("/upload/avatar", h.uploadAvatar)
}

func (h *Handler) welcome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to AnimeHome API"})
}

func characterIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return 0, false
	}
	return id, true
}

// pageParams reads skip/limit, defaulting limit to persona.DefaultListLimit.
func pageParams(c *gin.Context) (skip, limit int, ok bool) {
	limit = persona.DefaultListLimit
	if v := c.Query("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid skip"})
			return 0, 0, false
		}
		skip = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return 0, 0, false
		}
		limit = n
	}
	return skip, limit, true
}

func (h *Handler) listCharacters(c *gin.Context) {
	skip, limit, ok := pageParams(c)
	if !ok {
		return
	}
	list, err := h.persona.ListCharacters(c.Request.Context(), skip, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]models.Character, 0)
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) createCharacter(c *gin.Context) {
	var in models.CharacterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	character, err := h.persona.CreateCharacter(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, persona.ErrInvalidCharacter) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, character)
}

func (h *Handler) getCharacter(c *gin.Context) {
	id, ok := characterIDParam(c)
	if !ok {
		return
	}
	character, err := h.workers.Character(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, character)
}

func (h *Handler) updateCharacter(c *gin.Context) {
	id, ok := characterIDParam(c)
	if !ok {
		return
	}
	var in models.CharacterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	character, err := h.persona.UpdateCharacter(c.Request.Context(), id, in)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
		case errors.Is(err, persona.ErrInvalidCharacter):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	h.workers.Invalidate(id)
	c.JSON(http.StatusOK, character)
}

func (h *Handler) deleteCharacter(c *gin.Context) {
	id, ok := characterIDParam(c)
	if !ok {
		return
	}
	if err := h.persona.DeleteCharacter(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Invalidate(id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) listMessages(c *gin.Context) {
	id, ok := characterIDParam(c)
	if !ok {
		return
	}
	skip, limit, ok := pageParams(c)
	if !ok {
		return
	}

	var (
		msgs []models.Message
		err  error
	)
	if skip+limit <= worker.HistoryLimit {
		msgs, err = h.workers.History(c.Request.Context(), id)
		if err == nil {
			msgs = pageOf(msgs, skip, limit)
		}
	} else {
		msgs, err = h.persona.ListMessages(c.Request.Context(), id, skip, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, msgs)
}

func pageOf(msgs []models.Message, skip, limit int) []models.Message {
	if skip >= len(msgs) {
		return nil
	}
	end := skip + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[skip:end]
}

func (h *Handler) createMessage(c *gin.Context) {
	id, ok := characterIDParam(c)
	if !ok {
		return
	}
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg.CharacterID = id
	msg.CreatedAt = time.Time{} // server clock decides ordering
	saved, err := h.persona.CreateMessage(c.Request.Context(), msg)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "Character not found"})
		case errors.Is(err, persona.ErrDuplicateMessage):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, persona.ErrInvalidMessage):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	h.workers.Invalidate(id)
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	owner, err := h.persona.DeleteMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Invalidate(owner)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) batchDeleteMessages(c *gin.Context) {
	var ids []string
	if err := c.ShouldBindJSON(&ids); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a JSON array of message ids"})
		return
	}
	deleted, owners, err := h.persona.DeleteMessages(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Invalidate(owners...)
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": deleted})
}
