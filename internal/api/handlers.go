package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kaichat/internal/auth"
	"kaichat/internal/models"
	"kaichat/internal/service/assistant"
	"kaichat/internal/service/conversation"
)

// Chatter runs a chat turn.
type Chatter interface {
	Send(ctx context.Context, userID, sessionID, message string) (*conversation.Result, error)
}

// JobCanceler drops background work queued for a user.
type JobCanceler interface {
	CancelUser(userID string) int
}

// Handler wires HTTP routes to the assistant and conversation services.
type Handler struct {
	assistant *assistant.Service
	chat      Chatter
	auth      *auth.Service
	jobs      JobCanceler
	log       *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, chat Chatter, authService *auth.Service, jobs JobCanceler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		assistant: service,
		chat:      chat,
		auth:      authService,
		jobs:      jobs,
		log:       log.Named("api"),
	}
}

// HealthText is served on GET /.
const HealthText = "Kai Chatbot API is running..."

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, HealthText)
	})

	api := router.Group("/api/chat")
	api.POST("/signup", h.signup)
	api.POST("/login", h.login)

	protected := api.Group("")
	protected.Use(h.auth.Middleware())
	protected.GET("/sessions/:userId", h.listSessions)
	protected.GET("/session/:sessionId", h.getSession)
	protected.POST("/session/new", h.newSession)
	protected.POST("/message", h.sendMessage)
	protected.GET("/user/:userId", h.getUser)
	protected.GET("/history/:userId", h.getHistory)
	protected.POST("/reset", h.reset)
	protected.POST("/logout", h.logout)
}

// CORS allows the configured origins; "*" or an empty list allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userRequest struct {
	UserID string `json:"userId"`
}

type messageRequest struct {
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (h *Handler) signup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, assistant.ErrCredentialsRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and Password required"})
		return
	case errors.Is(err, assistant.ErrUserExists):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User already exists. Please Login."})
		return
	case err != nil:
		h.internalError(c, "Signup Failed", err)
		return
	}
	h.respondWithIdentity(c, user)
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, assistant.ErrCredentialsRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and Password required"})
		return
	case errors.Is(err, assistant.ErrUserNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User not found. Please Sign Up."})
		return
	case errors.Is(err, assistant.ErrInvalidPassword):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Incorrect Password"})
		return
	case err != nil:
		h.internalError(c, "Login failed", err)
		return
	}
	h.respondWithIdentity(c, user)
}

// respondWithIdentity answers signup and login, adding a token when auth is enabled.
func (h *Handler) respondWithIdentity(c *gin.Context, user *models.User) {
	body := gin.H{"userId": user.UserID, "username": user.Username}
	if h.auth.Enabled() {
		token, err := h.auth.IssueToken(c.Request.Context(), user.UserID)
		if err != nil {
			h.internalError(c, "issue token failed", err)
			return
		}
		h.setAuthCookie(c, token)
		body["token"] = token
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) listSessions(c *gin.Context) {
	userID := c.Param("userId")
	if !h.auth.Authorize(c, userID) {
		return
	}
	summaries, err := h.assistant.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Error fetching sessions", err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.assistant.FindSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.internalError(c, "Error fetching session", err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, []*models.Message{})
		return
	}
	if !h.auth.Authorize(c, sess.UserID) {
		return
	}
	c.JSON(http.StatusOK, sess.Messages)
}

func (h *Handler) newSession(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if !h.auth.Authorize(c, req.UserID) {
		return
	}
	sess, err := h.assistant.CreateSession(c.Request.Context(), req.UserID, models.DefaultSessionTitle)
	if err != nil {
		h.internalError(c, "Failed to create", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.SessionID, "title": sess.Title})
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and message are required"})
		return
	}
	if !h.auth.Authorize(c, req.UserID) {
		return
	}
	if req.SessionID != "" && h.auth.Enabled() {
		sess, err := h.assistant.FindSession(c.Request.Context(), req.SessionID)
		if err != nil {
			h.internalError(c, "Internal Server Error", err)
			return
		}
		// a session owned by someone else must not leak into or receive this exchange
		if sess != nil && !h.auth.Authorize(c, sess.UserID) {
			return
		}
	}
	result, err := h.chat.Send(c.Request.Context(), req.UserID, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, conversation.ErrMissingFields) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId and message are required"})
			return
		}
		h.internalError(c, "Internal Server Error", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getUser(c *gin.Context) {
	userID := c.Param("userId")
	if !h.auth.Authorize(c, userID) {
		return
	}
	user, err := h.assistant.Profile(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "Fetch error", err)
		return
	}
	if user == nil {
		c.JSON(http.StatusOK, gin.H{"facts": []string{}})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) getHistory(c *gin.Context) {
	userID := c.Param("userId")
	if !h.auth.Authorize(c, userID) {
		return
	}
	messages, err := h.assistant.LatestHistory(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("load history failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusOK, []*models.Message{})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *Handler) reset(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if !h.auth.Authorize(c, req.UserID) {
		return
	}
	if h.jobs != nil {
		h.jobs.CancelUser(req.UserID)
	}
	if err := h.assistant.ResetMemory(c.Request.Context(), req.UserID); err != nil {
		h.internalError(c, "Reset failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Memory wiped."})
}

func (h *Handler) logout(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			h.log.Warn("revoke token failed", zap.Error(err))
		}
	}
	h.clearAuthCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.log.Error(message,
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func (h *Handler) setAuthCookie(c *gin.Context, token string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    token,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearAuthCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
