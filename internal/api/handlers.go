package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geminichat/internal/auth"
	"geminichat/internal/models"
	"geminichat/internal/service/ai"
	"geminichat/internal/worker"
)

// ChatManager is the conversation surface the handlers drive.
type ChatManager interface {
	Send(ctx context.Context, req worker.SendRequest) (*worker.SendResult, error)
	CreateConversation(ctx context.Context, userID string) (*models.Conversation, error)
	SelectConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	Conversations(ctx context.Context, userID string) ([]*models.Conversation, string, error)
	Conversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	Status(ctx context.Context, userID string) (*worker.Status, error)
	ClearError(ctx context.Context, userID string) error
	ResetUser(userID string)
}

// Handler wires HTTP routes to the auth service and the chat manager.
type Handler struct {
	auth  *auth.Service
	chats ChatManager
	// keepAlive is the comment interval on long lived event streams.
	keepAlive time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, chats ChatManager) *Handler {
	return &Handler{
		auth:      authService,
		chats:     chats,
		keepAlive: 25 * time.Second,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/auth/signup", h.signup)
	api.POST("/auth/verify", h.verify)
	api.POST("/auth/resend", h.resend)
	api.POST("/auth/login", h.login)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logout)
	authed.GET("/auth/me", h.me)
	authed.GET("/auth/events", h.authEvents)

	authed.GET("/conversations", h.listConversations)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations/:id", h.getConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)
	authed.POST("/conversations/:id/select", h.selectConversation)

	authed.POST("/chat/messages", h.sendMessage)
	authed.GET("/chat/status", h.chatStatus)
	authed.DELETE("/chat/error", h.clearError)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Auth interface
type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Signup(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *Handler) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, token, err := h.auth.VerifyOTP(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	h.startSession(c, user, token)
}

func (h *Handler) resend(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.auth.ResendOTP(c.Request.Context(), req.Email); err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	h.startSession(c, user, token)
}

func (h *Handler) startSession(c *gin.Context, user *models.User, authToken string) {
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"user":       user,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) logout(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.Logout(c.Request.Context(), authToken); err != nil {
			slog.Warn("logout failed", "user_id", userID, "error", err)
		}
	}
	h.chats.ResetUser(userID)
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.auth.UserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// authEvents streams a session event with the user on every sign in and null on sign out.
func (h *Handler) authEvents(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.auth.UserByID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	updates := make(chan *models.User, 4)
	unsubscribe := h.auth.Subscribe(userID, func(u *models.User) {
		select {
		case updates <- u:
		default:
		}
	})
	defer unsubscribe()

	stream, ok := startEventStream(c)
	if !ok {
		return
	}
	if err := stream.send("session", gin.H{"user": user}); err != nil {
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case u := <-updates:
			if err := stream.send("session", gin.H{"user": u}); err != nil {
				return
			}
			if u == nil {
				return
			}
		case <-ticker.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidOTP):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrEmailNotConfirmed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrTooManyRequests):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		slog.Error("auth request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// Conversation interface
func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convs, activeID, err := h.chats.Conversations(c.Request.Context(), userID)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	status, err := h.chats.Status(c.Request.Context(), userID)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	if convs == nil {
		convs = make([]*models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"active_id":     activeID,
		"status":        status,
	})
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, err := h.chats.CreateConversation(c.Request.Context(), userID)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, err := h.chats.Conversation(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) selectConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, err := h.chats.SelectConversation(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.chats.DeleteConversation(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeChatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// User input interface
type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// sendMessage answers with an event stream: ack once the user turn is
// recorded, then done with the reply or error with a classified failure.
func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.Status(http.StatusNoContent)
		return
	}

	var stream *eventStream
	res, err := h.chats.Send(c.Request.Context(), worker.SendRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		OnAck: func(conv *models.Conversation) {
			s, ok := startEventStream(c)
			if !ok {
				return
			}
			stream = s
			_ = stream.send("ack", gin.H{"conversation": conv})
		},
	})
	if err != nil {
		if stream == nil {
			h.writeChatError(c, err)
			return
		}
		var sendErr *worker.SendError
		if errors.As(err, &sendErr) {
			_ = stream.send("error", gin.H{"kind": sendErr.Kind, "message": sendErr.Message})
			return
		}
		_ = stream.send("error", gin.H{"kind": ai.KindUnknown, "message": ai.UserMessage(ai.KindUnknown)})
		return
	}
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if stream == nil {
		c.JSON(http.StatusOK, donePayload(res))
		return
	}
	_ = stream.send("done", donePayload(res))
}

func donePayload(res *worker.SendResult) gin.H {
	payload := gin.H{
		"user_message": res.UserMessage,
		"ai_message":   res.AIMessage,
		"conversation": res.Conversation,
	}
	if res.Title != "" {
		payload["title"] = res.Title
	}
	return payload
}

func (h *Handler) chatStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	status, err := h.chats.Status(c.Request.Context(), userID)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) clearError(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.chats.ClearError(c.Request.Context(), userID); err != nil {
		h.writeChatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeChatError(c *gin.Context, err error) {
	var sendErr *worker.SendError
	switch {
	case errors.Is(err, worker.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, worker.ErrConversationBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, worker.ErrUserRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
	case errors.As(err, &sendErr):
		c.JSON(http.StatusBadGateway, gin.H{"kind": sendErr.Kind, "error": sendErr.Message})
	default:
		slog.Error("chat request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// SSE helpers
type eventStream struct {
	c       *gin.Context
	flusher http.Flusher
}

func startEventStream(c *gin.Context) (*eventStream, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()
	return &eventStream{c: c, flusher: flusher}, true
}

func (s *eventStream) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *eventStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.c.Writer, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
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
