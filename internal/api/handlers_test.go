package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"geminichat/internal/auth"
	"geminichat/internal/config"
	"geminichat/internal/service/ai"
	"geminichat/internal/service/assistant"
	"geminichat/internal/storage"
	"geminichat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.signupAndVerify(t, "bob@example.com")

	// First message creates a conversation and names it.
	firstMessage := "Hello, remember my name is Bob."
	sendResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages",
		map[string]any{"content": firstMessage}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected 2 SSE events, got %d: %s", len(events), sendResp.Body.String())
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var ackPayload struct {
		Conversation struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Messages []struct {
				Content  string `json:"content"`
				IsTyping bool   `json:"is_typing"`
			} `json:"messages"`
		} `json:"conversation"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if len(ackPayload.Conversation.Messages) != 2 || !ackPayload.Conversation.Messages[1].IsTyping {
		t.Fatalf("ack should carry the user turn and placeholder: %s", events[0].Data)
	}
	if ackPayload.Conversation.Messages[0].Content != firstMessage || ackPayload.Conversation.Status != "sending" {
		t.Fatalf("ack payload mismatch: %s", events[0].Data)
	}
	if events[1].Name != "done" {
		t.Fatalf("expected done event, got %s", events[1].Name)
	}
	var done struct {
		Title string `json:"title"`
		AI    struct {
			Content string `json:"content"`
		} `json:"ai_message"`
		Conversation struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"conversation"`
	}
	decodeJSON(t, []byte(events[1].Data), &done)
	if done.Title != "Hello, remember my name is Bob." {
		t.Fatalf("unexpected title %q", done.Title)
	}
	if done.AI.Content != "echo: "+firstMessage || done.Conversation.Status != "idle" {
		t.Fatalf("done payload mismatch: %s", events[1].Data)
	}
	convID := done.Conversation.ID
	if got := countMessages(t, srv.db, convID); got != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", got)
	}

	// Listing shows the conversation as active.
	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Conversations []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"conversations"`
		ActiveID string `json:"active_id"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Conversations) != 1 || list.ActiveID != convID {
		t.Fatalf("unexpected list: %s", listResp.Body.String())
	}

	// A new conversation becomes active and is empty.
	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations", nil, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var created struct {
		Conversation struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"conversation"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.Conversation.Title != "New Chat" {
		t.Fatalf("unexpected default title %q", created.Conversation.Title)
	}
	if !strings.Contains(createResp.Body.String(), `"messages":[]`) {
		t.Fatalf("new conversation should carry an empty message list: %s", createResp.Body.String())
	}

	// Selecting the first conversation reopens it.
	selResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/"+convID+"/select", nil, authHeader)
	assertStatus(t, selResp, http.StatusOK)
	if n := srv.provider.openCount(); n != 2 {
		t.Fatalf("selecting should reopen the chat session, opened %d", n)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+convID, nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)

	// Delete and confirm it is gone.
	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/conversations/"+convID, nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	missing := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+convID, nil, authHeader)
	assertStatus(t, missing, http.StatusNotFound)
	delAgain := doJSONRequest(t, srv.router, http.MethodDelete, "/api/conversations/"+convID, nil, authHeader)
	assertStatus(t, delAgain, http.StatusNotFound)

	// Logout revokes the token.
	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	meResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/auth/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusUnauthorized)
}

func TestSendMessageBlankContentIsNoop(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.signupAndVerify(t, "blank@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages",
		map[string]any{"content": "   "}, authHeader)
	assertStatus(t, resp, http.StatusNoContent)

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, authHeader)
	var list struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Conversations) != 0 {
		t.Fatalf("blank message should not create a conversation")
	}
}

func TestSendMessageFailureStreamsError(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.signupAndVerify(t, "err@example.com")
	srv.provider.setErr(errors.New("API key not valid. Please pass a valid API key."))

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages",
		map[string]any{"content": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %s", resp.Body.String())
	}
	var payload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	decodeJSON(t, []byte(events[1].Data), &payload)
	if payload.Kind != string(ai.KindInvalidCredentials) || payload.Message != "Invalid API key. Please check your API key." {
		t.Fatalf("unexpected error payload %+v", payload)
	}

	statusResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/status", nil, authHeader)
	assertStatus(t, statusResp, http.StatusOK)
	var status struct {
		IsGenerating  bool              `json:"is_generating"`
		Error         string            `json:"error"`
		Conversations map[string]string `json:"conversations"`
	}
	decodeJSON(t, statusResp.Body.Bytes(), &status)
	if status.IsGenerating || status.Error != payload.Message || len(status.Conversations) != 1 {
		t.Fatalf("unexpected status %s", statusResp.Body.String())
	}

	clearResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/error", nil, authHeader)
	assertStatus(t, clearResp, http.StatusNoContent)
	statusResp = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/status", nil, authHeader)
	assertStatus(t, statusResp, http.StatusOK)
	var cleared struct {
		IsGenerating  bool              `json:"is_generating"`
		Error         string            `json:"error"`
		Conversations map[string]string `json:"conversations"`
	}
	decodeJSON(t, statusResp.Body.Bytes(), &cleared)
	if cleared.Error != "" || len(cleared.Conversations) != 1 {
		t.Fatalf("error should be cleared, got %s", statusResp.Body.String())
	}
}

func TestSendMessageUnknownConversation(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.signupAndVerify(t, "nf@example.com")
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages",
		map[string]any{"content": "hi", "conversation_id": "does-not-exist"}, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestSelectUnknownConversation(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.signupAndVerify(t, "sel@example.com")
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/nope/select", nil, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestAuthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	weak := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/signup",
		map[string]string{"email": "x@example.com", "password": "123"}, nil)
	assertStatus(t, weak, http.StatusBadRequest)

	badEmail := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/signup",
		map[string]string{"email": "not-an-email", "password": "secret1"}, nil)
	assertStatus(t, badEmail, http.StatusBadRequest)

	signup := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/signup",
		map[string]string{"email": "carol@example.com", "password": "secret1", "name": "Carol"}, nil)
	assertStatus(t, signup, http.StatusCreated)

	dup := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/signup",
		map[string]string{"email": "carol@example.com", "password": "secret1"}, nil)
	assertStatus(t, dup, http.StatusConflict)

	unconfirmed := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "carol@example.com", "password": "secret1"}, nil)
	assertStatus(t, unconfirmed, http.StatusForbidden)

	throttled := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/resend",
		map[string]string{"email": "carol@example.com"}, nil)
	assertStatus(t, throttled, http.StatusTooManyRequests)

	wrongCode := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/verify",
		map[string]string{"email": "carol@example.com", "code": "12345x"}, nil)
	assertStatus(t, wrongCode, http.StatusBadRequest)

	verify := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/verify",
		map[string]string{"email": "carol@example.com", "code": srv.mailer.last("carol@example.com")}, nil)
	assertStatus(t, verify, http.StatusOK)

	replay := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/verify",
		map[string]string{"email": "carol@example.com", "code": srv.mailer.last("carol@example.com")}, nil)
	assertStatus(t, replay, http.StatusBadRequest)

	badPassword := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "carol@example.com", "password": "wrong-password"}, nil)
	assertStatus(t, badPassword, http.StatusUnauthorized)

	login := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "carol@example.com", "password": "secret1"}, nil)
	assertStatus(t, login, http.StatusOK)
	var body struct {
		User struct {
			Email         string `json:"email"`
			Name          string `json:"name"`
			EmailVerified bool   `json:"email_verified"`
		} `json:"user"`
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, login.Body.Bytes(), &body)
	if body.AuthToken == "" || !body.User.EmailVerified || body.User.Name != "Carol" {
		t.Fatalf("unexpected login body %s", login.Body.String())
	}
	if len(login.Result().Cookies()) != 2 {
		t.Fatalf("login should set auth and csrf cookies")
	}

	me := doJSONRequest(t, srv.router, http.MethodGet, "/api/auth/me", nil,
		map[string]string{"Authorization": "Bearer " + body.AuthToken})
	assertStatus(t, me, http.StatusOK)

	resendVerified := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/resend",
		map[string]string{"email": "carol@example.com"}, nil)
	assertStatus(t, resendVerified, http.StatusNoContent)
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	srv := newTestServer(t)
	srv.signupAndVerify(t, "dave@example.com")

	login := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "dave@example.com", "password": "secret1"}, nil)
	assertStatus(t, login, http.StatusOK)
	var authCookie, csrfCookie *http.Cookie
	for _, ck := range login.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("missing auth cookies")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusForbidden)

	req = httptest.NewRequest(http.MethodPost, "/api/conversations", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	req.Header.Set("X-CSRF-Token", csrfCookie.Value)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.AddCookie(authCookie)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	health := doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, health, http.StatusOK)
	if health.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("request id header missing")
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	mailer   *captureMailer
	provider *echoProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mailer := &captureMailer{}
	authSvc := auth.NewService(db, nil, time.Hour, auth.WithMailer(mailer), auth.WithOTP("test", 600, time.Minute))
	provider := &echoProvider{}
	manager := worker.NewManager(assistant.NewService(db), provider, assistant.NewTitleGenerator(nil),
		worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(manager.Close)

	router := gin.New()
	router.Use(RequestLogger(), Recovery())
	NewHandler(authSvc, manager).RegisterRoutes(router)
	return &testServer{router: router, db: db, mailer: mailer, provider: provider}
}

// signupAndVerify registers email with password secret1 and returns a bearer header.
func (s *testServer) signupAndVerify(t *testing.T, email string) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/signup",
		map[string]string{"email": email, "password": "secret1"}, nil)
	assertStatus(t, resp, http.StatusCreated)
	code := s.mailer.last(email)
	if code == "" {
		t.Fatalf("no verification code mailed to %s", email)
	}
	verify := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/verify",
		map[string]string{"email": email, "code": code}, nil)
	assertStatus(t, verify, http.StatusOK)
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, verify.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("expected auth token after verification")
	}
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", body.AuthToken)}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, conversationID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *captureMailer) SendVerificationCode(_ context.Context, email, _, code string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = make(map[string]string)
	}
	m.codes[email] = code
	return nil
}

func (m *captureMailer) last(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type echoProvider struct {
	mu     sync.Mutex
	opened int
	err    error
}

func (p *echoProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *echoProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *echoProvider) reply(text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return "echo: " + text, nil
}

func (p *echoProvider) Generate(_ context.Context, text string) (string, error) {
	return p.reply(text)
}

func (p *echoProvider) OpenChat(context.Context, []ai.Turn) (ai.ChatHandle, error) {
	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return echoHandle{p}, nil
}

type echoHandle struct {
	p *echoProvider
}

func (h echoHandle) Send(_ context.Context, text string) (string, error) {
	return h.p.reply(text)
}
