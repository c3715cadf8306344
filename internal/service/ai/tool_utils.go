package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	// WebSearchRateLimit is the sustained searches per second allowed per conversation.
	WebSearchRateLimit = rate.Limit(0.2)
	WebSearchRateBurst = 3
)

type toolConversationKey struct{}

type toolConversation struct {
	UserID         string
	ConversationID string
}

// WithToolConversation tags ctx so tools can rate limit per conversation.
func WithToolConversation(ctx context.Context, userID, conversationID string) context.Context {
	if userID == "" || conversationID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolConversationKey{}, toolConversation{userID, conversationID})
}

// ToolConversationFromContext returns the ids stored by WithToolConversation.
func ToolConversationFromContext(ctx context.Context) (string, string, bool) {
	meta, ok := ctx.Value(toolConversationKey{}).(toolConversation)
	if !ok {
		return "", "", false
	}
	return meta.UserID, meta.ConversationID, true
}

func toolKey(ctx context.Context) string {
	if userID, convID, ok := ToolConversationFromContext(ctx); ok {
		return "user:" + userID + ":conversation:" + convID
	}
	return "global"
}

type toolRateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newToolRateLimiter(limit rate.Limit, burst int) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "geminichat-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
