package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"geminichat/internal/config"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// maxToolResultRunes caps what one search hands back to the model.
const maxToolResultRunes = 8000

var webSearchInfo = &schema.ToolInfo{
	Name: "web_search",
	Desc: "Look up current information on the web to answer the user's latest message. " +
		"Pass a short search query, or an http(s) URL the user mentioned to read that page.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"query": {
			Desc:     "Search query or URL",
			Type:     schema.String,
			Required: true,
		},
	}),
}

// NewToolsChain returns the tools offered to tool-calling chat providers.
func NewToolsChain(ctx context.Context, cfg config.SearchConfig) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := newWebSearchTool(ctx, cfg); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

type searchBackend struct {
	name string
	tool tool.InvokableTool
}

// searchResult is the JSON document the model receives from web_search.
type searchResult struct {
	Query     string `json:"query"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

type webSearchTool struct {
	backends   []searchBackend
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func newWebSearchTool(ctx context.Context, cfg config.SearchConfig) tool.InvokableTool {
	var backends []searchBackend
	if g := newGoogleSearch(ctx, cfg); g != nil {
		backends = append(backends, searchBackend{name: "google", tool: g})
	}
	if d := newDuckDuckGoSearch(ctx, cfg); d != nil {
		backends = append(backends, searchBackend{name: "duckduckgo", tool: d})
	}
	if len(backends) == 0 {
		slog.Warn("web search tool disabled: no search backend available")
		return nil
	}
	ws := &webSearchTool{
		backends:   backends,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateBurst),
	}
	return utils.NewTool(webSearchInfo, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if w.limiter != nil && !w.limiter.Allow(toolKey(ctx)) {
		return "", errors.New("web search rate limit exceeded, please retry shortly")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return encodeSearchResult(query, "url", content)
		}
		slog.Warn("web page fetch failed", "url", query, "error", err)
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	for _, b := range w.backends {
		out, err := b.tool.InvokableRun(ctx, string(payload))
		if err != nil {
			slog.Warn("web search backend failed", "backend", b.name, "error", err)
			continue
		}
		return encodeSearchResult(query, b.name, out)
	}
	return "", errors.New("no search provider succeeded")
}

func encodeSearchResult(query, source, content string) (string, error) {
	res := searchResult{Query: query, Source: source}
	content = strings.TrimSpace(content)
	if r := []rune(content); len(r) > maxToolResultRunes {
		content = string(r[:maxToolResultRunes])
		res.Truncated = true
	}
	res.Content = content
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal search result: %w", err)
	}
	return string(out), nil
}

func newDuckDuckGoSearch(ctx context.Context, cfg config.SearchConfig) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo text search",
		MaxResults: cfg.MaxResults,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		slog.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context, cfg config.SearchConfig) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleEngineID == "" {
		slog.Info("google search disabled: no api key or engine id configured")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google custom search",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleEngineID,
		Lang:           "en",
		Num:            cfg.MaxResults,
	})
	if err != nil {
		slog.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}
