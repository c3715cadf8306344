package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	titleWordLimit = 6
	titleTimeout   = 20 * time.Second
	titlePrompt    = `Generate a short, descriptive title (max 6 words) for a conversation that starts with: "%s". Only return the title, nothing else.`
)

// TitleGenerator names a conversation from its first user message.
type TitleGenerator struct {
	chatModel model.BaseChatModel
}

// NewTitleGenerator returns a generator; a nil model always uses the fallback.
func NewTitleGenerator(chatModel model.BaseChatModel) *TitleGenerator {
	return &TitleGenerator{chatModel: chatModel}
}

// GenerateTitle asks the model for a short title and falls back to
// FallbackTitle on any failure. It never returns an empty string for non-empty input.
func (g *TitleGenerator) GenerateTitle(ctx context.Context, firstMessage string) string {
	if g == nil || g.chatModel == nil {
		return FallbackTitle(firstMessage)
	}
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	resp, err := g.chatModel.Generate(ctx, []*schema.Message{
		{
			Role:    schema.User,
			Content: fmt.Sprintf(titlePrompt, firstMessage),
		},
	})
	if err != nil {
		slog.Warn("generate title failed", "error", err)
		return FallbackTitle(firstMessage)
	}
	if resp == nil {
		return FallbackTitle(firstMessage)
	}
	title := cleanTitle(resp.Content)
	if title == "" {
		return FallbackTitle(firstMessage)
	}
	return title
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, "\"'`“”‘’*")
	return strings.TrimSpace(title)
}

// FallbackTitle keeps the first six words of text, adding "..." when more were dropped.
func FallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) <= titleWordLimit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWordLimit], " ") + "..."
}
