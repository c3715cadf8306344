package ai

import (
	"context"
	"fmt"
	"strings"

	"geminichat/internal/config"
	"geminichat/internal/models"
)

// Role is the author of a turn as seen by the remote model.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of the history used to seed a chat.
type Turn struct {
	Role Role
	Text string
}

// Provider talks to a remote generative model.
type Provider interface {
	// Generate runs a single stateless turn.
	Generate(ctx context.Context, text string) (string, error)
	// OpenChat creates a stateful chat seeded with history.
	OpenChat(ctx context.Context, history []Turn) (ChatHandle, error)
}

// ChatHandle is a live remote chat that remembers previous turns.
type ChatHandle interface {
	Send(ctx context.Context, text string) (string, error)
}

// TurnsFromMessages translates a transcript into model turns, skipping the placeholder.
func TurnsFromMessages(msgs []models.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsPlaceholder() {
			continue
		}
		role := RoleUser
		if msg.Type == models.MessageTypeAI {
			role = RoleModel
		}
		turns = append(turns, Turn{Role: role, Text: msg.Content})
	}
	return turns
}

// NewProvider builds the chat provider selected in cfg.Chat.Provider.
// A provider without an API key yields one that fails every call with ErrNotConfigured.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	name := strings.ToLower(cfg.Chat.Provider)
	provCfg := cfg.Provider(name)
	if provCfg.APIKey == "" {
		return unconfigured{}, nil
	}
	switch name {
	case "gemini":
		return newGeminiProvider(ctx, provCfg, cfg.Chat)
	case "openai", "claude":
		chatModel, err := NewChatModel(ctx, name, provCfg, "")
		if err != nil {
			return nil, err
		}
		var opts []einoOption
		if cfg.Chat.WebSearch {
			opts = append(opts, withTools(NewToolsChain(ctx, cfg.Chat.Search)...))
		}
		return newEinoProvider(ctx, chatModel, cfg.Chat, opts...)
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Chat.Provider)
	}
}

type unconfigured struct{}

func (unconfigured) Generate(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (unconfigured) OpenChat(context.Context, []Turn) (ChatHandle, error) {
	return nil, ErrNotConfigured
}
