package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"geminichat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// NewChatModel builds an eino chat model for the named provider.
// modelName overrides the model from provCfg when set.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	if provCfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		if modelName == "" {
			modelName = DefaultGeminiModel
		}
		client, err := genai.NewClient(ctx, geminiClientConfig(provCfg))
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

type generateFunc func(ctx context.Context, msgs []*schema.Message, g config.GenerationConfig) (*schema.Message, error)

// einoProvider keeps chat history locally since eino models are stateless.
type einoProvider struct {
	name      string
	generate  generateFunc
	session   config.GenerationConfig
	stateless config.GenerationConfig
}

type einoOption func(*einoSettings)

type einoSettings struct {
	tools []tool.BaseTool
	name  string
}

func withTools(tools ...tool.BaseTool) einoOption {
	return func(s *einoSettings) { s.tools = append(s.tools, tools...) }
}

func withName(name string) einoOption {
	return func(s *einoSettings) { s.name = name }
}

func newEinoProvider(ctx context.Context, chatModel model.ToolCallingChatModel, chatCfg config.ChatConfig, opts ...einoOption) (*einoProvider, error) {
	settings := einoSettings{name: chatCfg.Provider}
	for _, opt := range opts {
		opt(&settings)
	}
	p := &einoProvider{
		name:      settings.name,
		session:   chatCfg.Session,
		stateless: chatCfg.Stateless,
	}
	if len(settings.tools) == 0 {
		p.generate = func(ctx context.Context, msgs []*schema.Message, g config.GenerationConfig) (*schema.Message, error) {
			return chatModel.Generate(ctx, msgs, modelOptions(g)...)
		}
		return p, nil
	}

	reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: settings.tools,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	p.generate = func(ctx context.Context, msgs []*schema.Message, g config.GenerationConfig) (*schema.Message, error) {
		return reactAgent.Generate(ctx, msgs, react.WithChatModelOptions(modelOptions(g)...))
	}
	return p, nil
}

func modelOptions(g config.GenerationConfig) []model.Option {
	return []model.Option{
		model.WithTemperature(g.Temperature),
		model.WithTopP(g.TopP),
		model.WithMaxTokens(int(g.MaxOutputTokens)),
	}
}

func (p *einoProvider) call(ctx context.Context, op string, msgs []*schema.Message, g config.GenerationConfig) (string, error) {
	ctx, span := tracer.Start(ctx, "eino."+op)
	defer span.End()

	done := observe(ctx, p.name, op)
	out, err := p.generate(ctx, msgs, g)
	var reply string
	if err == nil {
		if out == nil || strings.TrimSpace(out.Content) == "" {
			err = fmt.Errorf("empty response")
		} else {
			reply = strings.TrimSpace(out.Content)
		}
	}
	if err != nil {
		err = fmt.Errorf("generate %s response: %w", p.name, err)
	}
	done(err)
	recordSpanError(span, err)
	return reply, err
}

func (p *einoProvider) Generate(ctx context.Context, text string) (string, error) {
	return p.call(ctx, "generate", []*schema.Message{{Role: schema.User, Content: text}}, p.stateless)
}

func (p *einoProvider) OpenChat(_ context.Context, history []Turn) (ChatHandle, error) {
	msgs := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		if turn.Role == RoleModel {
			msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: turn.Text})
		} else {
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: turn.Text})
		}
	}
	return &einoChat{provider: p, history: msgs}, nil
}

type einoChat struct {
	provider *einoProvider
	mu       sync.Mutex
	history  []*schema.Message
}

// Send appends both turns to the history only when the call succeeds.
func (c *einoChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user := &schema.Message{Role: schema.User, Content: text}
	msgs := append(append([]*schema.Message(nil), c.history...), user)
	reply, err := c.provider.call(ctx, "chat", msgs, c.provider.session)
	if err != nil {
		return "", err
	}
	c.history = append(c.history, user, &schema.Message{Role: schema.Assistant, Content: reply})
	return reply, nil
}
