package ai

import (
	"context"
	"fmt"
	"strings"

	"geminichat/internal/config"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when the provider config names no model.
const DefaultGeminiModel = "gemini-1.5-flash"

type geminiProvider struct {
	client    *genai.Client
	model     string
	session   *genai.GenerateContentConfig
	stateless *genai.GenerateContentConfig
}

func newGeminiProvider(ctx context.Context, provCfg config.ProviderConfig, chatCfg config.ChatConfig) (*geminiProvider, error) {
	client, err := genai.NewClient(ctx, geminiClientConfig(provCfg))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	modelName := provCfg.Model
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &geminiProvider{
		client:    client,
		model:     modelName,
		session:   generationConfig(chatCfg.Session),
		stateless: generationConfig(chatCfg.Stateless),
	}, nil
}

func geminiClientConfig(provCfg config.ProviderConfig) *genai.ClientConfig {
	cfg := &genai.ClientConfig{
		APIKey:  provCfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if provCfg.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: provCfg.BaseURL}
	}
	return cfg
}

func generationConfig(g config.GenerationConfig) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.Temperature),
		TopP:            genai.Ptr(g.TopP),
		TopK:            genai.Ptr(g.TopK),
		MaxOutputTokens: g.MaxOutputTokens,
	}
}

func (p *geminiProvider) Generate(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "gemini.generate")
	defer span.End()
	span.SetAttributes(attribute.String("ai.model", p.model))

	done := observe(ctx, "gemini", "generate")
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), p.stateless)
	reply, err := replyText(resp, err)
	done(err)
	recordSpanError(span, err)
	return reply, err
}

func (p *geminiProvider) OpenChat(ctx context.Context, history []Turn) (ChatHandle, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, genai.Role(role)))
	}
	chat, err := p.client.Chats.Create(ctx, p.model, p.session, contents)
	if err != nil {
		return nil, fmt.Errorf("create gemini chat: %w", err)
	}
	return &geminiChat{chat: chat, model: p.model}, nil
}

type geminiChat struct {
	chat  *genai.Chat
	model string
}

func (c *geminiChat) Send(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "gemini.chat.send")
	defer span.End()
	span.SetAttributes(attribute.String("ai.model", c.model))

	done := observe(ctx, "gemini", "chat")
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	reply, err := replyText(resp, err)
	done(err)
	recordSpanError(span, err)
	return reply, err
}

// replyText extracts the answer, turning blocked prompts and safety stops into ErrBlocked.
func replyText(resp *genai.GenerateContentResponse, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("empty response")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return "", fmt.Errorf("prompt blocked (%s): %w", fb.BlockReason, ErrBlocked)
	}
	if len(resp.Candidates) > 0 {
		switch resp.Candidates[0].FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
			return "", fmt.Errorf("candidate stopped (%s): %w", resp.Candidates[0].FinishReason, ErrBlocked)
		}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response")
	}
	return text, nil
}
