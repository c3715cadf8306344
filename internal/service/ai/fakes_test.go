package ai

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

type fakeHandle struct {
	mu      sync.Mutex
	history []Turn
	reply   string
	err     error
}

func (h *fakeHandle) Send(_ context.Context, text string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	h.history = append(h.history, Turn{Role: RoleUser, Text: text}, Turn{Role: RoleModel, Text: h.reply})
	return h.reply, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	opened    [][]Turn
	handles   []*fakeHandle
	stateless []string
	reply     string
	openErr   error
}

func (p *fakeProvider) Generate(_ context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateless = append(p.stateless, text)
	return "stateless:" + text, nil
}

func (p *fakeProvider) OpenChat(_ context.Context, history []Turn) (ChatHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opened = append(p.opened, history)
	h := &fakeHandle{history: append([]Turn(nil), history...), reply: p.reply}
	p.handles = append(p.handles, h)
	return h, nil
}

type fakeChatModel struct {
	mu      sync.Mutex
	inputs  [][]*schema.Message
	options []*model.Options
	reply   string
	err     error
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	m.options = append(m.options, model.GetCommonOptions(nil, opts...))
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{Role: schema.Assistant, Content: m.reply}, nil
}

func (m *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func (m *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

type noopTool struct{}

func (noopTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "noop", Desc: "does nothing"}, nil
}

func (noopTool) InvokableRun(context.Context, string, ...tool.Option) (string, error) {
	return "{}", nil
}
