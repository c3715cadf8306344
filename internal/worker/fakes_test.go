package worker

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"geminichat/internal/models"
	"geminichat/internal/service/ai"
)

type stubHandle struct {
	provider *stubProvider
}

func (h *stubHandle) Send(ctx context.Context, text string) (string, error) {
	p := h.provider
	p.mu.Lock()
	gate, err := p.gate, p.sendErr
	p.sent = append(p.sent, text)
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "reply: " + text, nil
}

type stubProvider struct {
	mu        sync.Mutex
	opened    [][]ai.Turn
	sent      []string
	stateless []string
	sendErr   error
	openErr   error
	gate      chan struct{}
}

func (p *stubProvider) Generate(_ context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateless = append(p.stateless, text)
	return "stateless: " + text, nil
}

func (p *stubProvider) OpenChat(_ context.Context, history []ai.Turn) (ai.ChatHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opened = append(p.opened, append([]ai.Turn(nil), history...))
	return &stubHandle{provider: p}, nil
}

func (p *stubProvider) setSendErr(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

func (p *stubProvider) openedHistories() [][]ai.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]ai.Turn(nil), p.opened...)
}

type countingTitler struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingTitler) GenerateTitle(_ context.Context, first string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, first)
	return "About " + first
}

func (c *countingTitler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type memoryRepo struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
}

func newMemoryRepo(seed ...*models.Conversation) *memoryRepo {
	r := &memoryRepo{convs: make(map[string]*models.Conversation)}
	for _, c := range seed {
		r.convs[c.ID] = c.Clone()
	}
	return r
}

func (r *memoryRepo) CreateConversation(_ context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv.Clone()
	return nil
}

func (r *memoryRepo) ListConversations(_ context.Context, userID string) ([]*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Conversation
	for _, c := range r.convs {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out, nil
}

func (r *memoryRepo) AddMessage(_ context.Context, userID string, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[msg.ConversationID]
	if !ok || c.UserID != userID {
		return sql.ErrNoRows
	}
	c.Messages = append(c.Messages, msg)
	if msg.Type == models.MessageTypeUser {
		c.Preview = msg.Content
	}
	c.LastActive = msg.Timestamp
	return nil
}

func (r *memoryRepo) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conv.ID]
	if !ok {
		return sql.ErrNoRows
	}
	c.Title = conv.Title
	c.Preview = conv.Preview
	return nil
}

func (r *memoryRepo) DeleteConversation(_ context.Context, userID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok || c.UserID != userID {
		return sql.ErrNoRows
	}
	delete(r.convs, conversationID)
	return nil
}

func (r *memoryRepo) get(id string) (*models.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}
