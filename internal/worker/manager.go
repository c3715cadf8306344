package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"geminichat/internal/models"
	"geminichat/internal/redis"
	"geminichat/internal/service/ai"
	"geminichat/internal/service/assistant"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// KindServerBusy reports a send rejected because the dispatcher is saturated.
const KindServerBusy ai.ErrorKind = "server_busy"

const serverBusyMessage = "server is busy, please retry"

const defaultSendTimeout = 2 * time.Minute

var ErrUserRequired = errors.New("user id required")

// Repository persists conversations and their messages.
type Repository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	AddMessage(ctx context.Context, userID string, msg models.Message) error
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error
}

// Titler names a conversation after its first user message.
type Titler interface {
	GenerateTitle(ctx context.Context, firstMessage string) string
}

type SendRequest struct {
	UserID         string
	ConversationID string
	Content        string
	// OnAck sees the conversation once the user turn and placeholder are in place.
	OnAck func(*models.Conversation)
}

type SendResult struct {
	Conversation *models.Conversation
	UserMessage  models.Message
	AIMessage    models.Message
	// Title is set when this turn named the conversation.
	Title string
}

// SendError is a classified generation failure.
type SendError struct {
	Kind    ai.ErrorKind
	Message string
	Err     error
}

func (e *SendError) Error() string {
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Status summarises a user's in-flight work.
type Status struct {
	IsGenerating  bool                                 `json:"is_generating"`
	Error         string                               `json:"error,omitempty"`
	Conversations map[string]models.ConversationStatus `json:"conversations"`
}

type workerReturn struct {
	result *SendResult
	err    error
}

type sendTask struct {
	ctx      context.Context
	manager  *Manager
	state    *userState
	userID   string
	convID   string
	text     string
	userMsg  models.Message
	prior    []models.Message
	first    bool
	queuedAt time.Time
	resultCh chan workerReturn
}

// reject fails a task that never reached a worker.
func (t *sendTask) reject(err error) {
	if t.manager != nil && t.state != nil {
		err = t.manager.abortSend(t.ctx, t, err)
	}
	select {
	case t.resultCh <- workerReturn{err: err}:
	default:
	}
}

type userState struct {
	mu     sync.Mutex
	loaded bool
	stale  bool
	store  *conversationStore
	cache  *ai.SessionCache
}

type Manager struct {
	repo        Repository
	provider    ai.Provider
	titler      Titler
	dispatcher  *Dispatcher
	redis       *stateRedis
	redisClient *redis.Client
	sendTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*userState

	cancel context.CancelFunc
}

type Option func(*Manager)

// WithStateCache shares conversation snapshots and invalidations through redis.
func WithStateCache(client *redis.Client) Option {
	return func(m *Manager) {
		m.redisClient = client
	}
}

// WithSendTimeout bounds each remote call; non-positive values keep the default.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// WithClock overrides the source of message and activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(repo Repository, provider ai.Provider, titler Titler, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		provider:    provider,
		titler:      titler,
		sendTimeout: defaultSendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		states:      make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = NewDispatcher(cfg, m)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.redis = newStateCache(m.redisClient, uuid.NewString())
	if err := m.redis.startListener(ctx, m.handleInvalidation); err != nil {
		slog.Warn("worker invalidation listener disabled", "error", err)
	}
	return m
}

// Close stops the listener and the dispatcher.
func (m *Manager) Close() {
	m.cancel()
	m.dispatcher.Stop()
}

func (m *Manager) ensureState(ctx context.Context, userID string) (*userState, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	m.mu.Lock()
	st, ok := m.states[userID]
	if !ok {
		st = m.newUserState(userID)
		m.states[userID] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	reload := !st.loaded || (st.stale && !st.store.isGenerating())
	if !reload {
		return st, nil
	}
	convs, ok := m.redis.loadConversations(ctx, userID)
	if !ok && m.repo != nil {
		var err error
		convs, err = m.repo.ListConversations(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load conversations: %w", err)
		}
		m.redis.cacheConversations(userID, convs)
	}
	st.store.load(convs)
	st.loaded = true
	st.stale = false
	return st, nil
}

func (m *Manager) newUserState(userID string) *userState {
	store := newConversationStore(userID)
	store.now = m.now
	st := &userState{
		store: store,
		cache: ai.NewSessionCache(m.provider),
	}
	// settled conversations are mirrored to redis for other instances
	store.onChange = func(conv *models.Conversation) {
		if conv.Status == models.StatusSending {
			return
		}
		m.redis.cacheConversations(userID, store.list())
		m.redis.publishInvalidation(invalidateMessage{UserID: userID, ConversationID: conv.ID, Scope: scopeConversation})
	}
	store.onRemove = func(id string) {
		m.redis.cacheConversations(userID, store.list())
		m.redis.publishInvalidation(invalidateMessage{UserID: userID, ConversationID: id, Scope: scopeConversation})
	}
	return st
}

func (m *Manager) getState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

// handleInvalidation reacts to changes made by another instance.
func (m *Manager) handleInvalidation(msg invalidateMessage) {
	debugLog("[manager] invalidation received", "user_id", msg.UserID, "scope", msg.Scope, "conversation_id", msg.ConversationID)
	if msg.Scope == scopeUser {
		m.dropState(msg.UserID)
		return
	}
	st := m.getState(msg.UserID)
	if st == nil {
		return
	}
	if conv, ok := st.store.get(msg.ConversationID); !ok || conv.Status != models.StatusSending {
		st.cache.Discard(msg.ConversationID)
	}
	st.mu.Lock()
	st.stale = true
	st.mu.Unlock()
}

func (m *Manager) dropState(userID string) {
	m.dispatcher.CancelUser(userID)
	m.mu.Lock()
	st := m.states[userID]
	delete(m.states, userID)
	m.mu.Unlock()
	if st != nil {
		st.cache.Reset()
	}
}

// CreateConversation starts an empty conversation and makes it active.
func (m *Manager) CreateConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.createConversation(ctx, st)
}

func (m *Manager) createConversation(ctx context.Context, st *userState) (*models.Conversation, error) {
	conv := st.store.create()
	if m.repo != nil {
		if err := m.repo.CreateConversation(ctx, conv); err != nil {
			st.store.remove(conv.ID)
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	return conv, nil
}

// SelectConversation activates id and reopens its chat session from the stored transcript.
func (m *Manager) SelectConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !st.store.selectConversation(conversationID) {
		return nil, ErrConversationNotFound
	}
	conv, ok := st.store.get(conversationID)
	if !ok {
		return nil, ErrConversationNotFound
	}
	if transcript := conv.Transcript(); len(transcript) > 0 && conv.Status != models.StatusSending {
		if err := st.cache.Open(ctx, conversationID, transcript); err != nil {
			slog.Warn("reopen chat session failed", "user_id", userID, "conversation_id", conversationID, "error", err)
		}
	}
	return conv, nil
}

// DeleteConversation removes id and evicts its chat session.
func (m *Manager) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return err
	}
	if !st.store.remove(conversationID) {
		return ErrConversationNotFound
	}
	st.cache.Discard(conversationID)
	if m.repo != nil {
		if err := m.repo.DeleteConversation(ctx, userID, conversationID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return nil
}

// Conversations lists the user's conversations, most recent first, with the active id.
func (m *Manager) Conversations(ctx context.Context, userID string) ([]*models.Conversation, string, error) {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return st.store.list(), st.store.active(), nil
}

func (m *Manager) Conversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return nil, err
	}
	conv, ok := st.store.get(conversationID)
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Status{
		IsGenerating:  st.store.isGenerating(),
		Error:         st.store.errorMessage(),
		Conversations: st.store.statuses(),
	}, nil
}

// ClearError dismisses the last failure.
func (m *Manager) ClearError(ctx context.Context, userID string) error {
	st, err := m.ensureState(ctx, userID)
	if err != nil {
		return err
	}
	st.store.clearError()
	return nil
}

// ResetUser forgets in-memory state and queued work for userID on every instance.
func (m *Manager) ResetUser(userID string) {
	m.dropState(userID)
	m.redis.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}

// Send appends the user's message, asks the model for a reply on a worker and
// waits for it. Blank content is ignored and yields (nil, nil).
func (m *Manager) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, nil
	}
	st, err := m.ensureState(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	store := st.store

	convID := req.ConversationID
	if convID != "" {
		if _, ok := store.get(convID); !ok {
			return nil, ErrConversationNotFound
		}
	} else if convID = store.active(); convID == "" {
		conv, err := m.createConversation(ctx, st)
		if err != nil {
			return nil, err
		}
		convID = conv.ID
	}

	if err := store.beginSend(convID); err != nil {
		return nil, err
	}
	before, ok := store.get(convID)
	if !ok {
		return nil, ErrConversationNotFound
	}
	prior := before.Transcript()

	now := m.now()
	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Content:        content,
		Type:           models.MessageTypeUser,
		Timestamp:      now,
	}
	if _, err := store.appendMessage(convID, userMsg); err != nil {
		store.finishSend(convID, "")
		return nil, err
	}
	m.persistMessage(ctx, req.UserID, userMsg)

	acked, err := store.appendMessage(convID, models.NewPlaceholder(convID, now))
	if err != nil {
		store.finishSend(convID, "")
		return nil, err
	}
	if req.OnAck != nil {
		req.OnAck(acked)
	}

	task := &sendTask{
		// the reply is kept even if the caller stops waiting
		ctx:      context.WithoutCancel(ctx),
		manager:  m,
		state:    st,
		userID:   req.UserID,
		convID:   convID,
		text:     content,
		userMsg:  userMsg,
		prior:    prior,
		first:    len(prior) == 0,
		queuedAt: time.Now(),
		resultCh: make(chan workerReturn, 1),
	}
	sendCounter.Add(ctx, 1)
	if err := m.dispatcher.Submit(Job{Type: Send, SendTask: task}); err != nil {
		return nil, m.abortSend(ctx, task, err)
	}

	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) handleSend(task *sendTask) {
	result, err := m.runSend(task)
	sendDuration.Record(task.ctx, time.Since(task.queuedAt).Seconds(),
		metric.WithAttributes(attribute.Bool("chat.success", err == nil)))
	task.resultCh <- workerReturn{result: result, err: err}
}

func (m *Manager) runSend(task *sendTask) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(task.ctx, m.sendTimeout)
	defer cancel()
	ctx = ai.WithToolConversation(ctx, task.userID, task.convID)
	ctx, span := tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", task.convID),
		attribute.Bool("chat.first_turn", task.first),
	))
	defer span.End()

	store := task.state.store
	cache := task.state.cache

	// first turns start fresh; later turns without a handle are rebuilt from the transcript
	if task.first || !cache.Has(task.convID) {
		if err := cache.Open(ctx, task.convID, task.prior); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, m.abortSend(ctx, task, err)
		}
	}
	reply, err := cache.Send(ctx, task.convID, task.text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, m.abortSend(ctx, task, err)
	}

	aiMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: task.convID,
		Content:        reply,
		Type:           models.MessageTypeAI,
		Timestamp:      m.now(),
	}
	result := &SendResult{UserMessage: task.userMsg, AIMessage: aiMsg}

	conv, ok := store.replaceLastIf(task.convID, models.Message.IsPlaceholder, &aiMsg)
	if !ok {
		// deleted while the reply was in flight
		cache.Discard(task.convID)
		debugLog("[manager] reply dropped", "user_id", task.userID, "conversation_id", task.convID)
		return result, nil
	}
	m.persistMessage(ctx, task.userID, aiMsg)

	if conv.HasDefaultTitle() {
		title := m.generateTitle(ctx, conv)
		if titled, ok := store.setTitleIfDefault(task.convID, title); ok {
			result.Title = titled.Title
			m.persistConversation(ctx, titled)
		}
	}

	store.finishSend(task.convID, "")
	result.Conversation, _ = store.get(task.convID)
	return result, nil
}

func (m *Manager) generateTitle(ctx context.Context, conv *models.Conversation) string {
	first := ""
	for _, msg := range conv.Transcript() {
		if msg.Type == models.MessageTypeUser {
			first = msg.Content
			break
		}
	}
	if m.titler == nil {
		return assistant.FallbackTitle(first)
	}
	return m.titler.GenerateTitle(ctx, first)
}

// abortSend drops the placeholder and records the failure on the conversation.
func (m *Manager) abortSend(ctx context.Context, task *sendTask, cause error) *SendError {
	kind := ai.Classify(cause)
	msg := ai.UserMessage(kind)
	if errors.Is(cause, ErrDispatcherBusy) || errors.Is(cause, ErrDispatcherClosed) {
		kind = KindServerBusy
		msg = serverBusyMessage
	}
	store := task.state.store
	store.replaceLastIf(task.convID, models.Message.IsPlaceholder, nil)
	store.finishSend(task.convID, msg)

	sendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("chat.error_kind", string(kind))))
	slog.Warn("chat send failed",
		"user_id", task.userID,
		"conversation_id", task.convID,
		"kind", kind,
		"error", cause,
	)
	return &SendError{Kind: kind, Message: msg, Err: cause}
}

func (m *Manager) persistMessage(ctx context.Context, userID string, msg models.Message) {
	if m.repo == nil {
		return
	}
	if err := m.repo.AddMessage(ctx, userID, msg); err != nil {
		slog.Error("persist message failed", "user_id", userID, "conversation_id", msg.ConversationID, "error", err)
	}
}

func (m *Manager) persistConversation(ctx context.Context, conv *models.Conversation) {
	if m.repo == nil {
		return
	}
	if err := m.repo.UpdateConversation(ctx, conv); err != nil {
		slog.Error("persist conversation failed", "user_id", conv.UserID, "conversation_id", conv.ID, "error", err)
	}
}
