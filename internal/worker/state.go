package worker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"geminichat/internal/models"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationBusy     = errors.New("conversation is already waiting for a reply")
	ErrReplyPending         = errors.New("conversation has a pending reply")
)

// conversationStore holds one user's conversations, most recent first.
// Every mutation replaces the touched conversation with a modified clone,
// so snapshots handed out earlier are never changed underneath a reader.
type conversationStore struct {
	mu        sync.RWMutex
	userID    string
	convs     []*models.Conversation
	activeID  string
	lastError string
	version   uint64
	now       func() time.Time

	onChange func(*models.Conversation)
	onRemove func(id string)
}

func newConversationStore(userID string) *conversationStore {
	return &conversationStore{
		userID: userID,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// load replaces the collection, dropping placeholders and transient status.
func (s *conversationStore) load(convs []*models.Conversation) {
	cleaned := make([]*models.Conversation, 0, len(convs))
	for _, c := range convs {
		if c == nil {
			continue
		}
		cp := c.Clone()
		cp.Messages = cp.Transcript()
		cp.Status = models.StatusIdle
		cp.Error = ""
		cleaned = append(cleaned, cp)
	}
	sort.SliceStable(cleaned, func(i, j int) bool {
		return cleaned[i].LastActive.After(cleaned[j].LastActive)
	})
	s.mu.Lock()
	s.convs = cleaned
	if s.activeID != "" && s.indexLocked(s.activeID) < 0 {
		s.activeID = ""
	}
	s.version++
	s.mu.Unlock()
}

func (s *conversationStore) indexLocked(id string) int {
	for i, c := range s.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// create prepends an empty conversation and makes it active.
func (s *conversationStore) create() *models.Conversation {
	now := s.now()
	conv := &models.Conversation{
		ID:         uuid.NewString(),
		UserID:     s.userID,
		Title:      models.DefaultTitle,
		Preview:    models.DefaultPreview,
		Messages:   []models.Message{},
		Status:     models.StatusIdle,
		CreatedAt:  now,
		LastActive: now,
	}
	s.mu.Lock()
	convs := make([]*models.Conversation, 0, len(s.convs)+1)
	convs = append(convs, conv)
	s.convs = append(convs, s.convs...)
	s.activeID = conv.ID
	s.version++
	hook := s.onChange
	s.mu.Unlock()

	out := conv.Clone()
	if hook != nil {
		hook(out.Clone())
	}
	return out
}

func (s *conversationStore) get(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.convs[idx].Clone(), true
	}
	return nil, false
}

func (s *conversationStore) list() []*models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	return out
}

func (s *conversationStore) active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// selectConversation makes id active; unknown ids are ignored.
func (s *conversationStore) selectConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return false
	}
	s.activeID = id
	return true
}

// remove deletes id. Removing the active conversation leaves none active.
func (s *conversationStore) remove(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	convs := make([]*models.Conversation, 0, len(s.convs)-1)
	convs = append(convs, s.convs[:idx]...)
	s.convs = append(convs, s.convs[idx+1:]...)
	if s.activeID == id {
		s.activeID = ""
	}
	s.version++
	hook := s.onRemove
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return true
}

func (s *conversationStore) mutate(id string, fn func(*models.Conversation) error) (*models.Conversation, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	next := s.convs[idx].Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	convs := append([]*models.Conversation(nil), s.convs...)
	convs[idx] = next
	s.convs = convs
	s.version++
	hook := s.onChange
	s.mu.Unlock()

	out := next.Clone()
	if hook != nil {
		hook(out.Clone())
	}
	return out, nil
}

// appendMessage adds msg at the end of the transcript.
// Nothing may follow a placeholder, so appends are refused while one is pending.
func (s *conversationStore) appendMessage(id string, msg models.Message) (*models.Conversation, error) {
	return s.mutate(id, func(c *models.Conversation) error {
		if c.Pending() {
			return ErrReplyPending
		}
		if msg.ConversationID == "" {
			msg.ConversationID = c.ID
		}
		c.Messages = append(c.Messages, msg)
		c.LastActive = s.now()
		if msg.Type == models.MessageTypeUser && !msg.IsPlaceholder() {
			c.Preview = msg.Content
		}
		return nil
	})
}

var errPredicateMiss = errors.New("last message does not match")

// replaceLastIf swaps the trailing message for repl when pred accepts it,
// or drops it when repl is nil. It reports whether anything changed.
func (s *conversationStore) replaceLastIf(id string, pred func(models.Message) bool, repl *models.Message) (*models.Conversation, bool) {
	conv, err := s.mutate(id, func(c *models.Conversation) error {
		n := len(c.Messages)
		if n == 0 || !pred(c.Messages[n-1]) {
			return errPredicateMiss
		}
		if repl == nil {
			c.Messages = c.Messages[:n-1]
			return nil
		}
		msg := *repl
		if msg.ConversationID == "" {
			msg.ConversationID = c.ID
		}
		c.Messages[n-1] = msg
		c.LastActive = s.now()
		return nil
	})
	return conv, err == nil
}

// setTitleIfDefault replaces the sentinel title; later calls are no-ops.
func (s *conversationStore) setTitleIfDefault(id, title string) (*models.Conversation, bool) {
	if title == "" {
		return nil, false
	}
	conv, err := s.mutate(id, func(c *models.Conversation) error {
		if !c.HasDefaultTitle() {
			return errPredicateMiss
		}
		c.Title = title
		return nil
	})
	return conv, err == nil
}

// beginSend marks id as sending and drops the user level error.
// A conversation can only have one send in flight.
func (s *conversationStore) beginSend(id string) error {
	_, err := s.mutate(id, func(c *models.Conversation) error {
		if c.Status == models.StatusSending {
			return ErrConversationBusy
		}
		c.Status = models.StatusSending
		c.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
	return nil
}

// finishSend leaves the sending state; a non-empty errMsg marks the conversation failed.
func (s *conversationStore) finishSend(id, errMsg string) {
	_, err := s.mutate(id, func(c *models.Conversation) error {
		if errMsg == "" {
			c.Status = models.StatusIdle
			c.Error = ""
		} else {
			c.Status = models.StatusError
			c.Error = errMsg
		}
		return nil
	})
	if err == nil && errMsg != "" {
		s.mu.Lock()
		s.lastError = errMsg
		s.mu.Unlock()
	}
}

// clearError drops the user level error and resets failed conversations to idle.
func (s *conversationStore) clearError() {
	s.mu.Lock()
	s.lastError = ""
	var failed []string
	for _, c := range s.convs {
		if c.Status == models.StatusError {
			failed = append(failed, c.ID)
		}
	}
	s.mu.Unlock()
	for _, id := range failed {
		_, _ = s.mutate(id, func(c *models.Conversation) error {
			if c.Status == models.StatusError {
				c.Status = models.StatusIdle
				c.Error = ""
			}
			return nil
		})
	}
}

func (s *conversationStore) isGenerating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.Status == models.StatusSending {
			return true
		}
	}
	return false
}

func (s *conversationStore) errorMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *conversationStore) statuses() map[string]models.ConversationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ConversationStatus, len(s.convs))
	for _, c := range s.convs {
		out[c.ID] = c.Status
	}
	return out
}

func (s *conversationStore) currentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
