package worker

import (
	"testing"
	"time"

	"geminichat/internal/models"

	"github.com/stretchr/testify/require"
)

func userMessage(convID, text string) models.Message {
	return models.Message{ID: "m-" + text, ConversationID: convID, Content: text, Type: models.MessageTypeUser, Timestamp: time.Now()}
}

func TestStoreCreatePrependsAndActivates(t *testing.T) {
	s := newConversationStore("u1")
	first := s.create()
	second := s.create()

	list := s.list()
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
	require.Equal(t, second.ID, s.active())
	require.Equal(t, models.DefaultTitle, second.Title)
	require.Equal(t, models.DefaultPreview, second.Preview)
	require.Empty(t, second.Messages)
	require.Equal(t, "u1", second.UserID)
}

func TestStoreSelectIgnoresUnknown(t *testing.T) {
	s := newConversationStore("u1")
	a := s.create()
	b := s.create()

	require.True(t, s.selectConversation(a.ID))
	require.Equal(t, a.ID, s.active())
	require.False(t, s.selectConversation("missing"))
	require.Equal(t, a.ID, s.active())
	_ = b
}

func TestStoreRemoveActiveLeavesNoneActive(t *testing.T) {
	s := newConversationStore("u1")
	a := s.create()
	b := s.create()

	require.True(t, s.remove(b.ID))
	require.Equal(t, "", s.active())
	require.Len(t, s.list(), 1)
	require.False(t, s.remove(b.ID))

	s.selectConversation(a.ID)
	require.True(t, s.remove(a.ID))
	require.Empty(t, s.list())
}

func TestStoreAppendUpdatesPreviewForUserMessages(t *testing.T) {
	s := newConversationStore("u1")
	c := s.create()

	conv, err := s.appendMessage(c.ID, userMessage(c.ID, "hello there"))
	require.NoError(t, err)
	require.Equal(t, "hello there", conv.Preview)

	ai := models.Message{ID: "a1", Content: "hi!", Type: models.MessageTypeAI}
	conv, err = s.appendMessage(c.ID, ai)
	require.NoError(t, err)
	require.Equal(t, "hello there", conv.Preview)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, c.ID, conv.Messages[1].ConversationID)

	_, err = s.appendMessage("missing", ai)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStoreRejectsAppendAfterPlaceholder(t *testing.T) {
	s := newConversationStore("u1")
	c := s.create()

	_, err := s.appendMessage(c.ID, userMessage(c.ID, "q"))
	require.NoError(t, err)
	_, err = s.appendMessage(c.ID, models.NewPlaceholder(c.ID, time.Now()))
	require.NoError(t, err)

	_, err = s.appendMessage(c.ID, models.NewPlaceholder(c.ID, time.Now()))
	require.ErrorIs(t, err, ErrReplyPending)
	_, err = s.appendMessage(c.ID, userMessage(c.ID, "another"))
	require.ErrorIs(t, err, ErrReplyPending)

	conv, _ := s.get(c.ID)
	require.Len(t, conv.Messages, 2)
	require.True(t, conv.Pending())
}

func TestStoreReplaceLastIf(t *testing.T) {
	s := newConversationStore("u1")
	c := s.create()
	s.appendMessage(c.ID, userMessage(c.ID, "q"))
	s.appendMessage(c.ID, models.NewPlaceholder(c.ID, time.Now()))

	reply := models.Message{ID: "a1", Content: "answer", Type: models.MessageTypeAI}
	conv, ok := s.replaceLastIf(c.ID, models.Message.IsPlaceholder, &reply)
	require.True(t, ok)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "answer", conv.Messages[1].Content)
	require.False(t, conv.Pending())

	// predicate no longer matches
	_, ok = s.replaceLastIf(c.ID, models.Message.IsPlaceholder, nil)
	require.False(t, ok)

	s.appendMessage(c.ID, userMessage(c.ID, "again"))
	s.appendMessage(c.ID, models.NewPlaceholder(c.ID, time.Now()))
	conv, ok = s.replaceLastIf(c.ID, models.Message.IsPlaceholder, nil)
	require.True(t, ok)
	require.Len(t, conv.Messages, 3)
	require.Equal(t, "again", conv.Messages[2].Content)
}

func TestStoreSetTitleOnlyOnce(t *testing.T) {
	s := newConversationStore("u1")
	c := s.create()

	conv, ok := s.setTitleIfDefault(c.ID, "Trip planning")
	require.True(t, ok)
	require.Equal(t, "Trip planning", conv.Title)

	_, ok = s.setTitleIfDefault(c.ID, "Something else")
	require.False(t, ok)
	got, _ := s.get(c.ID)
	require.Equal(t, "Trip planning", got.Title)

	_, ok = s.setTitleIfDefault(c.ID, "")
	require.False(t, ok)
}

func TestStoreSnapshotsAreNotMutated(t *testing.T) {
	s := newConversationStore("u1")
	c := s.create()
	before, _ := s.get(c.ID)
	listed := s.list()
	version := s.currentVersion()

	_, err := s.appendMessage(c.ID, userMessage(c.ID, "first"))
	require.NoError(t, err)

	require.Empty(t, before.Messages)
	require.Empty(t, listed[0].Messages)
	require.Equal(t, models.DefaultPreview, listed[0].Preview)
	require.Greater(t, s.currentVersion(), version)
}

func TestStoreSendLifecycle(t *testing.T) {
	s := newConversationStore("u1")
	a := s.create()
	b := s.create()

	require.NoError(t, s.beginSend(a.ID))
	require.ErrorIs(t, s.beginSend(a.ID), ErrConversationBusy)
	require.NoError(t, s.beginSend(b.ID))
	require.True(t, s.isGenerating())

	s.finishSend(a.ID, "")
	s.finishSend(b.ID, "boom")
	require.False(t, s.isGenerating())
	require.Equal(t, "boom", s.errorMessage())

	statuses := s.statuses()
	require.Equal(t, models.StatusIdle, statuses[a.ID])
	require.Equal(t, models.StatusError, statuses[b.ID])

	s.clearError()
	require.Equal(t, "", s.errorMessage())
	require.Equal(t, models.StatusIdle, s.statuses()[b.ID])

	require.ErrorIs(t, s.beginSend("missing"), ErrConversationNotFound)
}

func TestStoreBeginSendClearsUserError(t *testing.T) {
	s := newConversationStore("u1")
	a := s.create()

	require.NoError(t, s.beginSend(a.ID))
	s.finishSend(a.ID, "boom")
	require.Equal(t, "boom", s.errorMessage())

	require.ErrorIs(t, s.beginSend("missing"), ErrConversationNotFound)
	require.Equal(t, "boom", s.errorMessage())

	require.NoError(t, s.beginSend(a.ID))
	require.Equal(t, "", s.errorMessage())
	require.Equal(t, models.StatusSending, s.statuses()[a.ID])
}

func TestStoreLoadStripsTransientState(t *testing.T) {
	now := time.Now()
	older := &models.Conversation{
		ID: "c1", UserID: "u1", Title: "Old", LastActive: now.Add(-time.Hour),
		Messages: []models.Message{userMessage("c1", "q"), models.NewPlaceholder("c1", now)},
		Status:   models.StatusSending,
	}
	newer := &models.Conversation{ID: "c2", UserID: "u1", Title: "New", LastActive: now, Status: models.StatusError, Error: "x"}

	s := newConversationStore("u1")
	s.load([]*models.Conversation{older, nil, newer})

	list := s.list()
	require.Len(t, list, 2)
	require.Equal(t, "c2", list[0].ID)
	require.Equal(t, models.StatusIdle, list[0].Status)
	require.Empty(t, list[0].Error)
	require.Len(t, list[1].Messages, 1)
	require.False(t, list[1].Pending())
	require.Equal(t, models.StatusIdle, list[1].Status)
}

func TestStoreHooksFireOutsideLock(t *testing.T) {
	s := newConversationStore("u1")
	var changed, removed []string
	s.onChange = func(c *models.Conversation) {
		changed = append(changed, c.ID)
		_ = s.list()
	}
	s.onRemove = func(id string) {
		removed = append(removed, id)
		_ = s.list()
	}

	c := s.create()
	s.appendMessage(c.ID, userMessage(c.ID, "q"))
	s.remove(c.ID)

	require.Equal(t, []string{c.ID, c.ID}, changed)
	require.Equal(t, []string{c.ID}, removed)
}
