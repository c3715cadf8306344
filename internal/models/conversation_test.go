package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTranscriptSkipsPlaceholder(t *testing.T) {
	now := time.Now()
	conv := &Conversation{
		ID:    "c1",
		Title: DefaultTitle,
		Messages: []Message{
			{ID: "m1", Content: "hi", Type: MessageTypeUser, Timestamp: now},
			NewPlaceholder("c1", now),
		},
	}
	if !conv.Pending() {
		t.Fatalf("expected pending conversation")
	}
	got := conv.Transcript()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("unexpected transcript: %+v", got)
	}
	if !conv.HasDefaultTitle() {
		t.Fatalf("expected sentinel title")
	}
}

func TestCloneDetachesMessages(t *testing.T) {
	conv := &Conversation{ID: "c1", Messages: []Message{{ID: "m1", Content: "a"}}}
	cp := conv.Clone()
	cp.Messages[0].Content = "b"
	cp.Messages = append(cp.Messages, Message{ID: "m2"})
	if conv.Messages[0].Content != "a" || len(conv.Messages) != 1 {
		t.Fatalf("clone shares state with original: %+v", conv.Messages)
	}
}

func TestCloneKeepsEmptyTranscript(t *testing.T) {
	for _, conv := range []*Conversation{{ID: "c1"}, {ID: "c2", Messages: []Message{}}} {
		cp := conv.Clone()
		if cp.Messages == nil {
			t.Fatalf("clone of %s has nil messages", conv.ID)
		}
		data, err := json.Marshal(cp)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(data), `"messages":[]`) {
			t.Fatalf("empty transcript should encode as an array: %s", data)
		}
	}
}

func TestUserAuthenticated(t *testing.T) {
	var nilUser *User
	if nilUser.Authenticated() {
		t.Fatalf("nil user must not be authenticated")
	}
	if (&User{ID: "u"}).Authenticated() {
		t.Fatalf("unverified user must not be authenticated")
	}
	if !(&User{ID: "u", EmailVerified: true}).Authenticated() {
		t.Fatalf("verified user should be authenticated")
	}
}
