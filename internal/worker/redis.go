package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"geminichat/internal/models"
	"geminichat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
	redisConversationsKey  = "worker:conversations:"
)

const (
	scopeUser         = "user"
	scopeConversation = "conversation"
)

type invalidateMessage struct {
	Origin         string `json:"origin"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Scope          string `json:"scope"`
}

// stateRedis caches each user's conversation list and fans out
// invalidations so other instances reload stale state.
type stateRedis struct {
	client *redis.Client
	origin string
}

func newStateCache(client *redis.Client, origin string) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, origin: origin}
}

// startListener consumes invalidations from other instances until ctx ends.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || handler == nil {
		return nil
	}
	sub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					slog.Warn("worker invalidation decode failed", "error", err)
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
	return nil
}

// publishInvalidation broadcast invalidate msg
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("worker invalidation marshal failed", "error", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		slog.Warn("worker publish invalidation failed", "error", err)
	}
}

// cacheConversations stores the persisted view of a user's conversations.
func (r *stateRedis) cacheConversations(userID string, convs []*models.Conversation) {
	if r == nil || userID == "" {
		return
	}
	snapshot := make([]*models.Conversation, 0, len(convs))
	for _, c := range convs {
		cp := c.Clone()
		cp.Messages = cp.Transcript()
		cp.Status = models.StatusIdle
		cp.Error = ""
		snapshot = append(snapshot, cp)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("worker conversations marshal failed", "error", err)
		return
	}
	if err := r.client.Set(context.Background(), redisConversationsKey+userID, data, redisStateTTL); err != nil {
		slog.Warn("worker cache conversations failed", "user_id", userID, "error", err)
	}
}

// loadConversations returns the cached list, rejecting entries owned by someone else.
func (r *stateRedis) loadConversations(ctx context.Context, userID string) ([]*models.Conversation, bool) {
	if r == nil || userID == "" {
		return nil, false
	}
	raw, err := r.client.Get(ctx, redisConversationsKey+userID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			slog.Warn("worker load conversations failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	var convs []*models.Conversation
	if err := json.Unmarshal([]byte(raw), &convs); err != nil {
		slog.Warn("worker decode conversations failed", "user_id", userID, "error", err)
		return nil, false
	}
	for _, c := range convs {
		if c == nil || c.UserID != userID {
			return nil, false
		}
	}
	return convs, true
}

func (r *stateRedis) invalidateConversations(userID string) {
	if r == nil || userID == "" {
		return
	}
	if err := r.client.Del(context.Background(), redisConversationsKey+userID); err != nil {
		slog.Warn("worker invalidate conversations failed", "user_id", userID, "error", err)
	}
}
