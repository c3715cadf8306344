package auth

import (
	"context"
	"log/slog"
	"time"
)

const DefaultTokenCleanupInterval = 30 * time.Minute

// StartTokenCleaner purges expired tokens until ctx is cancelled.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.cleanupExpiredTokens(ctx); err != nil {
				slog.Error("cleanup expired tokens", "error", err)
			} else if n > 0 {
				slog.Info("expired tokens removed", "count", n)
			}
		}
	}
}

func (s *Service) cleanupExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
