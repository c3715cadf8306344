package auth

import (
	"context"
	"log/slog"
	"time"
)

// Mailer delivers verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, name, code string, validFor time.Duration) error
}

// LogMailer writes codes to the structured log; meant for development setups.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(ctx context.Context, email, name, code string, validFor time.Duration) error {
	slog.InfoContext(ctx, "verification code issued",
		"email", email,
		"name", name,
		"code", code,
		"valid_for", validFor.String(),
	)
	return nil
}
