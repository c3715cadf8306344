package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"geminichat/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrEmailTaken         = errors.New("user already registered")
	ErrInvalidOTP         = errors.New("token has expired or is invalid")
	ErrTooManyRequests    = errors.New("please wait before requesting another code")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password should be at least %d characters", MinPasswordLength)
	ErrUserNotFound       = errors.New("user not found")
)

type userRow struct {
	user         models.User
	passwordHash string
	otpSecret    string
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Signup registers an unverified account and mails a verification code.
func (s *Service) Signup(ctx context.Context, email, password, name string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	secret, err := s.otp.newSecret(email)
	if err != nil {
		return nil, err
	}
	user := models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, otp_secret, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, string(hash), secret, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if s.otp.allowSend(email) {
		if err := s.sendCode(ctx, &user, secret); err != nil {
			slog.Error("send verification code", "email", email, "error", err)
		}
	}
	return &user, nil
}

// Login checks credentials and opens a session for verified accounts.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	row, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.passwordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !row.user.EmailVerified {
		return nil, "", ErrEmailNotConfirmed
	}
	token, err := s.IssueToken(ctx, row.user.ID)
	if err != nil {
		return nil, "", err
	}
	s.subs.notify(row.user.ID, &row.user)
	return &row.user, token, nil
}

// Logout revokes the token and tells subscribers the user signed out.
func (s *Service) Logout(ctx context.Context, token string) error {
	userID, err := s.ValidateToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.RevokeToken(ctx, token); err != nil {
		return err
	}
	s.subs.notify(userID, nil)
	return nil
}

// VerifyOTP confirms a pending email with a mailed code and opens a session.
// Verified accounts sign in with their password only.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*models.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", ErrInvalidOTP
	}
	if !s.otp.allowVerify(email) {
		return nil, "", ErrTooManyRequests
	}
	row, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, "", ErrInvalidOTP
		}
		return nil, "", err
	}
	if row.user.EmailVerified {
		return nil, "", ErrInvalidOTP
	}
	now := s.now()
	if !s.otp.validate(code, row.otpSecret, now) {
		if s.otp.recordFailure(email) {
			s.rotateOTPSecret(ctx, row)
		}
		return nil, "", ErrInvalidOTP
	}
	s.otp.clearFailures(email)
	// rotate so the code cannot be replayed
	secret, err := s.otp.newSecret(email)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?), otp_secret = ? WHERE id = ?`,
		now, secret, row.user.ID,
	); err != nil {
		return nil, "", fmt.Errorf("confirm email: %w", err)
	}
	row.user.EmailVerified = true

	token, err := s.IssueToken(ctx, row.user.ID)
	if err != nil {
		return nil, "", err
	}
	s.subs.notify(row.user.ID, &row.user)
	return &row.user, token, nil
}

// rotateOTPSecret invalidates every outstanding code; the user asks for a resend.
func (s *Service) rotateOTPSecret(ctx context.Context, row *userRow) {
	secret, err := s.otp.newSecret(row.user.Email)
	if err != nil {
		slog.Error("rotate otp secret", "email", row.user.Email, "error", err)
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET otp_secret = ? WHERE id = ? AND email_verified_at IS NULL`,
		secret, row.user.ID,
	); err != nil {
		slog.Error("rotate otp secret", "email", row.user.Email, "error", err)
		return
	}
	slog.Warn("otp secret rotated after failed attempts", "email", row.user.Email)
}

// ResendOTP mails a fresh code to an unverified account.
// Unknown or already verified emails are accepted silently.
func (s *Service) ResendOTP(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	row, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if row.user.EmailVerified {
		return nil
	}
	if !s.otp.allowSend(email) {
		return ErrTooManyRequests
	}
	return s.sendCode(ctx, &row.user, row.otpSecret)
}

// CurrentUser resolves the account behind a session token.
func (s *Service) CurrentUser(ctx context.Context, token string) (*models.User, error) {
	userID, err := s.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, userID)
}

// UserByID loads the public account record.
func (s *Service) UserByID(ctx context.Context, userID string) (*models.User, error) {
	row, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, otp_secret, email_verified_at, created_at FROM users WHERE id = ?`, userID))
	if err != nil {
		return nil, err
	}
	return &row.user, nil
}

// Subscribe registers fn for auth state changes of userID.
// fn receives the user after login or verification and nil after logout.
func (s *Service) Subscribe(userID string, fn func(*models.User)) (unsubscribe func()) {
	return s.subs.add(userID, fn)
}

func (s *Service) userByEmail(ctx context.Context, email string) (*userRow, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, otp_secret, email_verified_at, created_at FROM users WHERE email = ?`, email))
}

func (s *Service) scanUser(row *sql.Row) (*userRow, error) {
	var (
		out      userRow
		verified sql.NullTime
	)
	err := row.Scan(&out.user.ID, &out.user.Email, &out.user.Name, &out.passwordHash, &out.otpSecret, &verified, &out.user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	out.user.EmailVerified = verified.Valid
	return &out, nil
}

func (s *Service) sendCode(ctx context.Context, user *models.User, secret string) error {
	code, err := s.otp.code(secret, s.now())
	if err != nil {
		return err
	}
	return s.mailer.SendVerificationCode(ctx, user.Email, user.Name, code, s.otp.validFor())
}

// TokenExpiry is exposed for cookie lifetimes.
func (s *Service) TokenExpiry() time.Time {
	return s.now().Add(s.tokenTTL)
}
