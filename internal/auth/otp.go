package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"
)

const (
	defaultOTPPeriod      uint = 600
	defaultResendInterval      = time.Minute
	// failed codes allowed before the secret is rotated
	maxVerifyFailures = 5
)

// otpIssuer derives 6-digit email codes from a per-user TOTP secret.
type otpIssuer struct {
	issuer string
	opts   totp.ValidateOpts

	resendEvery rate.Limit
	verifyEvery rate.Limit
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	guards      map[string]*verifyGuard
}

type verifyGuard struct {
	lim      *rate.Limiter
	failures int
}

func newOTPIssuer(issuer string, period uint, resendInterval time.Duration) *otpIssuer {
	if issuer == "" {
		issuer = "geminichat"
	}
	if period == 0 {
		period = defaultOTPPeriod
	}
	if resendInterval <= 0 {
		resendInterval = defaultResendInterval
	}
	return &otpIssuer{
		issuer: issuer,
		opts: totp.ValidateOpts{
			Period:    period,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
		resendEvery: rate.Every(resendInterval),
		verifyEvery: rate.Every(time.Duration(period) * time.Second / maxVerifyFailures),
		limiters:    make(map[string]*rate.Limiter),
		guards:      make(map[string]*verifyGuard),
	}
}

func (o *otpIssuer) newSecret(email string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.issuer,
		AccountName: email,
		Period:      o.opts.Period,
		Digits:      o.opts.Digits,
		Algorithm:   o.opts.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("generate otp secret: %w", err)
	}
	return key.Secret(), nil
}

func (o *otpIssuer) code(secret string, now time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, now, o.opts)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return code, nil
}

func (o *otpIssuer) validate(code, secret string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != o.opts.Digits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, o.opts)
	return err == nil && ok
}

// allowSend reports whether another code may be mailed to email now.
func (o *otpIssuer) allowSend(email string) bool {
	o.mu.Lock()
	lim, ok := o.limiters[email]
	if !ok {
		lim = rate.NewLimiter(o.resendEvery, 1)
		o.limiters[email] = lim
	}
	o.mu.Unlock()
	return lim.Allow()
}

// allowVerify reports whether another code may be checked for email now.
func (o *otpIssuer) allowVerify(email string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.guardLocked(email).lim.Allow()
}

// recordFailure counts a wrong code for email and reports whether the
// failure budget is spent, in which case the caller rotates the secret.
func (o *otpIssuer) recordFailure(email string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	g := o.guardLocked(email)
	g.failures++
	if g.failures < maxVerifyFailures {
		return false
	}
	g.failures = 0
	return true
}

func (o *otpIssuer) clearFailures(email string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.guards[email]; ok {
		g.failures = 0
	}
}

func (o *otpIssuer) guardLocked(email string) *verifyGuard {
	g, ok := o.guards[email]
	if !ok {
		g = &verifyGuard{lim: rate.NewLimiter(o.verifyEvery, maxVerifyFailures)}
		o.guards[email] = g
	}
	return g
}

func (o *otpIssuer) validFor() time.Duration {
	return time.Duration(o.opts.Period) * time.Second
}
