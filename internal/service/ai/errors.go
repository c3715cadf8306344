package ai

import (
	"errors"
	"strings"

	"google.golang.org/genai"
)

var (
	// ErrNotConfigured is returned when no API key is available for the provider.
	ErrNotConfigured = errors.New("ai provider not configured")
	// ErrBlocked is returned when the model refused to answer for safety reasons.
	ErrBlocked = errors.New("response blocked by safety filters")
)

// ErrorKind classifies generation failures for user-facing reporting.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindSafety             ErrorKind = "safety"
	KindNotConfigured      ErrorKind = "not_configured"
	KindUnknown            ErrorKind = "unknown"
)

var userMessages = map[ErrorKind]string{
	KindInvalidCredentials: "Invalid API key. Please check your API key.",
	KindQuotaExceeded:      "API quota exceeded. Please try again later.",
	KindSafety:             "Content was blocked for safety reasons. Please try rephrasing your message.",
	KindNotConfigured:      "AI provider not configured. Please add an API key to the configuration.",
	KindUnknown:            "Failed to generate response. Please try again.",
}

// UserMessage returns the text shown to users for kind.
func UserMessage(kind ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// Classify maps a provider error onto an ErrorKind. It returns "" for nil.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrBlocked):
		return KindSafety
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if kind := classifyStatus(apiErr.Code, apiErr.Status+" "+apiErr.Message); kind != "" {
			return kind
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		if kind := classifyStatus(apiErrPtr.Code, apiErrPtr.Status+" "+apiErrPtr.Message); kind != "" {
			return kind
		}
	}
	if kind := classifyText(err.Error()); kind != "" {
		return kind
	}
	return KindUnknown
}

func classifyStatus(code int, text string) ErrorKind {
	if kind := classifyText(text); kind != "" {
		return kind
	}
	switch code {
	case 401, 403:
		return KindInvalidCredentials
	case 429:
		return KindQuotaExceeded
	}
	return ""
}

func classifyText(text string) ErrorKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "api_key_invalid"),
		strings.Contains(lower, "api key not valid"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "invalid x-api-key"),
		strings.Contains(lower, "incorrect api key"),
		strings.Contains(lower, "unauthenticated"):
		return KindInvalidCredentials
	case strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"):
		return KindQuotaExceeded
	case strings.Contains(lower, "safety"),
		strings.Contains(lower, "content_filter"),
		strings.Contains(lower, "blocked"):
		return KindSafety
	}
	return ""
}
