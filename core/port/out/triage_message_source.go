package out

import (
	"context"
	"errors"
	"time"

	"triage_server/core/domain"
)

// =============================================================================
// Message Source Port (Outlook, Graph SDK, Gmail, IMAP)
// =============================================================================

// FetchPage is one page of messages returned by a MessageSource.
type FetchPage struct {
	Messages  []domain.MessageSummary
	HasMore   bool
	NextToken string // opaque continuation, empty when HasMore is false
}

// MessageSource yields message summaries for a folder since a cursor, ordered by
// ascending received time. A nil cursor means "from the beginning".
type MessageSource interface {
	Name() string
	FetchSince(ctx context.Context, folder string, cursor *time.Time, limit int) (*FetchPage, error)
	// FetchPage continues a listing started by FetchSince.
	FetchPage(ctx context.Context, token string) (*FetchPage, error)
}

// CategoryAnnotator merges a category into a message's external tag set without
// touching unrelated tags.
type CategoryAnnotator interface {
	ApplyLabel(ctx context.Context, providerID string, label domain.Category) error
}

// CredentialProvider hands out bearer tokens for the mail provider.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	// Refresh forces a new token; it fails with ErrUnauthenticated when the grant is gone.
	Refresh(ctx context.Context) error
}

// ErrUnauthenticated is returned by a CredentialProvider that cannot produce a token.
var ErrUnauthenticated = errors.New("credential: unauthenticated")

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsAuthExpired reports whether err means the bearer credential must be refreshed.
func IsAuthExpired(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == ProviderErrTokenExpired
	}
	return errors.Is(err, ErrUnauthenticated)
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
