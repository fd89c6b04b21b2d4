package botllm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a rejected or failed chat request so the
// platform layer can render an appropriate user-facing message.
type ErrorKind string

const (
	ErrKindChatDisabled              ErrorKind = "chat_disabled"
	ErrKindNoCredentials             ErrorKind = "no_credentials_configured"
	ErrKindEmptyRequest              ErrorKind = "empty_request"
	ErrKindAttachmentTooLarge        ErrorKind = "attachment_too_large"
	ErrKindAttachmentUnsupportedType ErrorKind = "attachment_unsupported_type"
	ErrKindAttachmentTooLargeAfterDL ErrorKind = "attachment_too_large_after_download"
	ErrKindRateLimited               ErrorKind = "rate_limited"
	ErrKindAllCredentialsExhausted   ErrorKind = "all_credentials_exhausted"
	ErrKindPersistenceFailure        ErrorKind = "persistence_failure"
)

var (
	// ErrNoCredentialsConfigured indicates the credential pool is empty.
	ErrNoCredentialsConfigured = errors.New("no API keys configured")

	// ErrEmptyCredential indicates an API key was blank after trimming.
	ErrEmptyCredential = errors.New("API key cannot be empty")

	// ErrDuplicateCredential indicates an API key is already registered.
	ErrDuplicateCredential = errors.New("API key already registered")

	// ErrIndexOutOfRange indicates a key index outside the current sequence.
	ErrIndexOutOfRange = errors.New("no API key at the given index")

	// ErrInvalidArgument indicates a malformed argument, such as an
	// empty tenant ID.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RequestError is a classified chat request failure. Kind is always set;
// the remaining fields are populated depending on the kind (RetryAfter for
// rate limiting, Filename for attachment violations).
type RequestError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Filename   string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Filename != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Filename)
	case e.RetryAfter > 0:
		return fmt.Sprintf("%s: retry in %s", e.Kind, e.RetryAfter)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	default:
		return string(e.Kind)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RequestErrorKind returns the ErrorKind of err if it is (or wraps) a
// RequestError, and a bool indicating whether one was found.
func RequestErrorKind(err error) (ErrorKind, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind, true
	}
	return "", false
}

// PersistenceError indicates the settings file could not be written. The
// in-memory state was still updated, so behavior stays consistent until the
// next successful flush, but the caller must be told durability was lost.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("error persisting settings to %s: %s", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ExhaustedError indicates every configured API key was attempted and
// all failed. Err holds the last underlying failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf(
		"all %d configured API keys failed, last error: %s",
		e.Attempts,
		e.Err,
	)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
