package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized      = fmt.Errorf("copilot: authorization failed")
	ErrConnection        = fmt.Errorf("copilot: connection failed")
	ErrNotImplemented    = fmt.Errorf("copilot: not implemented")
	ErrNotFound          = fmt.Errorf("copilot: not found")
	ErrSendInProgress    = fmt.Errorf("copilot: send already in progress")
	ErrEmptyMessage      = fmt.Errorf("copilot: empty message")
	ErrMalformedFragment = fmt.Errorf("copilot: malformed fragment")
	ErrInvalidConfig     = fmt.Errorf("copilot: invalid config")
	ErrCancelled         = fmt.Errorf("copilot: cancelled")
)

var (
	Wrapf     = errors.Wrapf
	Wrap      = errors.Wrap
	Errorf    = errors.Errorf
	New       = errors.New
	WithStack = errors.WithStack
	Is        = errors.Is
	As        = errors.As
)

// StatusError reports an HTTP answer the client could not use.
type StatusError struct {
	StatusCode  int
	ContentType string
	Detail      string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("failed to connect. Status: %d, Content-Type: '%s': %s", e.StatusCode, e.ContentType, e.Detail)
	}
	return fmt.Sprintf("failed to connect. Status: %d, Content-Type: '%s'", e.StatusCode, e.ContentType)
}

// Unwrap classifies the status: 401/403 are authorization failures,
// everything else is a connection failure.
func (e *StatusError) Unwrap() error {
	if IsAuthStatus(e.StatusCode) {
		return ErrUnauthorized
	}
	return ErrConnection
}

func IsAuthStatus(code int) bool {
	return code == 401 || code == 403
}
