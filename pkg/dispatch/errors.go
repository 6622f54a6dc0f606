package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/daviddao/tagged/pkg/session"
)

// ErrSessionExpired is returned, without any network call, when an
// authenticated request finds no valid token.
var ErrSessionExpired = session.ErrSessionExpired

// ErrMethodNotAllowed is returned for methods outside GET/POST/PUT/PATCH/DELETE.
var ErrMethodNotAllowed = errors.New("method not allowed")

// Error is a failed request. Status is the HTTP status, or 500 when no
// response was received.
type Error struct {
	Status    int
	Message   string
	Transport bool
	Err       error
}

func (e *Error) Error() string {
	if e.Transport {
		return fmt.Sprintf("request failed: status=%d (no response): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: status=%d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy applies: transport failures,
// 5xx, and 409 conflicts.
func (e *Error) Retryable() bool {
	return e.Transport || e.Status >= 500 || e.Status == http.StatusConflict
}

// StatusOf returns the status carried by err, or 0 if err is not an *Error.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}

func isRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Retryable()
}
