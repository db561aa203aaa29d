package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork = errors.New("network error")
	// ErrDecoding means a 2xx response did not match the expected shape.
	ErrDecoding = errors.New("decoding error")
	// ErrUnauthorized means the session could not be authenticated, even
	// after a refresh attempt.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidResponse is a non-2xx status other than 401/403.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrCancelled means the caller abandoned the request. It always wraps
	// context.Canceled.
	ErrCancelled = fmt.Errorf("request cancelled: %w", context.Canceled)

	// ErrNoRefreshToken is returned by a refresh when the store holds no
	// refresh token.
	ErrNoRefreshToken = fmt.Errorf("%w: no refresh token", ErrUnauthorized)
)

// StatusError is returned for a non-2xx response that is not handled as an
// auth failure.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrInvalidResponse
}

// newStatusError pulls a human-readable message out of an error body. The
// backend is not consistent about which field carries it.
func newStatusError(status int, body []byte) *StatusError {
	msg := ""
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error_description", "error.message", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				msg = r.String()
				break
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return &StatusError{StatusCode: status, Message: msg}
}

func unauthorized(status int, body []byte) error {
	if se := newStatusError(status, body); se.Message != "" {
		return fmt.Errorf("%w (status %d): %s", ErrUnauthorized, status, se.Message)
	}
	return fmt.Errorf("%w (status %d)", ErrUnauthorized, status)
}

// isAuthFailure reports whether status asks for new credentials.
func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// UserMessage turns err into text suitable for showing next to a failed
// list or form. It never exposes token material.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var se *StatusError
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrNetwork):
		return "Could not reach the server. Check your connection and try again."
	case errors.Is(err, ErrDecoding):
		return "The server sent an unexpected response. Please try again later."
	case errors.As(err, &se):
		if se.StatusCode >= 500 {
			return "The server is having trouble right now. Please try again later."
		}
		if se.Message != "" {
			return se.Message
		}
		return fmt.Sprintf("The request failed (status %d).", se.StatusCode)
	default:
		return "Something went wrong. Please try again."
	}
}
