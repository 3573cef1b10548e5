package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxErrorBody caps how much of a response body StatusError.Error shows.
const maxErrorBody = 200

// ErrSessionExpired is the terminal signal for callers: the access token was
// rejected and could not be renewed. The stored credential has been cleared.
var ErrSessionExpired = errors.New("session expired")

// ErrNoRefreshToken is wrapped by AuthExpiredError when no refresh token is
// stored.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// AuthExpiredError reports a failed token refresh. The credential store is
// always cleared before it is returned.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	return "token refresh failed: " + e.Err.Error()
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}

// NetworkError is a transport failure with no HTTP response to classify.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FieldError holds the messages the server attached to one request field.
// Nested fields are joined with dots.
type FieldError struct {
	Field    string
	Messages []string
}

// ValidationError is a 4xx response carrying field-keyed messages, kept in the
// order the server sent them.
type ValidationError struct {
	StatusCode int
	Fields     []FieldError
}

func (e *ValidationError) Error() string {
	if msg := e.First(); msg != "" {
		return msg
	}
	return fmt.Sprintf("request rejected with status %d", e.StatusCode)
}

// First returns the first message of the first offending field.
func (e *ValidationError) First() string {
	for _, f := range e.Fields {
		for _, m := range f.Messages {
			if m != "" {
				return m
			}
		}
	}
	return ""
}

// Messages returns the messages for field, or nil.
func (e *ValidationError) Messages(field string) []string {
	for _, f := range e.Fields {
		if f.Field == field {
			return f.Messages
		}
	}
	return nil
}

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	if body == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), body)
}

// IsSessionExpired reports whether err means the user must sign in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
