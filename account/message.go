package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-authgate/scan-cli/credstore"
	"github.com/go-authgate/scan-cli/session"
)

// Message turns err into a short text for the user. The error kind is not
// lost: callers still test err itself with errors.Is/As.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var (
		verr    *session.ValidationError
		serr    *session.StatusError
		netErr  *session.NetworkError
		storErr *credstore.StorageError
	)
	switch {
	case session.IsSessionExpired(err):
		return "Your session has expired. Please sign in again."
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "The server took too long to respond. Please try again."
	case errors.As(err, &netErr):
		return "Could not reach the server. Check your connection and try again."
	case errors.As(err, &storErr):
		return "Could not access saved credentials. Please try again."
	case errors.As(err, &serr):
		if serr.StatusCode >= 500 {
			return fmt.Sprintf("The server had a problem (%d). Please try again later.", serr.StatusCode)
		}
		return fmt.Sprintf("Request failed with status %d.", serr.StatusCode)
	default:
		return err.Error()
	}
}
