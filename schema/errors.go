package schema

import (
	"context"
	"errors"
)

var (
	// ErrInvalidRequest indicates a malformed or unknown event payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound indicates a path that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the destination of an operation already exists.
	ErrConflict = errors.New("already exists")
	// ErrIO indicates a filesystem operation failed.
	ErrIO = errors.New("i/o error")
	// ErrPathEscape indicates a client path resolving outside the workspace root.
	ErrPathEscape = errors.New("path escapes workspace root")
	// ErrLaunch indicates the headless browser could not be started.
	ErrLaunch = errors.New("browser launch failed")
	// ErrNavigation indicates a page navigation failed.
	ErrNavigation = errors.New("navigation failed")
	// ErrProcessTerminated indicates the shared shell process has exited.
	ErrProcessTerminated = errors.New("terminal process terminated")
)

// ErrorKind maps an error chain to the stable kind reported to clients.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPathEscape):
		return "path_escape"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrProcessTerminated):
		return "process_terminated"
	case errors.Is(err, ErrLaunch):
		return "launch"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "internal"
	}
}
