package mcp

import (
	"errors"
	"fmt"
)

// Sentinel failure classes surfaced by transports and the client. Callers
// that supervise the server process use these to tell a dead process apart
// from one that is alive but speaking garbage.
var (
	// ErrProcessExited reports that the server process is gone and the
	// channel to it cannot carry further requests.
	ErrProcessExited = errors.New("mcp: server process exited")

	// ErrMalformedOutput reports unparseable framing on the channel. The
	// process may still be running, but its output can no longer be
	// correlated to requests.
	ErrMalformedOutput = errors.New("mcp: malformed server output")
)

// RequestError tags a failure with the request method it interrupted.
// Unwrap exposes the underlying sentinel or RPC error for classification.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: request %q failed: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
