package manager

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeInvalidRequest is returned when a tool request is malformed
	// before it ever reaches the server process.
	CodeInvalidRequest = "INVALID_REQUEST"
	// CodeUnavailable is returned when no healthy server process exists.
	CodeUnavailable = "PROCESS_UNAVAILABLE"
	// CodeTimeout is returned when no response arrives in time.
	CodeTimeout = "TIMEOUT"
	// CodeProtocol is returned when the server process emits framing the
	// client cannot correlate. It doubles as a crash signal.
	CodeProtocol = "PROTOCOL_FAILURE"
	// CodeUpstream is returned for well-formed JSON-RPC error responses.
	CodeUpstream = "UPSTREAM_FAILURE"
)

// BridgeError is a structured invocation error that carries a
// machine-readable code and retryability across the manager and the HTTP
// facade without losing the underlying cause.
type BridgeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *BridgeError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeUpstream
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *BridgeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newBridgeError(code, message string, retryable bool, cause error) *BridgeError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = CodeUpstream
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &BridgeError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

// ErrorWithCode builds a bridge error for callers outside the manager,
// such as facades that need to synthesize classified failures.
func ErrorWithCode(code, message string) *BridgeError {
	return newBridgeError(code, message, false, nil)
}

// ErrorCode extracts the bridge error code from err, or "" when err does
// not carry one.
func ErrorCode(err error) string {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) && bridgeErr != nil {
		return bridgeErr.Code
	}
	return ""
}
