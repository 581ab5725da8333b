package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Codes in the implementation-defined server error range.
const (
	ErrorCodeUnsupportedVersion  ErrorCode = -32000
	ErrorCodeAuthRequired        ErrorCode = -32001
	ErrorCodeAuthorizationFailed ErrorCode = -32002
	ErrorCodeResourceNotFound    ErrorCode = -32003
	ErrorCodeToolExecution       ErrorCode = -32004
	ErrorCodeSessionExpired      ErrorCode = -32005
	ErrorCodeRateLimitExceeded   ErrorCode = -32006
)

// Error is a JSON-RPC error object. It doubles as a Go error so protocol
// failures can travel through ordinary error returns.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewError builds an *Error.
func NewError(code ErrorCode, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Errorf builds an *Error with a formatted message and no data.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
