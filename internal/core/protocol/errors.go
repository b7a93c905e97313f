package protocol

import (
	"errors"
	"time"
)

// Replication errors
var (
	// Configuration errors

	ErrInvalidPrefab                 = errors.New("invalid prefab id")
	ErrPrefabWithoutObject           = errors.New("prefab root has no distributed object")
	ErrSelectiveDistributionDisabled = errors.New("selective distribution is disabled")
	ErrMissingRoot                   = errors.New("distributed objects root is missing")
	ErrInvalidConfig                 = errors.New("invalid configuration")
	ErrAddressKeyCollision           = errors.New("address key id collision")
	ErrEmptyAddressKey               = errors.New("empty address key")

	// Protocol errors

	ErrUnknownCommand    = errors.New("unknown command")
	ErrNotImplemented    = errors.New("not implemented")
	ErrBufferUnderflow   = errors.New("buffer underflow")
	ErrValueOutOfBounds  = errors.New("value out of bounds")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrProtocolViolation = errors.New("protocol violation")

	// Transport errors

	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrMessageTooLarge = errors.New("message too large")
	ErrDialFailed      = errors.New("dial failed")
	ErrListenFailed    = errors.New("listen failed")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Configuration error codes (1000-1999)

	ErrorCodeInvalidPrefab                 ErrorCode = 1001
	ErrorCodePrefabWithoutObject           ErrorCode = 1002
	ErrorCodeSelectiveDistributionDisabled ErrorCode = 1003
	ErrorCodeMissingRoot                   ErrorCode = 1004
	ErrorCodeInvalidConfig                 ErrorCode = 1005
	ErrorCodeAddressKeyCollision           ErrorCode = 1006
	ErrorCodeEmptyAddressKey               ErrorCode = 1007

	// Protocol error codes (2000-2999)

	ErrorCodeUnknownCommand    ErrorCode = 2001
	ErrorCodeNotImplemented    ErrorCode = 2002
	ErrorCodeBufferUnderflow   ErrorCode = 2003
	ErrorCodeValueOutOfBounds  ErrorCode = 2004
	ErrorCodeInvalidFrame      ErrorCode = 2005
	ErrorCodeProtocolViolation ErrorCode = 2006

	// Transport error codes (3000-3999)

	ErrorCodeTransportClosed ErrorCode = 3001
	ErrorCodeUnknownEndpoint ErrorCode = 3002
	ErrorCodeMessageTooLarge ErrorCode = 3003
	ErrorCodeDialFailed      ErrorCode = 3004
	ErrorCodeListenFailed    ErrorCode = 3005

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a replication error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new error with the given code
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsConfiguration reports programmer errors that callers must treat as fatal.
func (e *Error) IsConfiguration() bool {
	return e.Code >= 1000 && e.Code < 2000
}

// IsTemporary checks if the error is temporary and the operation can be retried
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeDialFailed, ErrorCodeUnknownEndpoint:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must stop the process. Protocol errors only cost the message.
func (e *Error) IsFatal() bool {
	return e.IsConfiguration() || e.Code == ErrorCodeListenFailed
}

var errorCodeMap = map[error]ErrorCode{
	ErrInvalidPrefab:                 ErrorCodeInvalidPrefab,
	ErrPrefabWithoutObject:           ErrorCodePrefabWithoutObject,
	ErrSelectiveDistributionDisabled: ErrorCodeSelectiveDistributionDisabled,
	ErrMissingRoot:                   ErrorCodeMissingRoot,
	ErrInvalidConfig:                 ErrorCodeInvalidConfig,
	ErrAddressKeyCollision:           ErrorCodeAddressKeyCollision,
	ErrEmptyAddressKey:               ErrorCodeEmptyAddressKey,

	ErrUnknownCommand:    ErrorCodeUnknownCommand,
	ErrNotImplemented:    ErrorCodeNotImplemented,
	ErrBufferUnderflow:   ErrorCodeBufferUnderflow,
	ErrValueOutOfBounds:  ErrorCodeValueOutOfBounds,
	ErrInvalidFrame:      ErrorCodeInvalidFrame,
	ErrProtocolViolation: ErrorCodeProtocolViolation,

	ErrTransportClosed: ErrorCodeTransportClosed,
	ErrUnknownEndpoint: ErrorCodeUnknownEndpoint,
	ErrMessageTooLarge: ErrorCodeMessageTooLarge,
	ErrDialFailed:      ErrorCodeDialFailed,
	ErrListenFailed:    ErrorCodeListenFailed,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error
func WrapError(err error, message string) *Error {
	code := GetErrorCode(err)
	return NewProtocolError(code, message, err)
}

// String returns a short label suitable for metrics.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeSuccess:
		return "success"
	case ErrorCodeInvalidPrefab:
		return "invalid_prefab"
	case ErrorCodePrefabWithoutObject:
		return "prefab_without_object"
	case ErrorCodeSelectiveDistributionDisabled:
		return "selective_distribution_disabled"
	case ErrorCodeMissingRoot:
		return "missing_root"
	case ErrorCodeInvalidConfig:
		return "invalid_config"
	case ErrorCodeAddressKeyCollision:
		return "address_key_collision"
	case ErrorCodeEmptyAddressKey:
		return "empty_address_key"
	case ErrorCodeUnknownCommand:
		return "unknown_command"
	case ErrorCodeNotImplemented:
		return "not_implemented"
	case ErrorCodeBufferUnderflow:
		return "buffer_underflow"
	case ErrorCodeValueOutOfBounds:
		return "value_out_of_bounds"
	case ErrorCodeInvalidFrame:
		return "invalid_frame"
	case ErrorCodeProtocolViolation:
		return "protocol_violation"
	case ErrorCodeTransportClosed:
		return "transport_closed"
	case ErrorCodeUnknownEndpoint:
		return "unknown_endpoint"
	case ErrorCodeMessageTooLarge:
		return "message_too_large"
	case ErrorCodeDialFailed:
		return "dial_failed"
	case ErrorCodeListenFailed:
		return "listen_failed"
	default:
		return "unknown"
	}
}
