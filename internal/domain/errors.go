package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewDomainError for operation-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the routing engine.
var (
	ErrChatNotFound        = fmt.Errorf("chat %w", ErrNotFound)
	ErrChatBusy            = fmt.Errorf("chat busy")
	ErrModeratorInactive   = fmt.Errorf("moderator not active")
	ErrAgentUnavailable    = fmt.Errorf("agent not installed")
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrSpawnFailed         = fmt.Errorf("spawn failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.RouteUserMessage")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for the UI layer.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeChatNotFound     ErrorCode = "CHAT_NOT_FOUND"
	CodeChatBusy         ErrorCode = "CHAT_BUSY"
	CodeModeratorDown    ErrorCode = "MODERATOR_INACTIVE"
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	CodeParticipantGone  ErrorCode = "PARTICIPANT_NOT_FOUND"
	CodeSpawnFailed      ErrorCode = "SPAWN_FAILED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrChatNotFound, CodeChatNotFound},
	{ErrChatBusy, CodeChatBusy},
	{ErrModeratorInactive, CodeModeratorDown},
	{ErrAgentUnavailable, CodeAgentUnavailable},
	{ErrParticipantNotFound, CodeParticipantGone},
	{ErrSpawnFailed, CodeSpawnFailed},
	{ErrDuplicate, CodeDuplicate},
	{ErrLimitReached, CodeLimitReached},
	{ErrInvalidInput, CodeInvalidInput},
	// ErrNotFound last: several sentinels wrap it.
	{ErrNotFound, CodeNotFound},
}

// ErrorCodeOf returns the machine-parseable code for err, walking the error
// chain with errors.Is. Returns CodeUnknown when nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, m := range errorCodeMap {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return CodeUnknown
}
