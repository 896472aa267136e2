package core

import (
	"errors"
	"fmt"
)

var (
	ErrProjectNotFound    = errors.New("project not found")
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrLockHeldByOther    = errors.New("lock held by another agent")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrStorageCorrupt     = errors.New("storage corrupt")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
)

// LockHeldError is returned when an agent tries to release a lease it does
// not own. The lease is left untouched.
type LockHeldError struct {
	Resource string
	Holder   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s is held by %s", e.Resource, e.Holder)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeldByOther }

// Wire codes used by the transport layer.
const (
	CodeProjectNotFound    = "project_not_found"
	CodeAgentNotRegistered = "agent_not_registered"
	CodeLockHeldByOther    = "lock_held_by_other"
	CodeInvalidArgument    = "invalid_argument"
	CodeStorageCorrupt     = "storage_corrupt"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// ErrorCode maps err to a stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProjectNotFound):
		return CodeProjectNotFound
	case errors.Is(err, ErrAgentNotRegistered):
		return CodeAgentNotRegistered
	case errors.Is(err, ErrLockHeldByOther):
		return CodeLockHeldByOther
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrStorageCorrupt):
		return CodeStorageCorrupt
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// Invalidf builds an ErrInvalidArgument with context.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
