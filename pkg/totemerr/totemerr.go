// Package totemerr enumerates the client-facing error codes of §6 "Exit
// codes / errors surfaced to clients" as a typed error, mirroring the
// teacher's pkg/wire error-code pattern. It also carries the single
// backpressure sentinel named in §5 ("a full TOTEM outbound queue
// translates to TRY_AGAIN back to the client library").
package totemerr

import (
	"fmt"

	"github.com/coro-totem/totemcore/pkg/constants"
)

// Error is a client-facing protocol error carrying one of the codes
// enumerated in §6.
type Error struct {
	Code   uint32
	Reason string
}

func New(code uint32, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Reason)
}

// CodeName returns the human-readable name for an error code.
func CodeName(code uint32) string {
	switch code {
	case constants.ErrOK:
		return "OK"
	case constants.ErrNotExist:
		return "ERR_NOT_EXIST"
	case constants.ErrExist:
		return "ERR_EXIST"
	case constants.ErrBusy:
		return "ERR_BUSY"
	case constants.ErrTryAgain:
		return "ERR_TRY_AGAIN"
	case constants.ErrAccess:
		return "ERR_ACCESS"
	case constants.ErrInvalidParam:
		return "ERR_INVALID_PARAM"
	case constants.ErrNoMemory:
		return "ERR_NO_MEMORY"
	case constants.ErrLibrary:
		return "ERR_LIBRARY"
	case constants.ErrBadHandle:
		return "ERR_BAD_HANDLE"
	case constants.ErrNoSpace:
		return "ERR_NO_SPACE"
	case constants.ErrNoSections:
		return "ERR_NO_SECTIONS"
	case constants.ErrBadFlags:
		return "ERR_BAD_FLAGS"
	case constants.ErrTooBig:
		return "ERR_TOO_BIG"
	case constants.ErrMessageError:
		return "ERR_MESSAGE_ERROR"
	default:
		return fmt.Sprintf("ERR_UNKNOWN_%d", code)
	}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code uint32) bool {
	te, ok := err.(*Error)
	return ok && te.Code == code
}

// Common constructors mirroring client-misuse paths named in §7.

func ErrAlreadyJoined(group string) *Error {
	return New(constants.ErrExist, fmt.Sprintf("already joined group %q", group))
}

func ErrNotJoined(group string) *Error {
	return New(constants.ErrNotExist, fmt.Sprintf("not joined to group %q", group))
}

func ErrInvalidName(name string) *Error {
	return New(constants.ErrInvalidParam, fmt.Sprintf("invalid group name %q", name))
}

func ErrTryAgain(reason string) *Error {
	return New(constants.ErrTryAgain, reason)
}

func ErrBadHandle() *Error {
	return New(constants.ErrBadHandle, "handle not recognized")
}

func ErrTooBig(reason string) *Error {
	return New(constants.ErrTooBig, reason)
}
