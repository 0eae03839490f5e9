// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// Each lock outcome that is surfaced to a caller as an error carries an errno
// value so that callers (and the CMI peer, which only sees status codes) can
// classify it without string matching.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/stripelock/logger"
)

// FsError is the errno-valued classification attached to errors.
//
// Constants that correspond to linux/POSIX errnos are used wherever a clear mapping
// exists; the remainder live above 1000.
type FsError int

const (
	NotFoundError       FsError = FsError(int(unix.ENOENT))       // Element or handle not found
	IOError             FsError = FsError(int(unix.EIO))          // Transport I/O error
	TryAgainError       FsError = FsError(int(unix.EAGAIN))       // Request dropped, try again
	DevBusyError        FsError = FsError(int(unix.EBUSY))        // Element busy (e.g. stop with holders)
	FileExistsError     FsError = FsError(int(unix.EEXIST))       // Element already started
	InvalidArgError     FsError = FsError(int(unix.EINVAL))       // Illegal request
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))       // Region outside the element
	DeadlockError       FsError = FsError(int(unix.EDEADLK))      // Aborted to break a wait-for cycle
	NoLocksError        FsError = FsError(int(unix.ENOLCK))       // No lock held for unlock
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP))      // Operation not supported
	AbortedError        FsError = FsError(int(unix.ECONNABORTED)) // Operation aborted
	CanceledError       FsError = FsError(int(unix.ECANCELED))    // Operation cancelled upstream
	PeerLostError       FsError = FsError(int(unix.EHOSTDOWN))    // Peer SP declared lost
	NotConnectedError   FsError = FsError(int(unix.ENOTCONN))     // CMI transport not connected
	ProtocolError       FsError = FsError(int(unix.EPROTO))       // Malformed or mismatched CMI message
	MessageTooLongError FsError = FsError(int(unix.EMSGSIZE))     // CMI frame too large
	TimedOut            FsError = FsError(int(unix.ETIMEDOUT))    // Retry deadline exceeded
)

// Errors that map to constants already defined above
const (
	IllegalRequestError FsError = InvalidArgError
	DroppedError        FsError = TryAgainError
	NotStartedError     FsError = NotFoundError
	StaleHandleError    FsError = NotFoundError
	VersionMismatch     FsError = ProtocolError
)

// Success error
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to the lock service
	UnpackError FsError = 1000 + iota
	PackError
	CorruptSlotError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case NotFoundError:
		return "NotFoundError"
	case IOError:
		return "IOError"
	case TryAgainError:
		return "TryAgainError"
	case DevBusyError:
		return "DevBusyError"
	case FileExistsError:
		return "FileExistsError"
	case InvalidArgError:
		return "InvalidArgError"
	case OutOfRangeError:
		return "OutOfRangeError"
	case DeadlockError:
		return "DeadlockError"
	case NoLocksError:
		return "NoLocksError"
	case NotSupportedError:
		return "NotSupportedError"
	case AbortedError:
		return "AbortedError"
	case CanceledError:
		return "CanceledError"
	case PeerLostError:
		return "PeerLostError"
	case NotConnectedError:
		return "NotConnectedError"
	case ProtocolError:
		return "ProtocolError"
	case MessageTooLongError:
		return "MessageTooLongError"
	case TimedOut:
		return "TimedOut"
	case UnpackError:
		return "UnpackError"
	case PackError:
		return "PackError"
	case CorruptSlotError:
		return "CorruptSlotError"
	default:
		return fmt.Sprintf("FsError(%d)", int(err))
	}
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FsError detail to a Go error.
//
// NOTE: merry replaces any value already present; a replacement is logged to help
//       debugging in the cases where this was not intentional.
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
func Errno(e error) int {
	if e == nil {
		return successErrno
	}

	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, FsError(tmp.(int)))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value
//       (e.g. DroppedError and TryAgainError).
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
