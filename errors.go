// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import "fmt"

// ConnectionError reports that the transport to the server is broken.
// It always triggers a full disconnect of the client.
type ConnectionError struct {
	Detail string
	Err    error // underlying transport error, may be nil
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

// Unwrap reports the underlying transport error of e.
func (e *ConnectionError) Unwrap() error { return e.Err }

func connErrorf(err error, format string, args ...any) *ConnectionError {
	return &ConnectionError{Detail: fmt.Sprintf(format, args...), Err: err}
}

// TimeoutError reports that an operation did not complete within its
// time budget. It is a local condition only and implies nothing about
// server-side state.
type TimeoutError struct{ Detail string }

func (e *TimeoutError) Error() string { return e.Detail }

func timeoutErrorf(format string, args ...any) *TimeoutError {
	return &TimeoutError{Detail: fmt.Sprintf(format, args...)}
}

// OperationError reports that the server explicitly rejected or
// failed an operation.
type OperationError struct{ Detail string }

func (e *OperationError) Error() string { return e.Detail }

func opErrorf(format string, args ...any) *OperationError {
	return &OperationError{Detail: fmt.Sprintf(format, args...)}
}

// BadResponseError reports a malformed or unexpected server message.
// The offending message is dropped; the connection stays up.
type BadResponseError struct{ Detail string }

func (e *BadResponseError) Error() string { return e.Detail }

func badResponsef(format string, args ...any) *BadResponseError {
	return &BadResponseError{Detail: fmt.Sprintf(format, args...)}
}

// InvalidValueError reports an attempt to use a value that is not
// available, such as reading a handle that was never updated.
type InvalidValueError struct{ Detail string }

func (e *InvalidValueError) Error() string { return e.Detail }

func invalidValuef(format string, args ...any) *InvalidValueError {
	return &InvalidValueError{Detail: fmt.Sprintf(format, args...)}
}

// NotAllowedError reports an operation forbidden by the SDK, such as
// nesting batch writes.
type NotAllowedError struct{ Detail string }

func (e *NotAllowedError) Error() string { return e.Detail }

func notAllowedf(format string, args ...any) *NotAllowedError {
	return &NotAllowedError{Detail: fmt.Sprintf(format, args...)}
}

// NameNotFoundError reports a reference to an element by a name that
// is unknown, such as unwatching a path that is not watched.
type NameNotFoundError struct{ Detail string }

func (e *NameNotFoundError) Error() string { return e.Detail }

func nameNotFoundf(format string, args ...any) *NameNotFoundError {
	return &NameNotFoundError{Detail: fmt.Sprintf(format, args...)}
}
