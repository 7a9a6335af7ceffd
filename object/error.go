// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package object

import (
	"fmt"

	"github.com/juju/errors"
)

// POSIX-style error codes carried by error objects across the wire.
// The numeric values follow the Linux errno table.
const (
	EPERM      = 1
	ENOENT     = 2
	EIO        = 5
	ENXIO      = 6
	EAGAIN     = 11
	EFAULT     = 14
	EBUSY      = 16
	EEXIST     = 17
	EINVAL     = 22
	ERANGE     = 34
	ENOTSUP    = 95
	ECONNRESET = 104
	ETIMEDOUT  = 110
	ECANCELED  = 125
)

// ErrorValue is the payload of an error object.
type ErrorValue struct {
	Code    int
	Message string
	Extra   *Object
	Stack   *Object
}

// NewError returns a new error object. extra may be nil. The object
// takes its own reference on extra; Stack is left nil.
func NewError(code int, message string, extra *Object) *Object {
	return &Object{typ: TypeError, refcnt: 1, errval: &ErrorValue{
		Code:    code,
		Message: message,
		Extra:   extra.Retain(),
	}}
}

// NewErrorf returns a new error object with a formatted message and
// no extra payload.
func NewErrorf(code int, format string, args ...interface{}) *Object {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// ErrorValue returns the error payload, or nil for other kinds.
func (o *Object) ErrorValue() *ErrorValue {
	if o == nil || o.typ != TypeError {
		return nil
	}
	return o.errval
}

// ErrnoError is a Go error carrying a POSIX-style code, used where
// the runtime reports failures through error returns rather than
// error objects.
type ErrnoError struct {
	Code    int
	Message string
}

// NewErrnoError returns an ErrnoError with the given code.
func NewErrnoError(code int, message string) *ErrnoError {
	return &ErrnoError{Code: code, Message: message}
}

// NewErrnoErrorf returns an ErrnoError with a formatted message.
func NewErrnoErrorf(code int, format string, args ...interface{}) *ErrnoError {
	return &ErrnoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ErrnoError) Error() string {
	return e.Message
}

// ErrorToObject converts a Go error to an error object. An ErrnoError
// (found through errors.Cause) keeps its code and message; any other
// error maps to EFAULT with the error's text as message.
func ErrorToObject(err error) *Object {
	if err == nil {
		return nil
	}
	if ee, ok := errors.Cause(err).(*ErrnoError); ok {
		return NewError(ee.Code, ee.Message, nil)
	}
	return NewError(EFAULT, err.Error(), nil)
}

// ObjectToError converts an error object to a Go ErrnoError. Returns
// nil for non-error objects.
func ObjectToError(o *Object) error {
	ev := o.ErrorValue()
	if ev == nil {
		return nil
	}
	return &ErrnoError{Code: ev.Code, Message: ev.Message}
}

// ErrnoCode extracts the POSIX code from err, or EFAULT when err
// carries none.
func ErrnoCode(err error) int {
	if ee, ok := errors.Cause(err).(*ErrnoError); ok {
		return ee.Code
	}
	return EFAULT
}
