// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package object implements the dynamic object model: refcounted
// tagged values with container semantics, structural equality and
// an optional type-instance annotation assigned by the typing layer.
package object

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Type identifies the kind of value held by an Object.
type Type int

const (
	TypeNull Type = iota
	TypeBool
	TypeUint64
	TypeInt64
	TypeDouble
	TypeDate
	TypeString
	TypeBinary
	TypeFd
	TypeDictionary
	TypeArray
	TypeError
)

var typeNames = map[Type]string{
	TypeNull:       "null",
	TypeBool:       "bool",
	TypeUint64:     "uint64",
	TypeInt64:      "int64",
	TypeDouble:     "double",
	TypeDate:       "date",
	TypeString:     "string",
	TypeBinary:     "binary",
	TypeFd:         "fd",
	TypeDictionary: "dictionary",
	TypeArray:      "array",
	TypeError:      "error",
}

// String returns the wire-level name of the type. The null type is
// named "null" here; the typing layer maps it to "nulltype" when it
// needs a type-table name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Object is a refcounted tagged value. Values of container kinds own
// references to their children; releasing the last reference to a
// container releases the children too. An Object may carry an opaque
// type-instance annotation assigned by the typing layer.
type Object struct {
	typ     Type
	refcnt  int32
	boolval bool
	uintval uint64
	intval  int64
	dblval  float64
	dateval time.Time
	strval  string
	binval  []byte
	bincopy bool
	fdval   int
	fdowned bool
	dict    *dictValue
	list    []*Object
	errval  *ErrorValue

	// typei is assigned by the typing layer; the object model treats
	// it as opaque.
	typei interface{}

	// line carries the source line number when the object was decoded
	// from an IDL document.
	line int
}

// NewNull returns a new null object.
func NewNull() *Object {
	return &Object{typ: TypeNull, refcnt: 1}
}

// NewBool returns a new bool object.
func NewBool(v bool) *Object {
	return &Object{typ: TypeBool, refcnt: 1, boolval: v}
}

// NewUint64 returns a new uint64 object.
func NewUint64(v uint64) *Object {
	return &Object{typ: TypeUint64, refcnt: 1, uintval: v}
}

// NewInt64 returns a new int64 object.
func NewInt64(v int64) *Object {
	return &Object{typ: TypeInt64, refcnt: 1, intval: v}
}

// NewDouble returns a new double object.
func NewDouble(v float64) *Object {
	return &Object{typ: TypeDouble, refcnt: 1, dblval: v}
}

// NewDate returns a new date object. Dates carry whole-second
// precision; sub-second components are truncated.
func NewDate(v time.Time) *Object {
	return &Object{typ: TypeDate, refcnt: 1, dateval: v.Truncate(time.Second)}
}

// NewDateSeconds returns a new date object from seconds since the
// Unix epoch.
func NewDateSeconds(secs int64) *Object {
	return &Object{typ: TypeDate, refcnt: 1, dateval: time.Unix(secs, 0).UTC()}
}

// NewString returns a new string object.
func NewString(v string) *Object {
	return &Object{typ: TypeString, refcnt: 1, strval: v}
}

// NewBinary returns a new binary object. If copied is true the buffer
// is duplicated; otherwise the object borrows the caller's storage,
// which must outlive it.
func NewBinary(v []byte, copied bool) *Object {
	o := &Object{typ: TypeBinary, refcnt: 1, bincopy: copied}
	if copied {
		o.binval = append([]byte(nil), v...)
	} else {
		o.binval = v
	}
	return o
}

// NewFd returns a new file descriptor object. Ownership of the
// descriptor transfers to the object; it is closed on last release.
func NewFd(fd int) *Object {
	return &Object{typ: TypeFd, refcnt: 1, fdval: fd, fdowned: true}
}

// NewDictionary returns a new empty dictionary object.
func NewDictionary() *Object {
	return &Object{typ: TypeDictionary, refcnt: 1, dict: newDictValue()}
}

// NewArray returns a new empty array object.
func NewArray() *Object {
	return &Object{typ: TypeArray, refcnt: 1}
}

// Type returns the kind of the object.
func (o *Object) Type() Type {
	return o.typ
}

// Retain increments the reference count and returns the object.
func (o *Object) Retain() *Object {
	if o == nil {
		return nil
	}
	atomic.AddInt32(&o.refcnt, 1)
	return o
}

// Release decrements the reference count. When the count reaches zero
// the object's children are released and any owned file descriptor is
// closed.
func (o *Object) Release() {
	if o == nil {
		return
	}
	if atomic.AddInt32(&o.refcnt, -1) > 0 {
		return
	}
	switch o.typ {
	case TypeArray:
		for _, child := range o.list {
			child.Release()
		}
		o.list = nil
	case TypeDictionary:
		for _, ent := range o.dict.entries {
			ent.value.Release()
		}
		o.dict = newDictValue()
	case TypeFd:
		if o.fdowned && o.fdval >= 0 {
			unix.Close(o.fdval)
			o.fdval = -1
		}
	case TypeError:
		if o.errval != nil {
			o.errval.Extra.Release()
			o.errval.Stack.Release()
		}
	}
}

// Refcount returns the current reference count. It is only meant for
// tests and diagnostics.
func (o *Object) Refcount() int {
	return int(atomic.LoadInt32(&o.refcnt))
}

// Bool returns the boolean value, or false for other kinds.
func (o *Object) Bool() bool {
	return o.typ == TypeBool && o.boolval
}

// Uint returns the uint64 value. Int64 values are converted when
// non-negative.
func (o *Object) Uint() uint64 {
	switch o.typ {
	case TypeUint64:
		return o.uintval
	case TypeInt64:
		if o.intval >= 0 {
			return uint64(o.intval)
		}
	}
	return 0
}

// Int returns the int64 value. Uint64 values are converted when they
// fit.
func (o *Object) Int() int64 {
	switch o.typ {
	case TypeInt64:
		return o.intval
	case TypeUint64:
		if o.uintval <= 1<<63-1 {
			return int64(o.uintval)
		}
	}
	return 0
}

// Double returns the double value, or 0 for other kinds.
func (o *Object) Double() float64 {
	if o.typ == TypeDouble {
		return o.dblval
	}
	return 0
}

// Date returns the date value, or the zero time for other kinds.
func (o *Object) Date() time.Time {
	if o.typ == TypeDate {
		return o.dateval
	}
	return time.Time{}
}

// String returns the string value for string objects; for other kinds
// it returns a diagnostic rendering.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.typ == TypeString {
		return o.strval
	}
	return o.describe()
}

// Bytes returns the binary buffer, or nil for other kinds.
func (o *Object) Bytes() []byte {
	if o.typ == TypeBinary {
		return o.binval
	}
	return nil
}

// Fd returns the file descriptor, or -1 for other kinds.
func (o *Object) Fd() int {
	if o.typ == TypeFd {
		return o.fdval
	}
	return -1
}

// StealFd returns the file descriptor and relinquishes ownership, so
// the final release no longer closes it.
func (o *Object) StealFd() int {
	if o.typ != TypeFd {
		return -1
	}
	o.fdowned = false
	return o.fdval
}

// TypeInstance returns the typing-layer annotation, if any.
func (o *Object) TypeInstance() interface{} {
	if o == nil {
		return nil
	}
	return o.typei
}

// SetTypeInstance attaches a typing-layer annotation.
func (o *Object) SetTypeInstance(ti interface{}) {
	o.typei = ti
}

// Line returns the source line number recorded at decode time, or 0.
func (o *Object) Line() int {
	return o.line
}

// SetLine records the source line number for diagnostics.
func (o *Object) SetLine(n int) {
	o.line = n
}

// Copy returns a new object with refcount 1 carrying the same value.
// Container copies are shallow: the children are shared and
// re-retained. The type-instance annotation is not carried over.
func (o *Object) Copy() *Object {
	if o == nil {
		return nil
	}
	switch o.typ {
	case TypeArray:
		c := NewArray()
		for _, child := range o.list {
			c.list = append(c.list, child.Retain())
		}
		return c
	case TypeDictionary:
		c := NewDictionary()
		for _, ent := range o.dict.entries {
			c.dict.set(ent.key, ent.value.Retain())
		}
		return c
	case TypeBinary:
		return NewBinary(o.binval, true)
	case TypeError:
		c := &Object{typ: TypeError, refcnt: 1}
		c.errval = &ErrorValue{
			Code:    o.errval.Code,
			Message: o.errval.Message,
			Extra:   o.errval.Extra.Retain(),
			Stack:   o.errval.Stack.Retain(),
		}
		return c
	case TypeFd:
		// Descriptor ownership cannot be duplicated without dup(2);
		// the copy borrows the original descriptor.
		return &Object{typ: TypeFd, refcnt: 1, fdval: o.fdval}
	default:
		c := *o
		c.refcnt = 1
		c.typei = nil
		return &c
	}
}

func (o *Object) describe() string {
	switch o.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		return fmt.Sprintf("%v", o.boolval)
	case TypeUint64:
		return fmt.Sprintf("%d", o.uintval)
	case TypeInt64:
		return fmt.Sprintf("%d", o.intval)
	case TypeDouble:
		return fmt.Sprintf("%g", o.dblval)
	case TypeDate:
		return o.dateval.UTC().Format(time.RFC3339)
	case TypeBinary:
		return fmt.Sprintf("binary[%d]", len(o.binval))
	case TypeFd:
		return fmt.Sprintf("fd:%d", o.fdval)
	case TypeArray:
		return fmt.Sprintf("array[%d]", len(o.list))
	case TypeDictionary:
		return fmt.Sprintf("dictionary[%d]", o.dict.len())
	case TypeError:
		return fmt.Sprintf("error[%d]: %s", o.errval.Code, o.errval.Message)
	}
	return "unknown"
}
