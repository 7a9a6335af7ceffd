// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"github.com/twoporeguys/librpc/object"
)

// Frame type tags. Frames travel as dictionaries with an "id" and a
// "type" key plus per-type payload keys; the encoding is chosen per
// connection.
const (
	frameCall        = "call"
	frameResponse    = "response"
	frameFragment    = "fragment"
	frameEnd         = "end"
	frameError       = "error"
	frameContinue    = "continue"
	frameAbort       = "abort"
	frameEvent       = "event"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// newFrame builds the common frame envelope. Terminal ownership of
// the returned dictionary rests with the caller.
func newFrame(kind string, id uint64) *object.Object {
	frame := object.NewDictionary()
	kindObj := object.NewString(kind)
	frame.Set("type", kindObj)
	kindObj.Release()
	if kind != frameEvent && kind != frameSubscribe && kind != frameUnsubscribe {
		idObj := object.NewUint64(id)
		frame.Set("id", idObj)
		idObj.Release()
	}
	return frame
}

func frameSetString(frame *object.Object, key, value string) {
	obj := object.NewString(value)
	frame.Set(key, obj)
	obj.Release()
}

func frameSetUint(frame *object.Object, key string, value uint64) {
	obj := object.NewUint64(value)
	frame.Set(key, obj)
	obj.Release()
}

func frameID(frame *object.Object) uint64 {
	id := frame.Get("id")
	if id == nil {
		return 0
	}
	return id.Uint()
}

func frameKind(frame *object.Object) string {
	return frame.GetString("type")
}

func frameSeqno(frame *object.Object) uint64 {
	seqno := frame.Get("seqno")
	if seqno == nil {
		return 0
	}
	return seqno.Uint()
}

// frameErrorObject extracts the error payload of an error frame,
// falling back to a generic EIO error for malformed ones.
func frameErrorObject(frame *object.Object) *object.Object {
	if errObj := frame.Get("error"); errObj != nil && errObj.Type() == object.TypeError {
		return errObj.Retain()
	}
	code := object.EIO
	if c := frame.Get("code"); c != nil {
		code = int(c.Int())
	}
	message := frame.GetString("message")
	if message == "" {
		message = "malformed error frame"
	}
	return object.NewError(code, message, frame.Get("extra"))
}
