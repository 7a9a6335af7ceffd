// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"sync"

	"github.com/twoporeguys/librpc/object"
)

// InboundCall is the server-side handle tracking one received call
// for its whole lifetime. A method implementation either returns a
// single result or produces a fragment stream with Yield.
type InboundCall struct {
	conn *Connection
	id   uint64

	path   string
	iface  string
	name   string
	args   *object.Object
	method *Method

	mu            sync.Mutex
	cond          *sync.Cond
	producerSeqno uint64
	consumerSeqno uint64
	streaming     bool
	responded     bool
	ended         bool
	aborted       bool
}

func newInboundCall(conn *Connection, id uint64, path, iface, name string, args *object.Object) *InboundCall {
	ic := &InboundCall{
		conn:  conn,
		id:    id,
		path:  path,
		iface: iface,
		name:  name,
		args:  args.Retain(),
	}
	ic.cond = sync.NewCond(&ic.mu)
	return ic
}

// ID returns the call id assigned by the peer.
func (ic *InboundCall) ID() uint64 { return ic.id }

// Path returns the addressed instance path.
func (ic *InboundCall) Path() string { return ic.path }

// Interface returns the addressed interface name, possibly empty.
func (ic *InboundCall) Interface() string { return ic.iface }

// Name returns the invoked method name.
func (ic *InboundCall) Name() string { return ic.name }

// Args returns the call argument array.
func (ic *InboundCall) Args() *object.Object { return ic.args }

// Connection returns the connection the call arrived on.
func (ic *InboundCall) Connection() *Connection { return ic.conn }

// Aborted reports whether the peer cancelled the call.
func (ic *InboundCall) Aborted() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.aborted
}

// Yield emits one stream fragment and blocks until the consumer
// requests the next one or the call is aborted. It returns an
// ECANCELED error once aborted, which the producer uses to unwind.
func (ic *InboundCall) Yield(value *object.Object) error {
	ic.mu.Lock()
	if ic.aborted {
		ic.mu.Unlock()
		return object.NewErrnoError(object.ECANCELED, "call aborted")
	}
	if ic.ended || ic.responded {
		ic.mu.Unlock()
		return object.NewErrnoError(object.EINVAL, "call already finished")
	}
	ic.streaming = true
	seqno := ic.producerSeqno
	ic.producerSeqno++
	ic.mu.Unlock()

	ic.conn.sendFragment(ic.id, seqno, value)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	for ic.consumerSeqno < ic.producerSeqno && !ic.aborted {
		ic.cond.Wait()
	}
	if ic.aborted {
		return object.NewErrnoError(object.ECANCELED, "call aborted")
	}
	return nil
}

// Respond sends the single result of a non-streaming call. A second
// response on the same call is dropped and debug-logged.
func (ic *InboundCall) Respond(result *object.Object) {
	ic.mu.Lock()
	if ic.responded || ic.ended {
		ic.mu.Unlock()
		logger.Debugf("dropping duplicate response for call %d", ic.id)
		return
	}
	ic.responded = true
	ic.mu.Unlock()
	ic.conn.sendResponse(ic.id, result)
	ic.conn.closeInboundCall(ic)
}

// End closes a fragment stream successfully.
func (ic *InboundCall) End() {
	ic.mu.Lock()
	if ic.responded || ic.ended {
		ic.mu.Unlock()
		logger.Debugf("dropping duplicate end for call %d", ic.id)
		return
	}
	ic.ended = true
	seqno := ic.producerSeqno
	ic.mu.Unlock()
	ic.conn.sendEnd(ic.id, seqno)
	ic.conn.closeInboundCall(ic)
}

// SendError terminates the call with an error object.
func (ic *InboundCall) SendError(errObj *object.Object) {
	ic.mu.Lock()
	if ic.responded || ic.ended {
		ic.mu.Unlock()
		logger.Debugf("dropping duplicate error for call %d", ic.id)
		return
	}
	ic.responded = true
	ic.mu.Unlock()
	ic.conn.sendError(ic.id, errObj)
	ic.conn.closeInboundCall(ic)
}

// SendErrorf terminates the call with a fresh error object.
func (ic *InboundCall) SendErrorf(code int, format string, args ...interface{}) {
	errObj := object.NewErrorf(code, format, args...)
	ic.SendError(errObj)
	errObj.Release()
}

// handleContinue acknowledges one consumed fragment, waking the
// producer blocked in Yield. Continues arriving after the stream
// finished are ignored.
func (ic *InboundCall) handleContinue() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.ended || ic.responded {
		return
	}
	ic.consumerSeqno++
	ic.cond.Broadcast()
}

// abort marks the call cancelled and wakes a blocked producer; the
// next Yield returns ECANCELED.
func (ic *InboundCall) abort() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.aborted {
		return
	}
	ic.aborted = true
	ic.cond.Broadcast()
}

// release drops the call's argument reference once it is retired.
func (ic *InboundCall) release() {
	if ic.args != nil {
		ic.args.Release()
		ic.args = nil
	}
}
