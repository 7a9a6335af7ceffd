// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"sync"
	"time"

	"github.com/twoporeguys/librpc/object"
)

// CallStatus is the observable state of an outbound call.
type CallStatus int

const (
	StatusInProgress CallStatus = iota
	StatusMoreAvailable
	StatusDone
	StatusError
)

var statusNames = map[CallStatus]string{
	StatusInProgress:    "in_progress",
	StatusMoreAvailable: "more_available",
	StatusDone:          "done",
	StatusError:         "error",
}

// String returns the state name.
func (s CallStatus) String() string {
	return statusNames[s]
}

// Callback observes outbound call transitions. It is invoked once per
// transition with the current status and the latest result or
// fragment.
type Callback func(call *Call, status CallStatus, value *object.Object)

// Call is the handle tracking one outbound call. A call parked in
// in_progress moves to done on a response or end frame, to
// more_available on each fragment, and to error on an error frame,
// abort, timeout or transport failure; done and error are terminal.
type Call struct {
	conn   *Connection
	id     uint64
	path   string
	iface  string
	method string

	mu        sync.Mutex
	cond      *sync.Cond
	status    CallStatus
	result    *object.Object
	errObj    *object.Object
	fragments []*object.Object
	seqno     uint64
	callback  Callback
	timedOut  bool
}

func newCall(conn *Connection, id uint64, path, iface, method string, cb Callback) *Call {
	call := &Call{
		conn:     conn,
		id:       id,
		path:     path,
		iface:    iface,
		method:   method,
		status:   StatusInProgress,
		callback: cb,
	}
	call.cond = sync.NewCond(&call.mu)
	return call
}

// ID returns the per-connection sequence id assigned to the call.
func (call *Call) ID() uint64 {
	return call.id
}

// Method returns the invoked method name.
func (call *Call) Method() string {
	return call.method
}

// ErrorObject returns the error object of a call in the error state,
// or nil. Unlike Result's error return it preserves the extra
// payload, e.g. validation error arrays.
func (call *Call) ErrorObject() *object.Object {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.errObj
}

// Status returns the current state.
func (call *Call) Status() CallStatus {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.status
}

// Wait blocks until the call leaves in_progress and returns the state
// it settled in. For streaming calls that is more_available as soon
// as the first fragment arrives.
func (call *Call) Wait() CallStatus {
	call.mu.Lock()
	defer call.mu.Unlock()
	for call.status == StatusInProgress {
		call.cond.Wait()
	}
	return call.status
}

// Result waits for the call to settle and returns the terminal result
// for single-shot calls. Streaming calls are consumed with Next.
func (call *Call) Result() (*object.Object, error) {
	status := call.Wait()
	call.mu.Lock()
	defer call.mu.Unlock()
	switch status {
	case StatusDone:
		return call.result, nil
	case StatusError:
		return nil, object.ObjectToError(call.errObj)
	default:
		return nil, object.NewErrnoError(object.EINVAL,
			"call is streaming, consume it with Next")
	}
}

// Next advances a streaming call: it waits for a fragment, requests
// the following one from the peer, and returns the fragment. ok is
// false when the stream terminated; err is non-nil when it terminated
// with an error.
func (call *Call) Next() (value *object.Object, ok bool, err error) {
	call.mu.Lock()
	for len(call.fragments) == 0 &&
		call.status != StatusDone && call.status != StatusError {
		call.cond.Wait()
	}
	if len(call.fragments) > 0 {
		value = call.fragments[0]
		call.fragments = call.fragments[1:]
		call.mu.Unlock()
		// Ask the producer for the next fragment.
		call.conn.sendContinue(call.id)
		return value, true, nil
	}
	status := call.status
	errObj := call.errObj
	call.mu.Unlock()
	if status == StatusError {
		return nil, false, object.ObjectToError(errObj)
	}
	return nil, false, nil
}

// Abort cancels the call: the state becomes error(ECANCELED) and the
// peer is told to stop producing.
func (call *Call) Abort() error {
	call.mu.Lock()
	if call.status == StatusDone || call.status == StatusError {
		call.mu.Unlock()
		return nil
	}
	call.mu.Unlock()
	call.conn.sendAbort(call.id)
	call.setError(object.NewError(object.ECANCELED, "Call aborted", nil))
	call.conn.forgetCall(call.id)
	return nil
}

// startTimeout arms the call's expiry. On expiry the state becomes
// error(ETIMEDOUT) and the peer producer is aborted so the server
// side observes the cancellation promptly.
func (call *Call) startTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	clk := call.conn.clock
	go func() {
		select {
		case <-clk.After(timeout):
		case <-call.settled():
			return
		}
		call.mu.Lock()
		if call.status == StatusDone || call.status == StatusError {
			call.mu.Unlock()
			return
		}
		call.timedOut = true
		call.mu.Unlock()
		call.setError(object.NewError(object.ETIMEDOUT, "Call timed out", nil))
		call.conn.sendAbort(call.id)
		call.conn.forgetCall(call.id)
	}()
}

// settled returns a channel closed once the call reaches a terminal
// state.
func (call *Call) settled() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		call.mu.Lock()
		for call.status != StatusDone && call.status != StatusError {
			call.cond.Wait()
		}
		call.mu.Unlock()
		close(ch)
	}()
	return ch
}

// The handlers below run on the connection input loop.

func (call *Call) handleResponse(result *object.Object) {
	call.mu.Lock()
	if call.status == StatusDone || call.status == StatusError {
		call.mu.Unlock()
		return
	}
	call.result = result.Retain()
	call.status = StatusDone
	cb := call.callback
	call.cond.Broadcast()
	call.mu.Unlock()
	if cb != nil {
		cb(call, StatusDone, result)
	}
}

func (call *Call) handleFragment(seqno uint64, value *object.Object) {
	call.mu.Lock()
	if call.status == StatusDone || call.status == StatusError {
		call.mu.Unlock()
		return
	}
	call.seqno = seqno
	call.fragments = append(call.fragments, value.Retain())
	call.status = StatusMoreAvailable
	cb := call.callback
	call.cond.Broadcast()
	call.mu.Unlock()
	if cb != nil {
		cb(call, StatusMoreAvailable, value)
	}
}

func (call *Call) handleEnd() {
	call.mu.Lock()
	if call.status == StatusDone || call.status == StatusError {
		call.mu.Unlock()
		return
	}
	call.status = StatusDone
	cb := call.callback
	call.cond.Broadcast()
	call.mu.Unlock()
	if cb != nil {
		cb(call, StatusDone, nil)
	}
}

// setError drives the call to the error state; the callback fires
// exactly once.
func (call *Call) setError(errObj *object.Object) {
	call.mu.Lock()
	if call.status == StatusDone || call.status == StatusError {
		call.mu.Unlock()
		errObj.Release()
		return
	}
	call.errObj = errObj
	call.status = StatusError
	cb := call.callback
	call.cond.Broadcast()
	call.mu.Unlock()
	if cb != nil {
		cb(call, StatusError, errObj)
	}
}
