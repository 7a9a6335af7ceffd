// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpc implements the call engine: connections driving
// outbound calls (one-shot and streaming), servers routing inbound
// calls into a context's worker pool, and event delivery.
package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/serializer"
	"github.com/twoporeguys/librpc/transport"
	"github.com/twoporeguys/librpc/typing"
)

var logger = loggo.GetLogger("librpc.rpc")

// DefaultSerializer names the codec used for frames unless a dial
// option overrides it.
const DefaultSerializer = "msgpack"

// EventHandler observes events received for a subscribed tuple.
type EventHandler func(path, iface, name string, args *object.Object)

// ErrorHandler observes connection-level failures.
type ErrorHandler func(err error)

// Connection is one RPC endpoint: it tracks outstanding outbound
// calls, inbound calls being served, event subscriptions, and the
// framing link obtained from the transport.
type Connection struct {
	id     string
	uri    string
	server *Server
	rpcCtx *Context
	typing *typing.Context
	ser    serializer.Serializer
	clock  clock.Clock

	link transport.Link

	sending sync.Mutex

	mu       sync.Mutex
	seq      uint64
	calls    map[uint64]*Call
	inbound  map[uint64]*InboundCall
	closed   bool
	creds    *transport.Credentials
	timeout  time.Duration
	errorCb  ErrorHandler
	dead     chan struct{}
	deadOnce sync.Once

	subMu    sync.Mutex
	subs     set.Strings
	peerSubs set.Strings
	hub      *pubsub.SimpleHub
}

// DialOption adjusts a client connection before it starts.
type DialOption func(*Connection)

// WithSerializer selects the frame codec by name.
func WithSerializer(name string) DialOption {
	return func(c *Connection) {
		if s, err := serializer.Lookup(name); err == nil {
			c.ser = s
		}
	}
}

// WithTyping attaches a typing context used to annotate frames.
func WithTyping(t *typing.Context) DialOption {
	return func(c *Connection) {
		c.typing = t
	}
}

// WithTimeout sets the default outbound call timeout; zero means no
// timeout.
func WithTimeout(d time.Duration) DialOption {
	return func(c *Connection) {
		c.timeout = d
	}
}

// WithClock overrides the clock used for call timeouts.
func WithClock(clk clock.Clock) DialOption {
	return func(c *Connection) {
		c.clock = clk
	}
}

// WithContext attaches a serving context, letting the peer call
// methods on this connection too.
func WithContext(ctx *Context) DialOption {
	return func(c *Connection) {
		c.rpcCtx = ctx
	}
}

func newConnection(uri string) *Connection {
	c := &Connection{
		id:       uuid.New().String(),
		uri:      uri,
		clock:    clock.WallClock,
		calls:    make(map[uint64]*Call),
		inbound:  make(map[uint64]*InboundCall),
		subs:     set.NewStrings(),
		peerSubs: set.NewStrings(),
		hub:      pubsub.NewSimpleHub(nil),
		dead:     make(chan struct{}),
	}
	s, err := serializer.Lookup(DefaultSerializer)
	if err != nil {
		panic(err)
	}
	c.ser = s
	return c
}

// Dial connects to a URI, resolving the transport by scheme. The
// returned connection is running and ready to issue calls.
func Dial(uri string, opts ...DialOption) (*Connection, error) {
	t, err := transport.Lookup(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn := newConnection(uri)
	for _, opt := range opts {
		opt(conn)
	}
	link, err := t.Connect(uri, nil, conn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn.link = link
	return conn, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// URI returns the URI the connection was created from.
func (c *Connection) URI() string {
	return c.uri
}

// Credentials returns the peer identity, or nil when the transport
// supplied none. It is set after the first inbound message.
func (c *Connection) Credentials() *transport.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// SetErrorHandler installs an observer for connection failures.
func (c *Connection) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCb = h
}

// Dead returns a channel closed when the connection has terminated.
func (c *Connection) Dead() <-chan struct{} {
	return c.dead
}

// StartCall issues a call addressed to an instance path, interface
// and method. The callback, when non-nil, observes every transition.
func (c *Connection) StartCall(path, iface, method string, args *object.Object, cb Callback) (*Call, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, object.NewErrnoError(object.ECONNRESET, "connection is closed")
	}
	c.seq++
	id := c.seq
	call := newCall(c, id, path, iface, method, cb)
	c.calls[id] = call
	timeout := c.timeout
	c.mu.Unlock()

	frame := newFrame(frameCall, id)
	frameSetString(frame, "path", path)
	frameSetString(frame, "interface", iface)
	frameSetString(frame, "method", method)
	sendArgs := args
	if sendArgs == nil {
		sendArgs = object.NewArray()
		defer sendArgs.Release()
	}
	if c.typing != nil {
		serialized, err := c.typing.Serialize(sendArgs)
		if err == nil {
			frame.Set("args", serialized)
			serialized.Release()
		} else {
			frame.Set("args", sendArgs)
		}
	} else {
		frame.Set("args", sendArgs)
	}

	if err := c.sendFrame(frame); err != nil {
		frame.Release()
		c.forgetCall(id)
		return nil, errors.Trace(err)
	}
	frame.Release()
	call.startTimeout(timeout)
	return call, nil
}

// Call issues a call with the default path and no interface
// qualification.
func (c *Connection) Call(method string, args *object.Object, cb Callback) (*Call, error) {
	return c.StartCall("/", "", method, args, cb)
}

// CallSync issues a call and blocks for its single result. Streaming
// calls return the call handle error described in Call.Result.
func (c *Connection) CallSync(method string, args ...*object.Object) (*object.Object, error) {
	argArray := object.NewArray()
	defer argArray.Release()
	for _, arg := range args {
		argArray.Append(arg)
	}
	call, err := c.Call(method, argArray, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return call.Result()
}

// CallSyncInterface is CallSync with explicit path and interface
// addressing.
func (c *Connection) CallSyncInterface(path, iface, method string, args ...*object.Object) (*object.Object, error) {
	argArray := object.NewArray()
	defer argArray.Release()
	for _, arg := range args {
		argArray.Append(arg)
	}
	call, err := c.StartCall(path, iface, method, argArray, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return call.Result()
}

// Subscribe registers interest in an event tuple: the tuple is added
// to the local subscription set, the peer is informed, and handler
// runs for every matching event. The returned closure cancels the
// registration.
func (c *Connection) Subscribe(path, iface, name string, handler EventHandler) func() {
	topic := eventTopic(path, iface, name)
	c.subMu.Lock()
	c.subs.Add(topic)
	c.subMu.Unlock()

	frame := newFrame(frameSubscribe, 0)
	frameSetString(frame, "path", path)
	frameSetString(frame, "interface", iface)
	frameSetString(frame, "name", name)
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send subscribe frame: %v", err)
	}
	frame.Release()

	unsub := c.hub.Subscribe(topic, func(topic string, data interface{}) {
		args, ok := data.(*object.Object)
		if !ok {
			return
		}
		handler(path, iface, name, args)
	})
	return func() {
		unsub()
		c.subMu.Lock()
		c.subs.Remove(topic)
		c.subMu.Unlock()
		frame := newFrame(frameUnsubscribe, 0)
		frameSetString(frame, "path", path)
		frameSetString(frame, "interface", iface)
		frameSetString(frame, "name", name)
		if err := c.sendFrame(frame); err != nil {
			logger.Debugf("cannot send unsubscribe frame: %v", err)
		}
		frame.Release()
	}
}

// SendEvent emits a one-way event frame on this connection.
func (c *Connection) SendEvent(path, iface, name string, args *object.Object) error {
	frame := newFrame(frameEvent, 0)
	frameSetString(frame, "path", path)
	frameSetString(frame, "interface", iface)
	frameSetString(frame, "name", name)
	if args != nil {
		frame.Set("args", args)
	}
	err := c.sendFrame(frame)
	frame.Release()
	return errors.Trace(err)
}

// PeerSubscribed reports whether the peer declared interest in the
// tuple. A peer that never subscribed to anything is assumed to want
// everything.
func (c *Connection) PeerSubscribed(path, iface, name string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.peerSubs.IsEmpty() {
		return true
	}
	return c.peerSubs.Contains(eventTopic(path, iface, name))
}

// Close tears the connection down: outstanding outbound calls fail
// with ECONNRESET, inbound calls are aborted and the link is closed.
func (c *Connection) Close() error {
	return c.shutdown(nil, true)
}

func (c *Connection) shutdown(cause error, closeLink bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		calls = append(calls, call)
	}
	c.calls = make(map[uint64]*Call)
	inbound := make([]*InboundCall, 0, len(c.inbound))
	for _, ic := range c.inbound {
		inbound = append(inbound, ic)
	}
	c.inbound = make(map[uint64]*InboundCall)
	server := c.server
	errorCb := c.errorCb
	c.mu.Unlock()

	for _, call := range calls {
		call.setError(object.NewError(object.ECONNRESET, "Connection closed", nil))
	}
	for _, ic := range inbound {
		ic.abort()
	}
	if closeLink && c.link != nil {
		if err := c.link.Close(); err != nil {
			logger.Debugf("error closing link: %v", err)
		}
	}
	if cause != nil && errorCb != nil {
		errorCb(cause)
	}
	if server != nil {
		server.connectionTerminated(c)
	}
	c.deadOnce.Do(func() { close(c.dead) })
	return nil
}

// RecvMessage implements transport.Endpoint: it decodes one frame and
// dispatches it. It runs on the transport's read loop.
func (c *Connection) RecvMessage(data []byte, fds []int, creds *transport.Credentials) {
	if creds != nil {
		c.mu.Lock()
		if c.creds == nil {
			c.creds = creds
		}
		c.mu.Unlock()
	}
	frame, err := c.ser.Unmarshal(data)
	if err != nil {
		logger.Errorf("cannot decode frame: %v", err)
		return
	}
	defer frame.Release()
	c.dispatchFrame(frame)
}

// Closed implements transport.Endpoint.
func (c *Connection) Closed(err error) {
	if err != nil {
		logger.Debugf("connection %s closed: %v", c.id, err)
	}
	c.shutdown(err, false)
}

func (c *Connection) dispatchFrame(frame *object.Object) {
	kind := frameKind(frame)
	id := frameID(frame)
	logger.Tracef("connection %s: %s frame, id %d", c.id, kind, id)
	switch kind {
	case frameCall:
		c.handleCall(frame, id)
	case frameResponse:
		if call := c.takeCall(id); call != nil {
			result := c.inboundValue(frame.Get("result"))
			call.handleResponse(result)
			result.Release()
		}
	case frameFragment:
		if call := c.lookupCall(id); call != nil {
			value := c.inboundValue(frame.Get("value"))
			call.handleFragment(frameSeqno(frame), value)
			value.Release()
		}
	case frameEnd:
		if call := c.takeCall(id); call != nil {
			call.handleEnd()
		}
	case frameError:
		errObj := frameErrorObject(frame)
		if ic := c.takeInbound(id); ic != nil {
			// An error frame for a call we are serving cancels it.
			ic.abort()
			ic.release()
		} else if call := c.takeCall(id); call != nil {
			call.setError(errObj)
			return
		}
		errObj.Release()
	case frameContinue:
		c.mu.Lock()
		ic := c.inbound[id]
		c.mu.Unlock()
		if ic != nil {
			ic.handleContinue()
		}
	case frameAbort:
		c.mu.Lock()
		ic := c.inbound[id]
		c.mu.Unlock()
		if ic != nil {
			ic.abort()
			return
		}
		if call := c.takeCall(id); call != nil {
			call.setError(object.NewError(object.ECANCELED, "Call aborted by peer", nil))
			return
		}
		logger.Debugf("abort for unknown call %d ignored", id)
	case frameEvent:
		c.handleEvent(frame)
	case frameSubscribe, frameUnsubscribe:
		topic := eventTopic(frame.GetString("path"),
			frame.GetString("interface"), frame.GetString("name"))
		c.subMu.Lock()
		if kind == frameSubscribe {
			c.peerSubs.Add(topic)
		} else {
			c.peerSubs.Remove(topic)
		}
		c.subMu.Unlock()
	default:
		logger.Debugf("unknown frame type %q ignored", kind)
	}
}

func (c *Connection) handleCall(frame *object.Object, id uint64) {
	c.mu.Lock()
	ctx := c.rpcCtx
	c.mu.Unlock()
	if ctx == nil {
		errObj := object.NewError(object.ENOTSUP, "Connection does not serve calls", nil)
		c.sendError(id, errObj)
		errObj.Release()
		return
	}
	args := c.inboundValue(frame.Get("args"))
	defer args.Release()
	ic := newInboundCall(c, id,
		frame.GetString("path"),
		frame.GetString("interface"),
		frame.GetString("method"), args)
	c.mu.Lock()
	c.inbound[id] = ic
	c.mu.Unlock()
	if err := ctx.Dispatch(ic); err != nil {
		c.takeInbound(id)
		ic.SendErrorf(object.ErrnoCode(err), "%v", err)
		ic.release()
	}
}

func (c *Connection) handleEvent(frame *object.Object) {
	path := frame.GetString("path")
	iface := frame.GetString("interface")
	name := frame.GetString("name")
	topic := eventTopic(path, iface, name)
	c.subMu.Lock()
	subscribed := c.subs.Contains(topic)
	c.subMu.Unlock()
	if !subscribed {
		logger.Tracef("event %s not subscribed, dropped", topic)
		return
	}
	args := c.inboundValue(frame.Get("args"))
	wait := c.hub.Publish(topic, args)
	go func() {
		// The reference is dropped once every subscriber has run.
		wait()
		args.Release()
	}()
}

// inboundValue applies typed deserialization to a received value.
// Without a typing context values pass through unchanged.
func (c *Connection) inboundValue(v *object.Object) *object.Object {
	if v == nil {
		return object.NewNull()
	}
	if c.typing == nil {
		return v.Retain()
	}
	decoded, err := c.typing.Deserialize(v)
	if err != nil {
		logger.Debugf("typed deserialization failed: %v", err)
		return v.Retain()
	}
	return decoded
}

func (c *Connection) lookupCall(id uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.calls[id]
	if call == nil {
		logger.Debugf("frame for unknown call %d ignored", id)
	}
	return call
}

// takeCall removes and returns the pending call; terminal frames use
// it so nothing is ever delivered for an id after its terminal frame.
func (c *Connection) takeCall(id uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.calls[id]
	delete(c.calls, id)
	if call == nil {
		logger.Debugf("terminal frame for unknown call %d ignored", id)
	}
	return call
}

func (c *Connection) takeInbound(id uint64) *InboundCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	ic := c.inbound[id]
	delete(c.inbound, id)
	return ic
}

func (c *Connection) forgetCall(id uint64) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Connection) closeInboundCall(ic *InboundCall) {
	c.mu.Lock()
	delete(c.inbound, ic.id)
	c.mu.Unlock()
	ic.release()
}

// Send helpers. The sending mutex ensures frames are written whole;
// outbound values are typed-serialized when a typing context is
// attached.

func (c *Connection) sendFrame(frame *object.Object) error {
	data, err := c.ser.Marshal(frame)
	if err != nil {
		return errors.Trace(err)
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.link == nil {
		return object.NewErrnoError(object.ECONNRESET, "connection has no link")
	}
	return c.link.SendMessage(data, nil)
}

func (c *Connection) outboundValue(v *object.Object) *object.Object {
	if v == nil {
		return object.NewNull()
	}
	if c.typing == nil {
		return v.Retain()
	}
	encoded, err := c.typing.Serialize(v)
	if err != nil {
		logger.Debugf("typed serialization failed: %v", err)
		return v.Retain()
	}
	return encoded
}

func (c *Connection) sendResponse(id uint64, result *object.Object) {
	frame := newFrame(frameResponse, id)
	value := c.outboundValue(result)
	frame.Set("result", value)
	value.Release()
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send response for call %d: %v", id, err)
	}
	frame.Release()
}

func (c *Connection) sendFragment(id, seqno uint64, value *object.Object) {
	frame := newFrame(frameFragment, id)
	frameSetUint(frame, "seqno", seqno)
	encoded := c.outboundValue(value)
	frame.Set("value", encoded)
	encoded.Release()
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send fragment for call %d: %v", id, err)
	}
	frame.Release()
}

func (c *Connection) sendEnd(id, seqno uint64) {
	frame := newFrame(frameEnd, id)
	frameSetUint(frame, "seqno", seqno)
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send end for call %d: %v", id, err)
	}
	frame.Release()
}

func (c *Connection) sendError(id uint64, errObj *object.Object) {
	frame := newFrame(frameError, id)
	frame.Set("error", errObj)
	ev := errObj.ErrorValue()
	if ev != nil {
		// Duplicate the fields for decoders without the error
		// extension.
		code := object.NewInt64(int64(ev.Code))
		frame.Set("code", code)
		code.Release()
		frameSetString(frame, "message", ev.Message)
		if ev.Extra != nil {
			frame.Set("extra", ev.Extra)
		}
	}
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send error for call %d: %v", id, err)
	}
	frame.Release()
}

func (c *Connection) sendContinue(id uint64) {
	frame := newFrame(frameContinue, id)
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send continue for call %d: %v", id, err)
	}
	frame.Release()
}

func (c *Connection) sendAbort(id uint64) {
	frame := newFrame(frameAbort, id)
	if err := c.sendFrame(frame); err != nil {
		logger.Debugf("cannot send abort for call %d: %v", id, err)
	}
	frame.Release()
}

func eventTopic(path, iface, name string) string {
	return path + "|" + iface + "|" + name
}
