// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"fmt"
	stdtesting "testing"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/rpc"
	_ "github.com/twoporeguys/librpc/transport/loopback"
	"github.com/twoporeguys/librpc/typing"
)

func TestAll(t *stdtesting.T) {
	gc.TestingT(t)
}

const (
	shortWait = 100 * time.Millisecond
	longWait  = 5 * time.Second
)

type rpcSuite struct {
	testing.IsolationSuite
	ctx    *rpc.Context
	server *rpc.Server
	uri    string
}

var _ = gc.Suite(&rpcSuite{})

var uriCounter int

func (s *rpcSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	uriCounter++
	s.uri = fmt.Sprintf("loopback://suite-%d", uriCounter)
	s.ctx = rpc.NewContext()
	server, err := rpc.NewServer(s.uri, s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.server = server
	s.AddCleanup(func(c *gc.C) {
		s.server.Close()
		s.ctx.Close()
	})
}

func (s *rpcSuite) dial(c *gc.C, opts ...rpc.DialOption) *rpc.Connection {
	conn, err := rpc.Dial(s.uri, opts...)
	c.Assert(err, jc.ErrorIsNil)
	return conn
}

func (s *rpcSuite) TestPing(c *gc.C) {
	conn := s.dial(c)
	defer conn.Close()
	result, err := conn.CallSync("ping")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Type(), gc.Equals, object.TypeNull)
}

func (s *rpcSuite) TestCallStatusDone(c *gc.C) {
	conn := s.dial(c)
	defer conn.Close()
	call, err := conn.Call("ping", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(call.Wait(), gc.Equals, rpc.StatusDone)
}

func (s *rpcSuite) TestMethodNotFound(c *gc.C) {
	conn := s.dial(c)
	defer conn.Close()
	_, err := conn.CallSync("no-such-method")
	c.Assert(err, gc.NotNil)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENOENT)
}

func (s *rpcSuite) TestUnregisterMethod(c *gc.C) {
	s.ctx.RegisterFunc("temp", "", func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
		return nil, nil
	})
	c.Assert(s.ctx.UnregisterMethod("temp"), jc.ErrorIsNil)
	err := s.ctx.UnregisterMethod("temp")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENOENT)
}

func (s *rpcSuite) TestEcho(c *gc.C) {
	s.ctx.RegisterFunc("echo", "Returns its first argument",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			first, err := args.GetIndex(0)
			if err != nil {
				return nil, err
			}
			return first.Retain(), nil
		})
	conn := s.dial(c)
	defer conn.Close()

	arg := object.NewString("round and round")
	defer arg.Release()
	result, err := conn.CallSync("echo", arg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.String(), gc.Equals, "round and round")
}

func (s *rpcSuite) TestMethodError(c *gc.C) {
	s.ctx.RegisterFunc("fail", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			return nil, object.NewErrnoError(object.ERANGE, "out of range")
		})
	conn := s.dial(c)
	defer conn.Close()
	_, err := conn.CallSync("fail")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ERANGE)
}

func (s *rpcSuite) TestStreaming(c *gc.C) {
	s.ctx.RegisterFunc("stream", "Yields three values",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			for i := int64(1); i <= 3; i++ {
				v := object.NewInt64(i)
				err := call.Yield(v)
				v.Release()
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
	conn := s.dial(c)
	defer conn.Close()

	call, err := conn.Call("stream", nil, nil)
	c.Assert(err, jc.ErrorIsNil)

	var got []int64
	for {
		v, ok, err := call.Next()
		c.Assert(err, jc.ErrorIsNil)
		if !ok {
			break
		}
		got = append(got, v.Int())
		v.Release()
	}
	c.Assert(got, jc.DeepEquals, []int64{1, 2, 3})
	c.Assert(call.Status(), gc.Equals, rpc.StatusDone)
}

func (s *rpcSuite) TestStreamingFragmentCount(c *gc.C) {
	const n = 17
	s.ctx.RegisterFunc("count", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			for i := 0; i < n; i++ {
				v := object.NewInt64(int64(i))
				err := call.Yield(v)
				v.Release()
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
	conn := s.dial(c)
	defer conn.Close()

	call, err := conn.Call("count", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	fragments := 0
	for {
		v, ok, err := call.Next()
		c.Assert(err, jc.ErrorIsNil)
		if !ok {
			break
		}
		fragments++
		v.Release()
	}
	c.Assert(fragments, gc.Equals, n)
}

func (s *rpcSuite) TestCancellation(c *gc.C) {
	aborted := make(chan struct{})
	s.ctx.RegisterFunc("slow", "Sleeps until aborted",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			deadline := time.After(500 * time.Millisecond)
			for {
				select {
				case <-deadline:
					return nil, nil
				case <-time.After(5 * time.Millisecond):
					if call.Aborted() {
						close(aborted)
						return nil, object.NewErrnoError(object.ECANCELED, "aborted")
					}
				}
			}
		})
	conn := s.dial(c, rpc.WithTimeout(50*time.Millisecond))
	defer conn.Close()

	start := time.Now()
	_, err := conn.CallSync("slow")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ETIMEDOUT)

	select {
	case <-aborted:
		c.Assert(time.Since(start) < 300*time.Millisecond, jc.IsTrue)
	case <-time.After(longWait):
		c.Fatal("server never observed the abort")
	}
}

func (s *rpcSuite) TestAbort(c *gc.C) {
	started := make(chan struct{})
	s.ctx.RegisterFunc("hang", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			close(started)
			for !call.Aborted() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil, object.NewErrnoError(object.ECANCELED, "aborted")
		})
	conn := s.dial(c)
	defer conn.Close()

	call, err := conn.Call("hang", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	select {
	case <-started:
	case <-time.After(longWait):
		c.Fatal("method never started")
	}
	c.Assert(call.Abort(), jc.ErrorIsNil)
	c.Assert(call.Wait(), gc.Equals, rpc.StatusError)
	c.Assert(object.ErrnoCode(object.ObjectToError(call.ErrorObject())), gc.Equals, object.ECANCELED)
}

func (s *rpcSuite) TestDoubleRespondDropped(c *gc.C) {
	s.ctx.RegisterFunc("twice", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			first := object.NewString("first")
			call.Respond(first)
			first.Release()
			second := object.NewString("second")
			call.Respond(second)
			second.Release()
			return nil, nil
		})
	conn := s.dial(c)
	defer conn.Close()
	result, err := conn.CallSync("twice")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.String(), gc.Equals, "first")
}

func (s *rpcSuite) TestConnectionCloseFailsOutstanding(c *gc.C) {
	s.ctx.RegisterFunc("block", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			for !call.Aborted() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil, object.NewErrnoError(object.ECANCELED, "aborted")
		})
	conn := s.dial(c)
	call, err := conn.Call("block", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(conn.Close(), jc.ErrorIsNil)
	c.Assert(call.Wait(), gc.Equals, rpc.StatusError)
	c.Assert(object.ErrnoCode(object.ObjectToError(call.ErrorObject())), gc.Equals, object.ECONNRESET)
}

func (s *rpcSuite) TestCallAsyncCallback(c *gc.C) {
	conn := s.dial(c)
	defer conn.Close()
	done := make(chan rpc.CallStatus, 1)
	_, err := conn.Call("ping", nil, func(call *rpc.Call, status rpc.CallStatus, value *object.Object) {
		done <- status
	})
	c.Assert(err, jc.ErrorIsNil)
	select {
	case status := <-done:
		c.Assert(status, gc.Equals, rpc.StatusDone)
	case <-time.After(longWait):
		c.Fatal("callback never invoked")
	}
}

func (s *rpcSuite) TestEventBroadcast(c *gc.C) {
	conn1 := s.dial(c)
	defer conn1.Close()
	conn2 := s.dial(c)
	defer conn2.Close()

	events1 := make(chan int64, 2)
	events2 := make(chan int64, 2)
	unsub1 := conn1.Subscribe("/", "com.ex.Bus", "tick",
		func(path, iface, name string, args *object.Object) {
			events1 <- args.Int()
		})
	defer unsub1()
	unsub2 := conn2.Subscribe("/", "com.ex.Bus", "tick",
		func(path, iface, name string, args *object.Object) {
			events2 <- args.Int()
		})
	defer unsub2()

	// Let the subscribe frames land before broadcasting.
	time.Sleep(shortWait)

	payload := object.NewInt64(42)
	s.server.BroadcastEvent("/", "com.ex.Bus", "tick", payload)
	payload.Release()

	for i, ch := range []chan int64{events1, events2} {
		select {
		case v := <-ch:
			c.Assert(v, gc.Equals, int64(42), gc.Commentf("connection %d", i+1))
		case <-time.After(longWait):
			c.Fatalf("connection %d never saw the event", i+1)
		}
	}
	// Exactly one delivery each.
	select {
	case <-events1:
		c.Fatal("connection 1 saw a duplicate event")
	case <-events2:
		c.Fatal("connection 2 saw a duplicate event")
	case <-time.After(shortWait):
	}
}

func (s *rpcSuite) TestUnsubscribedEventNotDelivered(c *gc.C) {
	conn := s.dial(c)
	defer conn.Close()
	events := make(chan int64, 1)
	unsub := conn.Subscribe("/", "com.ex.Bus", "tick",
		func(path, iface, name string, args *object.Object) {
			events <- args.Int()
		})
	unsub()
	time.Sleep(shortWait)

	payload := object.NewInt64(7)
	s.server.BroadcastEvent("/", "com.ex.Bus", "tick", payload)
	payload.Release()

	select {
	case <-events:
		c.Fatal("unsubscribed connection saw an event")
	case <-time.After(shortWait):
	}
}

func (s *rpcSuite) TestServerConnectionEvents(c *gc.C) {
	arrived := make(chan struct{}, 1)
	terminated := make(chan struct{}, 1)
	s.server.SetEventHandler(func(conn *rpc.Connection, event rpc.ServerEvent) {
		switch event {
		case rpc.ConnectionArrived:
			arrived <- struct{}{}
		case rpc.ConnectionTerminated:
			terminated <- struct{}{}
		}
	})
	conn := s.dial(c)
	select {
	case <-arrived:
	case <-time.After(longWait):
		c.Fatal("no arrival event")
	}
	conn.Close()
	select {
	case <-terminated:
	case <-time.After(longWait):
		c.Fatal("no termination event")
	}
}

func (s *rpcSuite) TestServerCloseDrains(c *gc.C) {
	conn := s.dial(c)
	_, err := conn.CallSync("ping")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.server.Close(), jc.ErrorIsNil)
	select {
	case <-conn.Dead():
	case <-time.After(longWait):
		c.Fatal("client connection not torn down")
	}
	c.Assert(s.server.Connections(), gc.HasLen, 0)

	// A second close fails: the server is no longer attached.
	c.Assert(s.server.Close(), gc.NotNil)
}

func (s *rpcSuite) TestUnknownScheme(c *gc.C) {
	_, err := rpc.Dial("bogus://nowhere")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENXIO)
	_, err = rpc.NewServer("bogus://nowhere", s.ctx)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENXIO)
}

type typedSuite struct {
	testing.IsolationSuite
	ctx     *rpc.Context
	typing  *typing.Context
	server  *rpc.Server
	uri     string
	invoked bool
}

var _ = gc.Suite(&typedSuite{})

const calcIDL = `
meta:
  version: 1
  namespace: com.ex

interface Calc:
  method add:
    args:
      - name: a
        type: int64
      - name: b
        type: int64
    return:
      type: int64
`

func (s *typedSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.invoked = false

	s.typing = typing.NewContext()
	err := s.typing.LoadString("calc.yaml", []byte(calcIDL))
	c.Assert(err, jc.ErrorIsNil)

	s.ctx = rpc.NewContext()
	s.ctx.SetTyping(s.typing)
	root := s.ctx.RegisterInstance("/")
	root.RegisterInterface("com.ex.Calc", map[string]rpc.MethodFunc{
		"add": func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			s.invoked = true
			a, err := args.GetIndex(0)
			if err != nil {
				return nil, err
			}
			b, err := args.GetIndex(1)
			if err != nil {
				return nil, err
			}
			return object.NewInt64(a.Int() + b.Int()), nil
		},
	})

	uriCounter++
	s.uri = fmt.Sprintf("loopback://typed-%d", uriCounter)
	server, err := rpc.NewServer(s.uri, s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	s.server = server
	s.AddCleanup(func(c *gc.C) {
		s.server.Close()
		s.ctx.Close()
	})
}

func (s *typedSuite) TestTypedCall(c *gc.C) {
	conn, err := rpc.Dial(s.uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	a := object.NewInt64(2)
	defer a.Release()
	b := object.NewInt64(3)
	defer b.Release()
	result, err := conn.CallSyncInterface("/", "com.ex.Calc", "add", a, b)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Int(), gc.Equals, int64(5))
	c.Assert(s.invoked, jc.IsTrue)
}

func (s *typedSuite) TestValidationFailure(c *gc.C) {
	conn, err := rpc.Dial(s.uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	a := object.NewString("x")
	defer a.Release()
	b := object.NewInt64(3)
	defer b.Release()
	args := object.NewArray()
	defer args.Release()
	args.Append(a)
	args.Append(b)

	call, err := conn.StartCall("/", "com.ex.Calc", "add", args, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(call.Wait(), gc.Equals, rpc.StatusError)

	errObj := call.ErrorObject()
	c.Assert(errObj, gc.NotNil)
	ev := errObj.ErrorValue()
	c.Assert(ev.Code, gc.Equals, object.EINVAL)
	c.Assert(ev.Extra, gc.NotNil)
	c.Assert(ev.Extra.Len(), gc.Equals, 1)
	first, err := ev.Extra.GetIndex(0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(first.GetString("path"), gc.Equals, ".0")
	c.Assert(first.GetString("message"), gc.Equals,
		"Incompatible type string, should be int64")

	// The implementation must not run on validation failure.
	c.Assert(s.invoked, jc.IsFalse)
}

func (s *typedSuite) TestIDLDownload(c *gc.C) {
	s.ctx.AllowIDLDownload(s.typing)

	conn, err := rpc.Dial(s.uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	fresh := typing.NewContext()
	err = rpc.DownloadIDL(conn, fresh)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fresh.GetInterface("com.ex.Calc"), gc.NotNil)
}
