// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
)

type dispatchSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&dispatchSuite{})

func (s *dispatchSuite) TestAbortForUnknownCallIgnored(c *gc.C) {
	conn := newConnection("loopback://dispatch")
	frame := newFrame(frameAbort, 9999)
	defer frame.Release()
	// Must not panic or fabricate state.
	conn.dispatchFrame(frame)
	c.Assert(conn.calls, gc.HasLen, 0)
	c.Assert(conn.inbound, gc.HasLen, 0)
}

func (s *dispatchSuite) TestContinueAfterEndIgnored(c *gc.C) {
	conn := newConnection("loopback://dispatch")
	ic := newInboundCall(conn, 1, "/", "", "m", object.NewNull())
	ic.ended = true
	conn.inbound[1] = ic
	frame := newFrame(frameContinue, 1)
	defer frame.Release()
	conn.dispatchFrame(frame)
	c.Assert(ic.consumerSeqno, gc.Equals, uint64(0))
}

func (s *dispatchSuite) TestTerminalFrameForUnknownCallIgnored(c *gc.C) {
	conn := newConnection("loopback://dispatch")
	for _, kind := range []string{frameResponse, frameEnd, frameError} {
		frame := newFrame(kind, 42)
		conn.dispatchFrame(frame)
		frame.Release()
	}
}

func (s *dispatchSuite) TestUnknownFrameKindIgnored(c *gc.C) {
	conn := newConnection("loopback://dispatch")
	frame := newFrame("gibberish", 1)
	defer frame.Release()
	conn.dispatchFrame(frame)
}

func (s *dispatchSuite) TestFrameIDsMonotonic(c *gc.C) {
	conn := newConnection("loopback://dispatch")
	conn.link = nopLink{}
	first, err := conn.StartCall("/", "", "a", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := conn.StartCall("/", "", "b", nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(second.ID() > first.ID(), jc.IsTrue)
}

func (s *dispatchSuite) TestFrameErrorObjectFallback(c *gc.C) {
	frame := newFrame(frameError, 1)
	code := object.NewInt64(int64(object.ENOENT))
	frame.Set("code", code)
	code.Release()
	frameSetString(frame, "message", "gone")
	defer frame.Release()

	errObj := frameErrorObject(frame)
	defer errObj.Release()
	ev := errObj.ErrorValue()
	c.Assert(ev.Code, gc.Equals, object.ENOENT)
	c.Assert(ev.Message, gc.Equals, "gone")
}

type nopLink struct{}

func (nopLink) SendMessage(data []byte, fds []int) error { return nil }
func (nopLink) Abort() error                             { return nil }
func (nopLink) Close() error                             { return nil }
