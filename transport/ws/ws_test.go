// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ws_test

import (
	"fmt"
	"net"
	stdtesting "testing"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/rpc"
	_ "github.com/twoporeguys/librpc/transport/ws"
)

func TestAll(t *stdtesting.T) {
	gc.TestingT(t)
}

type wsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&wsSuite{})

// freeAddr reserves an ephemeral port and releases it for the server
// under test to bind.
func freeAddr(c *gc.C) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func (s *wsSuite) TestWebsocketRoundTrip(c *gc.C) {
	uri := fmt.Sprintf("ws://%s/librpc", freeAddr(c))

	ctx := rpc.NewContext()
	defer ctx.Close()
	server, err := rpc.NewServer(uri, ctx)
	c.Assert(err, jc.ErrorIsNil)
	defer server.Close()

	conn, err := rpc.Dial(uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	result, err := conn.CallSync("ping")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Type(), gc.Equals, object.TypeNull)
}

func (s *wsSuite) TestStreamingOverWebsocket(c *gc.C) {
	uri := fmt.Sprintf("ws://%s/librpc", freeAddr(c))

	ctx := rpc.NewContext()
	defer ctx.Close()
	ctx.RegisterFunc("seq", "",
		func(call *rpc.InboundCall, args *object.Object) (*object.Object, error) {
			for i := int64(0); i < 4; i++ {
				v := object.NewInt64(i)
				err := call.Yield(v)
				v.Release()
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
	server, err := rpc.NewServer(uri, ctx)
	c.Assert(err, jc.ErrorIsNil)
	defer server.Close()

	conn, err := rpc.Dial(uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	call, err := conn.Call("seq", nil, nil)
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
	c.Assert(got, jc.DeepEquals, []int64{0, 1, 2, 3})
}
