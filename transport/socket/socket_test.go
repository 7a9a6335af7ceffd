// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package socket_test

import (
	"os"
	"path/filepath"
	stdtesting "testing"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/rpc"
	_ "github.com/twoporeguys/librpc/transport/socket"
)

func TestAll(t *stdtesting.T) {
	gc.TestingT(t)
}

type socketSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&socketSuite{})

func (s *socketSuite) TestUnixRoundTrip(c *gc.C) {
	path := filepath.Join(c.MkDir(), "librpc.sock")
	uri := "unix://" + path

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

func (s *socketSuite) TestUnixPeerCredentials(c *gc.C) {
	path := filepath.Join(c.MkDir(), "librpc.sock")
	uri := "unix://" + path

	ctx := rpc.NewContext()
	defer ctx.Close()
	server, err := rpc.NewServer(uri, ctx)
	c.Assert(err, jc.ErrorIsNil)
	defer server.Close()

	conn, err := rpc.Dial(uri)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	// The first inbound message carries the peer identity.
	_, err = conn.CallSync("ping")
	c.Assert(err, jc.ErrorIsNil)

	conns := server.Connections()
	c.Assert(conns, gc.HasLen, 1)
	creds := conns[0].Credentials()
	c.Assert(creds, gc.NotNil)
	c.Assert(creds.PID, gc.Equals, os.Getpid())
	c.Assert(creds.UID, gc.Equals, os.Getuid())
	c.Assert(creds.GID, gc.Equals, os.Getgid())
}

func (s *socketSuite) TestConnectRefused(c *gc.C) {
	path := filepath.Join(c.MkDir(), "absent.sock")
	_, err := rpc.Dial("unix://" + path)
	c.Assert(err, gc.NotNil)
}
