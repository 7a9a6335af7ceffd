// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build !linux

package socket

import (
	"net"

	"github.com/twoporeguys/librpc/transport"
)

// peerCredentials is unavailable on this platform.
func peerCredentials(conn net.Conn) *transport.Credentials {
	return nil
}
