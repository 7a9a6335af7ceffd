// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build linux

package socket

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/twoporeguys/librpc/transport"
)

// peerCredentials fetches SO_PEERCRED identity for Unix domain
// sockets; other socket families yield nil.
func peerCredentials(conn net.Conn) *transport.Credentials {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil
	}
	var ucred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || ucred == nil {
		logger.Debugf("cannot read peer credentials: %v %v", err, credErr)
		return nil
	}
	return &transport.Credentials{
		UID: int(ucred.Uid),
		GID: int(ucred.Gid),
		PID: int(ucred.Pid),
	}
}
