// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package socket provides stream-socket transports over TCP and Unix
// domain sockets. Frames are length-prefixed; Unix sockets supply
// peer credentials with the first inbound frame.
package socket

import (
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/transport"
)

var logger = loggo.GetLogger("librpc.transport.socket")

// maxFrameSize bounds a single frame.
const maxFrameSize = 64 << 20

func init() {
	transport.Register(socketTransport{})
}

type socketTransport struct{}

// Name implements transport.Transport.
func (socketTransport) Name() string {
	return "socket"
}

// Schemes implements transport.Transport.
func (socketTransport) Schemes() []string {
	return []string{"tcp", "unix"}
}

func dialTarget(uri string) (network, address string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", object.NewErrnoErrorf(object.EINVAL, "cannot parse URI %q: %v", uri, err)
	}
	switch parsed.Scheme {
	case "tcp":
		return "tcp", parsed.Host, nil
	case "unix":
		return "unix", parsed.Path, nil
	}
	return "", "", object.NewErrnoErrorf(object.ENXIO, "unsupported scheme %q", parsed.Scheme)
}

// Connect implements transport.Transport.
func (t socketTransport) Connect(uri string, params *object.Object, ep transport.Endpoint) (transport.Link, error) {
	network, address, err := dialTarget(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	link := &sockLink{conn: conn}
	go link.readLoop(ep)
	return link, nil
}

// Listen implements transport.Transport.
func (t socketTransport) Listen(uri string, params *object.Object, acceptor transport.Acceptor) (transport.Listener, error) {
	network, address, err := dialTarget(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	nl, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	l := &sockListener{listener: nl}
	go l.acceptLoop(acceptor)
	return l, nil
}

type sockListener struct {
	listener net.Listener
	mu       sync.Mutex
	closed   bool
}

// Close implements transport.Listener.
func (l *sockListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

func (l *sockListener) acceptLoop(acceptor transport.Acceptor) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				logger.Errorf("accept failed: %v", err)
			}
			return
		}
		link := &sockLink{conn: conn}
		ep := acceptor.AcceptLink(link)
		if ep == nil {
			conn.Close()
			continue
		}
		go link.readLoop(ep)
	}
}

type sockLink struct {
	conn    net.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// SendMessage implements transport.Link. Descriptor passing is not
// supported by the stream framing; callers move fds by value.
func (l *sockLink) SendMessage(data []byte, fds []int) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := l.conn.Write(header[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := l.conn.Write(data); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Abort implements transport.Link.
func (l *sockLink) Abort() error {
	return l.Close()
}

// Close implements transport.Link.
func (l *sockLink) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

func (l *sockLink) readLoop(ep transport.Endpoint) {
	creds := peerCredentials(l.conn)
	for {
		var header [4]byte
		if _, err := io.ReadFull(l.conn, header[:]); err != nil {
			l.deliverClose(ep, err)
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameSize {
			l.deliverClose(ep, errors.Errorf("frame of %d bytes exceeds limit", length))
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(l.conn, payload); err != nil {
			l.deliverClose(ep, err)
			return
		}
		ep.RecvMessage(payload, nil, creds)
		// Credentials only accompany the first message.
		creds = nil
	}
}

func (l *sockLink) deliverClose(ep transport.Endpoint, err error) {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed || err == io.EOF {
		ep.Closed(nil)
		return
	}
	ep.Closed(err)
}
