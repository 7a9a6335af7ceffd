// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package loopback provides an in-process transport, primarily for
// tests: servers listen on loopback://<name> URIs and clients connect
// to them without touching the network.
package loopback

import (
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/transport"
)

func init() {
	transport.Register(&loopbackTransport{
		listeners: make(map[string]*listener),
	})
}

type loopbackTransport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// Name implements transport.Transport.
func (t *loopbackTransport) Name() string {
	return "loopback"
}

// Schemes implements transport.Transport.
func (t *loopbackTransport) Schemes() []string {
	return []string{"loopback"}
}

type listener struct {
	transport *loopbackTransport
	uri       string
	acceptor  transport.Acceptor
}

// Close implements transport.Listener.
func (l *listener) Close() error {
	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()
	delete(l.transport.listeners, l.uri)
	return nil
}

// Listen implements transport.Transport.
func (t *loopbackTransport) Listen(uri string, params *object.Object, acceptor transport.Acceptor) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[uri]; ok {
		return nil, object.NewErrnoErrorf(object.EBUSY, "%s is already listening", uri)
	}
	l := &listener{transport: t, uri: uri, acceptor: acceptor}
	t.listeners[uri] = l
	return l, nil
}

// Connect implements transport.Transport: it pairs two in-memory
// links and hands the server half to the listener's acceptor.
func (t *loopbackTransport) Connect(uri string, params *object.Object, ep transport.Endpoint) (transport.Link, error) {
	t.mu.Lock()
	l, ok := t.listeners[uri]
	t.mu.Unlock()
	if !ok {
		return nil, object.NewErrnoErrorf(object.ENOENT, "nothing is listening on %s", uri)
	}

	clientLink := newLink()
	serverLink := newLink()
	clientLink.peer = serverLink
	serverLink.peer = clientLink

	serverEp := l.acceptor.AcceptLink(serverLink)
	if serverEp == nil {
		return nil, object.NewErrnoErrorf(object.ECONNRESET, "%s refused the connection", uri)
	}
	clientLink.start(serverEp)
	serverLink.start(ep)
	return clientLink, nil
}

// link is one direction pair endpoint: frames sent on it are queued
// and delivered to the peer's endpoint in order by a dedicated
// goroutine.
type link struct {
	peer *link

	tomb    tomb.Tomb
	mu      sync.Mutex
	outbox  chan []byte
	started bool
	closed  bool
}

func newLink() *link {
	return &link{outbox: make(chan []byte, 16)}
}

// start begins delivering this link's outbound frames into dest,
// which is the endpoint of the peer side.
func (l *link) start(dest transport.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.tomb.Go(func() error {
		for {
			select {
			case <-l.tomb.Dying():
				dest.Closed(nil)
				return nil
			case frame := <-l.outbox:
				dest.RecvMessage(frame, nil, nil)
			}
		}
	})
}

// SendMessage implements transport.Link.
func (l *link) SendMessage(data []byte, fds []int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return object.NewErrnoError(object.ECONNRESET, "link is closed")
	}
	l.mu.Unlock()
	buf := append([]byte(nil), data...)
	select {
	case l.outbox <- buf:
		return nil
	case <-l.tomb.Dying():
		return object.NewErrnoError(object.ECONNRESET, "link is closed")
	}
}

// Abort implements transport.Link.
func (l *link) Abort() error {
	return l.Close()
}

// Close implements transport.Link. Closing one half tears down both
// directions.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.tomb.Kill(nil)
	if l.peer != nil {
		l.peer.Close()
	}
	return nil
}
