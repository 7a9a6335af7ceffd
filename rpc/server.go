// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"sync"

	"github.com/juju/errors"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/transport"
)

// ServerEvent is delivered to a server's event handler when a
// connection arrives or terminates.
type ServerEvent int

const (
	ConnectionArrived ServerEvent = iota
	ConnectionTerminated
)

// ServerEventHandler observes connection lifecycle changes.
type ServerEventHandler func(conn *Connection, event ServerEvent)

// Server listens on a URI, accepts connections and routes their
// inbound calls into a context. The server keeps a back-pointer to
// its context so closing detaches it without global state.
type Server struct {
	uri string
	ctx *Context

	listener transport.Listener

	mu       sync.Mutex
	closed   bool
	handler  ServerEventHandler
	teardown func(*Server) error

	connsMu sync.RWMutex
	conns   []*Connection
	drained *sync.Cond
}

// NewServer creates a server listening on uri and publishes it on the
// context's server list. Unknown URI schemes fail with ENXIO.
func NewServer(uri string, ctx *Context) (*Server, error) {
	t, err := transport.Lookup(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("creating server on %s via transport %s", uri, t.Name())
	s := &Server{
		uri: uri,
		ctx: ctx,
	}
	s.drained = sync.NewCond(&s.connsMu)
	listener, err := t.Listen(uri, nil, s)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.listener = listener
	ctx.attachServer(s)
	return s, nil
}

// URI returns the listening URI.
func (s *Server) URI() string {
	return s.uri
}

// Context returns the context serving this server's calls.
func (s *Server) Context() *Context {
	return s.ctx
}

// SetEventHandler replaces the connection lifecycle handler.
func (s *Server) SetEventHandler(h ServerEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetTeardown installs a hook run at the start of Close; it is
// expected to stop new connections from arriving.
func (s *Server) SetTeardown(fn func(*Server) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = fn
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*Connection {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// AcceptLink implements transport.Acceptor: it wraps an accepted link
// in a server-side connection. Accepts on a closed server are
// rejected.
func (s *Server) AcceptLink(link transport.Link) transport.Endpoint {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	handler := s.handler
	s.mu.Unlock()

	conn := newConnection(s.uri)
	conn.server = s
	conn.rpcCtx = s.ctx
	conn.typing = s.ctx.Typing()
	conn.link = link

	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()

	if handler != nil {
		handler(conn, ConnectionArrived)
	}
	return conn
}

// connectionTerminated removes a dead connection and signals the
// drain condition Close waits on.
func (s *Server) connectionTerminated(conn *Connection) {
	s.connsMu.Lock()
	for i, known := range s.conns {
		if known == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	if len(s.conns) == 0 {
		s.drained.Broadcast()
	}
	s.connsMu.Unlock()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(conn, ConnectionTerminated)
	}
}

// BroadcastEvent sends an event frame to every open connection whose
// peer wants it. A failure on one connection does not stop the
// broadcast. Broadcasting on a closed server is a no-op.
func (s *Server) BroadcastEvent(path, iface, name string, args *object.Object) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.connsMu.RLock()
	conns := make([]*Connection, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.RUnlock()

	for _, conn := range conns {
		if !conn.PeerSubscribed(path, iface, name) {
			continue
		}
		if err := conn.SendEvent(path, iface, name, args); err != nil {
			logger.Debugf("cannot broadcast to %s: %v", conn.ID(), err)
		}
	}
}

// Close removes the server from its context, stops accepting, aborts
// every open connection and waits until the connection list drains.
// Closing a server that is not attached to its context fails.
func (s *Server) Close() error {
	if !s.ctx.detachServer(s) {
		return errors.New("server is not attached to its context")
	}

	s.mu.Lock()
	s.closed = true
	teardown := s.teardown
	s.mu.Unlock()

	var teardownErr error
	if teardown != nil {
		// The teardown hook is expected to stop new accepts.
		teardownErr = teardown(s)
	}

	s.connsMu.RLock()
	conns := make([]*Connection, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.RUnlock()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Debugf("error aborting connection %s: %v", conn.ID(), err)
		}
	}

	s.connsMu.Lock()
	for len(s.conns) > 0 {
		s.drained.Wait()
	}
	s.connsMu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logger.Debugf("error closing listener: %v", err)
		}
	}
	return teardownErr
}
