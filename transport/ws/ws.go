// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ws provides a websocket transport: frames travel as binary
// websocket messages, so no extra length framing is needed.
package ws

import (
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/transport"
)

var logger = loggo.GetLogger("librpc.transport.ws")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func init() {
	transport.Register(wsTransport{})
}

type wsTransport struct{}

// Name implements transport.Transport.
func (wsTransport) Name() string {
	return "ws"
}

// Schemes implements transport.Transport.
func (wsTransport) Schemes() []string {
	return []string{"ws"}
}

// Connect implements transport.Transport.
func (wsTransport) Connect(uri string, params *object.Object, ep transport.Endpoint) (transport.Link, error) {
	conn, _, err := websocket.DefaultDialer.Dial(uri, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	link := &wsLink{conn: conn}
	go link.readLoop(ep)
	return link, nil
}

// Listen implements transport.Transport.
func (wsTransport) Listen(uri string, params *object.Object, acceptor transport.Acceptor) (transport.Listener, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, object.NewErrnoErrorf(object.EINVAL, "cannot parse URI %q: %v", uri, err)
	}
	nl, err := net.Listen("tcp", parsed.Host)
	if err != nil {
		return nil, errors.Trace(err)
	}
	l := &wsListener{listener: nl, acceptor: acceptor}
	l.server = &http.Server{Handler: l}
	go func() {
		if err := l.server.Serve(nl); err != nil && err != http.ErrServerClosed {
			logger.Debugf("websocket server stopped: %v", err)
		}
	}()
	return l, nil
}

type wsListener struct {
	listener net.Listener
	server   *http.Server
	acceptor transport.Acceptor
}

// ServeHTTP upgrades inbound requests and hands the resulting links
// to the acceptor.
func (l *wsListener) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	link := &wsLink{conn: conn}
	ep := l.acceptor.AcceptLink(link)
	if ep == nil {
		conn.Close()
		return
	}
	go link.readLoop(ep)
}

// Close implements transport.Listener.
func (l *wsListener) Close() error {
	return l.server.Close()
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// SendMessage implements transport.Link.
func (l *wsLink) SendMessage(data []byte, fds []int) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Abort implements transport.Link.
func (l *wsLink) Abort() error {
	return l.Close()
}

// Close implements transport.Link.
func (l *wsLink) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.conn.WriteMessage(websocket.CloseMessage, []byte{})
	return l.conn.Close()
}

func (l *wsLink) readLoop(ep transport.Endpoint) {
	for {
		kind, payload, err := l.conn.ReadMessage()
		if err != nil {
			l.closeMu.Lock()
			closed := l.closed
			l.closeMu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				ep.Closed(nil)
			} else {
				ep.Closed(err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ep.RecvMessage(payload, nil, nil)
	}
}
