// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport defines the contract between the RPC runtime and
// concrete wire transports, and the process-global registry mapping
// URI schemes to transports.
package transport

import (
	"net/url"
	"sync"

	"github.com/juju/loggo"

	"github.com/twoporeguys/librpc/object"
)

var logger = loggo.GetLogger("librpc.transport")

// Credentials identifies the peer process for transports able to
// supply it (Unix domain sockets).
type Credentials struct {
	UID int
	GID int
	PID int
}

// Endpoint is the runtime side of a single link: the transport
// delivers inbound frames and lifecycle events to it.
type Endpoint interface {
	// RecvMessage delivers one inbound frame. fds carries any file
	// descriptors moved out-of-band; creds is non-nil when the
	// transport knows the peer identity.
	RecvMessage(data []byte, fds []int, creds *Credentials)

	// Closed reports that the link is gone. err is nil for an
	// orderly shutdown.
	Closed(err error)
}

// Link is the transport side of a single connection.
type Link interface {
	// SendMessage writes one frame, optionally moving file
	// descriptors out-of-band.
	SendMessage(data []byte, fds []int) error

	// Abort forces the link down, unblocking any pending reads.
	Abort() error

	// Close shuts the link down in an orderly fashion.
	Close() error
}

// Acceptor is the server side handed to a listening transport; the
// transport calls AcceptLink for every inbound connection and
// delivers that link's traffic to the returned endpoint. A nil
// endpoint rejects the connection.
type Acceptor interface {
	AcceptLink(link Link) Endpoint
}

// Listener is an active listening socket.
type Listener interface {
	Close() error
}

// Transport connects and listens on URIs of its registered schemes.
type Transport interface {
	Name() string
	Schemes() []string

	// Connect dials uri and starts delivering inbound traffic to ep.
	Connect(uri string, params *object.Object, ep Endpoint) (Link, error)

	// Listen binds uri and hands every accepted link to acceptor.
	Listen(uri string, params *object.Object, acceptor Acceptor) (Listener, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Transport)
)

// Register installs a transport for each of its schemes.
func Register(t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, scheme := range t.Schemes() {
		if _, ok := registry[scheme]; ok {
			logger.Debugf("replacing transport for scheme %q", scheme)
		}
		registry[scheme] = t
	}
}

// Lookup resolves the transport claiming the URI's scheme. A scheme
// no transport claims yields ENXIO.
func Lookup(uri string) (Transport, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, object.NewErrnoErrorf(object.EINVAL, "cannot parse URI %q: %v", uri, err)
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[parsed.Scheme]
	if !ok {
		return nil, object.NewErrnoErrorf(object.ENXIO, "no transport for scheme %q", parsed.Scheme)
	}
	return t, nil
}
