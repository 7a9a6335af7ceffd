// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package serializer maintains the registry of named codecs mapping
// object trees to and from octet buffers.
package serializer

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/twoporeguys/librpc/object"
)

var logger = loggo.GetLogger("librpc.serializer")

// Serializer maps an object tree to a byte buffer and back.
type Serializer interface {
	// Marshal encodes the object tree into a byte buffer.
	Marshal(obj *object.Object) ([]byte, error)

	// Unmarshal decodes a byte buffer into an object tree. Content
	// the codec cannot represent decodes to a null object and an
	// error is returned alongside it.
	Unmarshal(data []byte) (*object.Object, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Serializer)
)

// Register installs a codec under the given name, replacing any
// previous codec with the same name.
func Register(name string, s Serializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		logger.Debugf("replacing serializer %q", name)
	}
	registry[name] = s
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, errors.NotFoundf("serializer %q", name)
	}
	return s, nil
}

// Names returns the names of all registered codecs.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Dump encodes obj with the named codec.
func Dump(name string, obj *object.Object) ([]byte, error) {
	s, err := Lookup(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.Marshal(obj)
}

// Load decodes data with the named codec.
func Load(name string, data []byte) (*object.Object, error) {
	s, err := Lookup(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.Unmarshal(data)
}
