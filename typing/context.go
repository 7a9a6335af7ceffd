// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package typing implements the IDL-driven type system layered over
// the object model: named types and interfaces parsed from YAML
// documents, generic instantiation with a canonical cache, structural
// compatibility and constraint validation, and the typed
// serialization wrapping applied at call boundaries.
package typing

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/twoporeguys/librpc/object"
)

var logger = loggo.GetLogger("librpc.typing")

// TypingInterface is the discovery interface under which a context
// exposes its loaded IDL files.
const TypingInterface = "com.twoporeguys.librpc.Typing"

// Builtin type names reserved in every context.
var builtinTypes = []string{
	"nulltype",
	"bool",
	"uint64",
	"int64",
	"double",
	"date",
	"string",
	"binary",
	"fd",
	"dictionary",
	"array",
	"shmem",
	"error",
	"any",
}

// Context holds the type tables populated from IDL files. The tables
// are populated during a single-threaded load phase and are read-only
// while serving; only the type-instance cache is mutated at call time
// and carries its own lock.
type Context struct {
	files      map[string]*File
	types      map[string]*Type
	interfaces map[string]*Interface

	cacheMu    sync.Mutex
	typeiCache map[string]*TypeInstance
}

var (
	defaultMu  sync.Mutex
	defaultCtx *Context
)

// Default returns the process-wide context, creating it on first use.
func Default() *Context {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCtx == nil {
		defaultCtx = NewContext()
	}
	return defaultCtx
}

// SetDefault replaces the process-wide context; tests use this to
// run against isolated instances.
func SetDefault(ctx *Context) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultCtx = ctx
}

// NewContext returns a context seeded with the builtin types.
func NewContext() *Context {
	ctx := &Context{
		files:      make(map[string]*File),
		types:      make(map[string]*Type),
		interfaces: make(map[string]*Interface),
		typeiCache: make(map[string]*TypeInstance),
	}
	for _, name := range builtinTypes {
		ctx.types[name] = &Type{
			name:        name,
			class:       ClassBuiltin,
			description: "builtin " + name + " type",
			members:     make(map[string]*Member),
			constraints: make(map[string]*object.Object),
		}
	}
	return ctx
}

// GetType returns the named type, chain-loading its declaration from
// an already-read file when necessary.
func (c *Context) GetType(name string) *Type {
	return c.findType(name)
}

// GetInterface returns the named interface, or nil.
func (c *Context) GetInterface(name string) *Interface {
	return c.interfaces[name]
}

// FindIfMember returns the named member of the named interface.
func (c *Context) FindIfMember(iface, member string) (*IfMember, error) {
	i, ok := c.interfaces[iface]
	if !ok {
		return nil, object.NewErrnoErrorf(object.ENOENT, "interface %s not found", iface)
	}
	m, ok := i.members[member]
	if !ok {
		return nil, object.NewErrnoErrorf(object.ENOENT, "member %s not found", member)
	}
	return m, nil
}

// ApplyTypes iterates all known types. The callback may return false
// to stop early, in which case ApplyTypes returns false.
func (c *Context) ApplyTypes(cb func(*Type) bool) bool {
	for _, t := range c.types {
		if !cb(t) {
			return false
		}
	}
	return true
}

// ApplyInterfaces iterates all known interfaces; early stop as for
// ApplyTypes.
func (c *Context) ApplyInterfaces(cb func(*Interface) bool) bool {
	for _, i := range c.interfaces {
		if !cb(i) {
			return false
		}
	}
	return true
}

// ApplyFiles iterates all loaded files; the order is not defined.
// Early stop as for ApplyTypes.
func (c *Context) ApplyFiles(cb func(*File) bool) bool {
	for _, f := range c.files {
		if !cb(f) {
			return false
		}
	}
	return true
}

// findType looks up a fully-qualified name in the type table, falling
// back to scanning loaded file bodies for a declaration that has not
// been read yet.
func (c *Context) findType(name string) *Type {
	if t, ok := c.types[name]; ok {
		return t
	}
	logger.Tracef("type %s not found, trying to chain-load it", name)
	decl, obj, file := c.lookupTypeDecl(name)
	if decl != "" {
		if err := c.readType(file, decl, obj); err != nil {
			logger.Debugf("chain-loading %s failed: %v", name, err)
			return nil
		}
	}
	return c.types[name]
}

// findTypeFuzzy resolves a possibly-unqualified name relative to the
// originating file: verbatim first, then the file's own namespace,
// then each `use` prefix.
func (c *Context) findTypeFuzzy(name string, origin *File) *Type {
	if t := c.findType(name); t != nil {
		return t
	}
	if origin == nil {
		return nil
	}
	if origin.ns != "" {
		if t := c.findType(origin.ns + "." + name); t != nil {
			return t
		}
	}
	for _, prefix := range origin.uses {
		if t := c.findType(prefix + "." + name); t != nil {
			return t
		}
	}
	return nil
}

// lookupTypeDecl scans loaded file bodies for a type declaration
// whose fully-qualified name matches.
func (c *Context) lookupTypeDecl(name string) (string, *object.Object, *File) {
	var foundDecl string
	var foundObj *object.Object
	var foundFile *File
	for _, file := range c.files {
		file.body.ApplyDict(func(key string, value *object.Object) bool {
			m := typeRegex.FindStringSubmatch(key)
			if m == nil {
				return true
			}
			fullName := m[2]
			if file.ns != "" {
				fullName = file.ns + "." + m[2]
			}
			if fullName == name {
				foundDecl = key
				foundObj = value
				foundFile = file
				return false
			}
			return true
		})
		if foundDecl != "" {
			break
		}
	}
	return foundDecl, foundObj, foundFile
}

// NewTypeInstance instantiates a type declaration string with no
// surrounding generic scope, e.g. "HashMap<string,double>".
func (c *Context) NewTypeInstance(decl string) (*TypeInstance, error) {
	return c.InstantiateType(decl, nil, nil, nil)
}

// NewTyped makes a typed copy of obj annotated with an instance of
// the declared type.
func (c *Context) NewTyped(decl string, obj *object.Object) (*object.Object, error) {
	ti, err := c.NewTypeInstance(decl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.NewTypedInstance(ti, obj), nil
}

// NewTypedInstance makes a typed copy of obj annotated with the given
// instance, unwound of typedefs.
func (c *Context) NewTypedInstance(ti *TypeInstance, obj *object.Object) *object.Object {
	if obj == nil {
		return nil
	}
	typed := obj.Copy()
	typed.SetTypeInstance(ti.Unwind().Retain())
	return typed
}

// InstanceOf returns the type instance annotation of obj, or nil.
func InstanceOf(obj *object.Object) *TypeInstance {
	ti, _ := obj.TypeInstance().(*TypeInstance)
	return ti
}
