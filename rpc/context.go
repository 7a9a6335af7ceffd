// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/typing"
)

// MethodFunc is a method implementation. Returning a non-nil error
// terminates the call with an error frame; a method that produced
// fragments with Yield ends its stream by returning (nil, nil).
type MethodFunc func(call *InboundCall, args *object.Object) (*object.Object, error)

// Method is a registered method descriptor.
type Method struct {
	Name        string
	Description string
	Func        MethodFunc
}

// Instance is a node in the context's object tree, addressable by
// path, carrying per-interface method tables.
type Instance struct {
	path       string
	interfaces map[string]map[string]*Method
}

// Path returns the instance path.
func (i *Instance) Path() string { return i.path }

// RegisterInterface installs a method table under an interface name.
func (i *Instance) RegisterInterface(name string, methods map[string]MethodFunc) {
	table := make(map[string]*Method, len(methods))
	for methodName, fn := range methods {
		table[methodName] = &Method{Name: methodName, Func: fn}
	}
	i.interfaces[name] = table
}

const defaultPoolSize = 8

// Context owns the method registry, the instance tree and the worker
// pool running inbound dispatch. Servers attach to a context and
// route their inbound calls through it.
type Context struct {
	mu        sync.RWMutex
	methods   map[string]*Method
	instances map[string]*Instance
	typing    *typing.Context

	serversMu sync.RWMutex
	servers   []*Server

	queue chan *InboundCall
	tomb  tomb.Tomb
}

// NewContext creates a context with the default worker pool size.
func NewContext() *Context {
	return NewContextWorkers(defaultPoolSize)
}

// NewContextWorkers creates a context running the given number of
// dispatch workers.
func NewContextWorkers(workers int) *Context {
	if workers < 1 {
		workers = 1
	}
	ctx := &Context{
		methods:   make(map[string]*Method),
		instances: make(map[string]*Instance),
		queue:     make(chan *InboundCall),
	}
	root := &Instance{path: "/", interfaces: make(map[string]map[string]*Method)}
	ctx.instances["/"] = root
	ctx.registerBuiltins()
	for i := 0; i < workers; i++ {
		ctx.tomb.Go(ctx.worker)
	}
	return ctx
}

// SetTyping attaches a typing context; inbound calls are then
// validated against the IDL before and after execution.
func (ctx *Context) SetTyping(t *typing.Context) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.typing = t
}

// Typing returns the attached typing context, or nil.
func (ctx *Context) Typing() *typing.Context {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.typing
}

// RegisterFunc installs a method under a name, overwriting any
// existing entry with the same name.
func (ctx *Context) RegisterFunc(name, description string, fn MethodFunc) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.methods[name] = &Method{Name: name, Description: description, Func: fn}
}

// UnregisterMethod removes a method registration.
func (ctx *Context) UnregisterMethod(name string) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, ok := ctx.methods[name]; !ok {
		return object.NewErrnoErrorf(object.ENOENT, "method %s not found", name)
	}
	delete(ctx.methods, name)
	return nil
}

// RegisterInstance creates (or returns) the instance at path.
func (ctx *Context) RegisterInstance(path string) *Instance {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if inst, ok := ctx.instances[path]; ok {
		return inst
	}
	inst := &Instance{path: path, interfaces: make(map[string]map[string]*Method)}
	ctx.instances[path] = inst
	return inst
}

// lookupMethod resolves a call target. Interface-qualified calls go
// through the instance tree; unqualified calls hit the flat method
// registry.
func (ctx *Context) lookupMethod(path, iface, name string) *Method {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	if iface == "" {
		return ctx.methods[name]
	}
	if inst, ok := ctx.instances[path]; ok {
		if table, ok := inst.interfaces[iface]; ok {
			if m, ok := table[name]; ok {
				return m
			}
		}
	}
	return ctx.methods[iface+"."+name]
}

// Dispatch queues an inbound call on the worker pool.
func (ctx *Context) Dispatch(ic *InboundCall) error {
	select {
	case ctx.queue <- ic:
		return nil
	case <-ctx.tomb.Dying():
		return object.NewErrnoError(object.ECONNRESET, "context is shut down")
	}
}

// Close stops the worker pool and waits for it to drain.
func (ctx *Context) Close() error {
	ctx.tomb.Kill(nil)
	return ctx.tomb.Wait()
}

func (ctx *Context) worker() error {
	for {
		select {
		case <-ctx.tomb.Dying():
			return nil
		case ic := <-ctx.queue:
			ctx.runCall(ic)
		}
	}
}

// runCall executes one inbound call: method lookup, pre-call
// validation, the implementation, then post-call validation.
func (ctx *Context) runCall(ic *InboundCall) {
	m := ctx.lookupMethod(ic.path, ic.iface, ic.name)
	if m == nil {
		ic.SendErrorf(object.ENOENT, "Method %s not found", ic.name)
		return
	}
	ic.method = m

	if t := ctx.Typing(); t != nil && ic.iface != "" {
		if errObj := t.PrecallValidate(ic.iface, ic.name, ic.args); errObj != nil {
			ic.SendError(errObj)
			errObj.Release()
			return
		}
	}

	result, err := m.Func(ic, ic.args)
	switch {
	case err != nil:
		errObj := object.ErrorToObject(err)
		ic.SendError(errObj)
		errObj.Release()
	case ic.streaming:
		ic.End()
	default:
		// Ownership of the result transfers to the runtime.
		if result == nil {
			result = object.NewNull()
		}
		if t := ctx.Typing(); t != nil && ic.iface != "" {
			if errObj := t.PostcallValidate(ic.iface, ic.name, result); errObj != nil {
				ic.SendError(errObj)
				errObj.Release()
				result.Release()
				return
			}
		}
		ic.Respond(result)
		result.Release()
	}
}

// Servers returns the currently attached servers.
func (ctx *Context) Servers() []*Server {
	ctx.serversMu.RLock()
	defer ctx.serversMu.RUnlock()
	out := make([]*Server, len(ctx.servers))
	copy(out, ctx.servers)
	return out
}

func (ctx *Context) attachServer(s *Server) {
	ctx.serversMu.Lock()
	defer ctx.serversMu.Unlock()
	ctx.servers = append(ctx.servers, s)
}

// detachServer removes the server; it reports whether the server was
// attached in the first place.
func (ctx *Context) detachServer(s *Server) bool {
	ctx.serversMu.Lock()
	defer ctx.serversMu.Unlock()
	for i, known := range ctx.servers {
		if known == s {
			ctx.servers = append(ctx.servers[:i], ctx.servers[i+1:]...)
			return true
		}
	}
	return false
}

// BuiltinInterface is the interface every context serves on its root
// instance.
const BuiltinInterface = "com.twoporeguys.librpc.Builtin"

// registerBuiltins installs the methods every context serves.
func (ctx *Context) registerBuiltins() {
	ping := &Method{
		Name:        "ping",
		Description: "Liveness probe",
		Func: func(call *InboundCall, args *object.Object) (*object.Object, error) {
			return nil, nil
		},
	}
	ctx.methods["ping"] = ping
	ctx.instances["/"].interfaces[BuiltinInterface] = map[string]*Method{
		"ping": ping,
	}
	ctx.methods["methods"] = &Method{
		Name:        "methods",
		Description: "List registered method names",
		Func: func(call *InboundCall, args *object.Object) (*object.Object, error) {
			ctx.mu.RLock()
			defer ctx.mu.RUnlock()
			out := object.NewArray()
			for name := range ctx.methods {
				n := object.NewString(name)
				out.Append(n)
				n.Release()
			}
			return out, nil
		},
	}
}

// AllowIDLDownload exposes the typing discovery interface: the
// download method streams every loaded IDL file body.
func (ctx *Context) AllowIDLDownload(t *typing.Context) {
	root := ctx.RegisterInstance("/")
	root.RegisterInterface(typing.TypingInterface, map[string]MethodFunc{
		"download": func(call *InboundCall, args *object.Object) (*object.Object, error) {
			var yieldErr error
			t.ApplyFiles(func(f *typing.File) bool {
				yieldErr = call.Yield(f.Body())
				return yieldErr == nil
			})
			if yieldErr != nil {
				return nil, yieldErr
			}
			return nil, nil
		},
	})
}
