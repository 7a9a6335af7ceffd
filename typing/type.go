// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"sync/atomic"

	"github.com/twoporeguys/librpc/object"
)

// Class partitions named types by their declaration form.
type Class int

const (
	ClassStruct Class = iota
	ClassUnion
	ClassEnum
	ClassTypedef
	ClassBuiltin
)

var classNames = map[Class]string{
	ClassStruct:  "struct",
	ClassUnion:   "union",
	ClassEnum:    "enum",
	ClassTypedef: "typedef",
	ClassBuiltin: "builtin",
}

// String returns the declaration keyword for the class.
func (c Class) String() string {
	return classNames[c]
}

// Type is a named type parsed from an IDL document, or one of the
// built-in types seeded into every context.
type Type struct {
	name        string
	description string
	origin      string
	file        *File
	class       Class
	parent      *Type
	generic     bool
	genericVars []string
	members     map[string]*Member
	constraints map[string]*object.Object
	definition  *TypeInstance
}

// Name returns the fully-qualified type name.
func (t *Type) Name() string { return t.name }

// Description returns the declared description, possibly empty.
func (t *Type) Description() string { return t.description }

// Origin returns "path:line" of the declaration, or "" for builtins.
func (t *Type) Origin() string { return t.origin }

// Class returns the type's class.
func (t *Type) Class() Class { return t.class }

// Parent returns the inherited type, or nil.
func (t *Type) Parent() *Type { return t.parent }

// Definition returns the typedef target, or nil.
func (t *Type) Definition() *TypeInstance { return t.definition }

// Generic reports whether the type declares generic variables.
func (t *Type) Generic() bool { return t.generic }

// GenericVars returns the generic variable names in declaration
// order.
func (t *Type) GenericVars() []string { return t.genericVars }

// Member returns the named member, or nil.
func (t *Type) Member(name string) *Member { return t.members[name] }

// ApplyMembers iterates the type's members; the callback may return
// false to stop early, in which case ApplyMembers returns false.
func (t *Type) ApplyMembers(cb func(*Member) bool) bool {
	for _, m := range t.members {
		if !cb(m) {
			return false
		}
	}
	return true
}

// Member is a struct member, union branch or enum tag.
type Member struct {
	name        string
	description string
	typ         *TypeInstance
	constraints map[string]*object.Object
}

// Name returns the member name.
func (m *Member) Name() string { return m.name }

// Description returns the member description.
func (m *Member) Description() string { return m.description }

// TypeInstance returns the member's declared type; nil for enum tags.
func (m *Member) TypeInstance() *TypeInstance { return m.typ }

// TypeInstance is a concrete, possibly specialized usage of a Type at
// a site, or a proxy for an unresolved generic variable.
type TypeInstance struct {
	refcnt          int32
	proxy           bool
	variable        string
	typ             *Type
	parent          *TypeInstance
	specializations map[string]*TypeInstance
	constraints     map[string]*object.Object
	canonicalForm   string
}

// Retain increments the instance refcount and returns it.
func (ti *TypeInstance) Retain() *TypeInstance {
	if ti == nil {
		return nil
	}
	atomic.AddInt32(&ti.refcnt, 1)
	return ti
}

// Release decrements the instance refcount, releasing the
// specializations when it reaches zero.
func (ti *TypeInstance) Release() {
	if ti == nil {
		return
	}
	if atomic.AddInt32(&ti.refcnt, -1) > 0 {
		return
	}
	for _, sub := range ti.specializations {
		sub.Release()
	}
	ti.specializations = nil
}

// Proxy reports whether this instance stands for an unresolved
// generic variable.
func (ti *TypeInstance) Proxy() bool { return ti.proxy }

// Type returns the defining type; nil for proxies.
func (ti *TypeInstance) Type() *Type { return ti.typ }

// CanonicalForm returns the normalized string rendering, e.g.
// "HashMap<string,double>".
func (ti *TypeInstance) CanonicalForm() string { return ti.canonicalForm }

// GenericVar returns the specialization bound to the named generic
// variable, or nil.
func (ti *TypeInstance) GenericVar(name string) *TypeInstance {
	return ti.specializations[name]
}

// FullySpecialized reports whether every generic variable has a
// non-proxy specialization.
func (ti *TypeInstance) FullySpecialized() bool {
	if ti.proxy {
		return false
	}
	if !ti.typ.generic {
		return true
	}
	if len(ti.specializations) != len(ti.typ.genericVars) {
		return false
	}
	for _, sub := range ti.specializations {
		if !sub.FullySpecialized() {
			return false
		}
	}
	return true
}

// Unwind follows typedef definition chains until a non-typedef
// instance is reached.
func (ti *TypeInstance) Unwind() *TypeInstance {
	current := ti
	for current != nil {
		if !current.proxy && current.typ.class == ClassTypedef {
			current = current.typ.definition
			continue
		}
		return current
	}
	return nil
}

// MemberType instantiates the member's type in the context of this
// instance, resolving generic variables bound by it.
func (ti *TypeInstance) MemberType(ctx *Context, m *Member) (*TypeInstance, error) {
	inst, err := ctx.InstantiateType(m.typ.canonicalForm, ti, ti.typ, ti.typ.file)
	if err != nil {
		return nil, err
	}
	if inst.proxy {
		if bound := ti.specializations[inst.variable]; bound != nil {
			inst = bound
		}
	}
	if len(m.constraints) != 0 {
		// Canonicalized instances are shared, so the member's
		// constraints go on a private view.
		view := *inst
		view.refcnt = 1
		view.constraints = m.constraints
		return &view, nil
	}
	return inst, nil
}

// IsCompatible reports whether a value declared as decl may be
// satisfied by an instance of typ. The relation is asymmetric: "any"
// accepts everything and subclasses satisfy their ancestors. The
// specialization arguments are deliberately not compared, so e.g.
// List<int64> satisfies a declaration of List<string>.
func IsCompatible(decl, typ *TypeInstance) bool {
	if decl.typ != nil && decl.typ.name == "any" {
		return true
	}
	if len(decl.specializations) < len(typ.specializations) {
		return false
	}
	if decl.typ == nil || typ.typ == nil {
		return decl.canonicalForm == typ.canonicalForm
	}
	if decl.typ.name == typ.typ.name {
		return true
	}
	for parent := typ.typ.parent; parent != nil; parent = parent.parent {
		if parent.name == decl.typ.name {
			return true
		}
	}
	return false
}

// Interface is a named collection of methods, properties and events.
type Interface struct {
	name        string
	description string
	origin      string
	members     map[string]*IfMember
}

// Name returns the fully-qualified interface name.
func (i *Interface) Name() string { return i.name }

// Description returns the declared description.
func (i *Interface) Description() string { return i.description }

// Origin returns "path:line" of the declaration.
func (i *Interface) Origin() string { return i.origin }

// Member returns the named member, or nil.
func (i *Interface) Member(name string) *IfMember { return i.members[name] }

// ApplyMembers iterates the interface members; the callback may
// return false to stop early.
func (i *Interface) ApplyMembers(cb func(*IfMember) bool) bool {
	for _, m := range i.members {
		if !cb(m) {
			return false
		}
	}
	return true
}

// IfMemberKind discriminates interface members.
type IfMemberKind int

const (
	MemberMethod IfMemberKind = iota
	MemberProperty
	MemberEvent
)

// AccessRights describes property accessibility.
type AccessRights int

const (
	AccessReadOnly AccessRights = iota
	AccessWriteOnly
	AccessReadWrite
)

// Argument is a declared method argument.
type Argument struct {
	Name        string
	Description string
	Type        *TypeInstance
}

// IfMember is a method, property or event declared on an interface.
type IfMember struct {
	Name        string
	Description string
	Kind        IfMemberKind
	Arguments   []*Argument
	Result      *TypeInstance
	Access      AccessRights
	Notify      bool
}
