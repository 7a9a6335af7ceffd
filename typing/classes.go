// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"github.com/twoporeguys/librpc/object"
)

// classHandler bundles the per-class callbacks: member parsing,
// validation and typed serialization.
type classHandler struct {
	id          Class
	readMember  func(c *Context, name string, obj *object.Object, t *Type) (*Member, error)
	validate    func(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool
	serialize   func(c *Context, obj *object.Object, ti *TypeInstance) (*object.Object, error)
}

var classHandlers map[string]*classHandler

var classHandlerByID map[Class]*classHandler

func init() {
	structHandler := &classHandler{
		id:         ClassStruct,
		readMember: readTypedMember,
		validate:   validateStruct,
		serialize:  serializeStruct,
	}
	unionHandler := &classHandler{
		id:         ClassUnion,
		readMember: readTypedMember,
		validate:   validateUnion,
		serialize:  serializeStruct,
	}
	enumHandler := &classHandler{
		id:         ClassEnum,
		readMember: readEnumMember,
		validate:   validateEnum,
		serialize:  serializeEnum,
	}
	typedefHandler := &classHandler{
		id:         ClassTypedef,
		readMember: readTypedMember,
		validate:   validateTypedef,
		serialize:  serializeBuiltin,
	}
	builtinHandler := &classHandler{
		id:         ClassBuiltin,
		readMember: readTypedMember,
		validate:   validateBuiltin,
		serialize:  serializeBuiltin,
	}
	classHandlers = map[string]*classHandler{
		"struct":  structHandler,
		"union":   unionHandler,
		"enum":    enumHandler,
		"typedef": typedefHandler,
		"type":    typedefHandler,
	}
	classHandlerByID = map[Class]*classHandler{
		ClassStruct:  structHandler,
		ClassUnion:   unionHandler,
		ClassEnum:    enumHandler,
		ClassTypedef: typedefHandler,
		ClassBuiltin: builtinHandler,
	}
}

// readTypedMember parses a struct member or union branch. The member
// body is either a bare type declaration string or a dictionary with
// type, description and constraints keys.
func readTypedMember(c *Context, name string, obj *object.Object, t *Type) (*Member, error) {
	member := &Member{
		name:        name,
		constraints: make(map[string]*object.Object),
	}
	var typeDecl string
	switch obj.Type() {
	case object.TypeString:
		typeDecl = obj.String()
	case object.TypeDictionary:
		typeDecl = obj.GetString("type")
		member.description = obj.GetString("description")
		if constraints := obj.Get("constraints"); constraints != nil {
			constraints.ApplyDict(func(key string, value *object.Object) bool {
				member.constraints[key] = value.Retain()
				return true
			})
		}
	default:
		return nil, object.NewErrnoErrorf(object.EINVAL,
			"member %s of %s has an invalid declaration", name, t.name)
	}
	if typeDecl == "" {
		return nil, object.NewErrnoErrorf(object.EINVAL,
			"member %s of %s lacks a type", name, t.name)
	}
	inst, err := c.InstantiateType(typeDecl, nil, t, t.file)
	if err != nil {
		return nil, err
	}
	member.typ = inst
	return member, nil
}

// readEnumMember parses an enum tag; tags carry no type.
func readEnumMember(c *Context, name string, obj *object.Object, t *Type) (*Member, error) {
	member := &Member{
		name:        name,
		constraints: make(map[string]*object.Object),
	}
	if obj.Type() == object.TypeDictionary {
		member.description = obj.GetString("description")
	}
	return member, nil
}

func validateStruct(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	if obj.Type() != object.TypeDictionary {
		errctx.addf(nil, "Incompatible type %s, should be a dictionary", typeNameOf(obj))
		return false
	}
	valid := true
	for name, member := range ti.typ.members {
		memberCtx := errctx.derive(name)
		value := obj.Get(name)
		if value == nil {
			memberCtx.addf(nil, "Member %s is required", name)
			valid = false
			continue
		}
		memberType, err := ti.MemberType(c, member)
		if err != nil {
			memberCtx.addf(nil, "Cannot resolve member type: %v", err)
			valid = false
			continue
		}
		if !c.validateInstance(memberType, value, memberCtx) {
			valid = false
		}
	}
	obj.ApplyDict(func(key string, value *object.Object) bool {
		if len(key) > 0 && key[0] == '%' {
			return true
		}
		if _, ok := ti.typ.members[key]; !ok {
			errctx.derive(key).addf(nil, "Unknown member %s", key)
			valid = false
		}
		return true
	})
	if !runValidators(ti, obj, errctx) {
		valid = false
	}
	return valid
}

func validateUnion(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	for _, member := range ti.typ.members {
		if member.typ == nil {
			continue
		}
		memberType, err := ti.MemberType(c, member)
		if err != nil {
			continue
		}
		scratch := newErrorContext()
		if c.validateInstance(memberType, obj, scratch) {
			return runValidators(ti, obj, errctx)
		}
	}
	errctx.addf(nil, "Value does not match any branch of union %s", ti.typ.name)
	return false
}

func validateEnum(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	if obj.Type() != object.TypeString {
		errctx.addf(nil, "Incompatible type %s, enum values are strings", typeNameOf(obj))
		return false
	}
	value := obj.String()
	if _, ok := ti.typ.members[value]; !ok {
		errctx.addf(nil, "Value %s is not a valid tag of enum %s", value, ti.typ.name)
		return false
	}
	return runValidators(ti, obj, errctx)
}

func validateTypedef(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	return c.validateInstance(ti.Unwind(), obj, errctx)
}

func validateBuiltin(c *Context, ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	name := ti.typ.name
	switch name {
	case "any":
		// Anything goes.
	case "nulltype", "nullptr":
		if obj.Type() != object.TypeNull {
			errctx.addf(nil, "Incompatible type %s, should be null", typeNameOf(obj))
			return false
		}
	case "dictionary":
		if obj.Type() != object.TypeDictionary {
			errctx.addf(nil, "Incompatible type %s, should be dictionary", typeNameOf(obj))
			return false
		}
	case "array":
		if obj.Type() != object.TypeArray {
			errctx.addf(nil, "Incompatible type %s, should be array", typeNameOf(obj))
			return false
		}
	default:
		if typeNameOf(obj) != name {
			errctx.addf(nil, "Incompatible type %s, should be %s", typeNameOf(obj), name)
			return false
		}
	}
	return runValidators(ti, obj, errctx)
}

// serializeStruct renders a typed struct or union value: the member
// dictionary extended with the %type sentinel.
func serializeStruct(c *Context, obj *object.Object, ti *TypeInstance) (*object.Object, error) {
	out := object.NewDictionary()
	typeName := object.NewString(ti.canonicalForm)
	out.Set(typeField, typeName)
	typeName.Release()
	var serErr error
	obj.ApplyDict(func(key string, value *object.Object) bool {
		var child *object.Object
		child, serErr = c.Serialize(value)
		if serErr != nil {
			return false
		}
		out.Set(key, child)
		child.Release()
		return true
	})
	if serErr != nil {
		out.Release()
		return nil, serErr
	}
	return out, nil
}

// serializeEnum renders a typed enum value with %type and %value
// sentinels.
func serializeEnum(c *Context, obj *object.Object, ti *TypeInstance) (*object.Object, error) {
	out := object.NewDictionary()
	typeName := object.NewString(ti.canonicalForm)
	out.Set(typeField, typeName)
	typeName.Release()
	value := obj.Copy()
	out.Set(valueField, value)
	value.Release()
	return out, nil
}

// serializeBuiltin recurses into containers and passes leaves through.
func serializeBuiltin(c *Context, obj *object.Object, ti *TypeInstance) (*object.Object, error) {
	switch obj.Type() {
	case object.TypeDictionary:
		out := object.NewDictionary()
		out.SetTypeInstance(ti.Retain())
		var serErr error
		obj.ApplyDict(func(key string, value *object.Object) bool {
			var child *object.Object
			child, serErr = c.Serialize(value)
			if serErr != nil {
				return false
			}
			out.Set(key, child)
			child.Release()
			return true
		})
		if serErr != nil {
			out.Release()
			return nil, serErr
		}
		return out, nil
	case object.TypeArray:
		out := object.NewArray()
		out.SetTypeInstance(ti.Retain())
		var serErr error
		obj.ApplyArray(func(idx int, value *object.Object) bool {
			var child *object.Object
			child, serErr = c.Serialize(value)
			if serErr != nil {
				return false
			}
			out.Append(child)
			child.Release()
			return true
		})
		if serErr != nil {
			out.Release()
			return nil, serErr
		}
		return out, nil
	default:
		out := obj.Copy()
		out.SetTypeInstance(ti.Retain())
		return out, nil
	}
}

// typeNameOf maps an object's runtime kind to the corresponding
// builtin type-table name.
func typeNameOf(obj *object.Object) string {
	if obj.Type() == object.TypeNull {
		return "nulltype"
	}
	return obj.Type().String()
}
