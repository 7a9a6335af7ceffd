// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"github.com/juju/errors"

	"github.com/twoporeguys/librpc/object"
)

// Sentinel dictionary keys used by typed serialization.
const (
	realmField = "%realm"
	typeField  = "%type"
	valueField = "%value"
)

// Serialize renders a possibly-typed object tree into a plain tree
// in which type annotations appear as %type/%value sentinel keys.
// A nil receiver context acts as the identity.
func (c *Context) Serialize(obj *object.Object) (*object.Object, error) {
	if c == nil {
		return obj.Retain(), nil
	}
	if obj == nil {
		return nil, nil
	}
	ti := InstanceOf(obj)
	if ti == nil {
		switch obj.Type() {
		case object.TypeDictionary:
			out := object.NewDictionary()
			dictType, err := c.NewTypeInstance("dictionary")
			if err == nil {
				out.SetTypeInstance(dictType)
			}
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
				return nil, errors.Trace(serErr)
			}
			return out, nil
		case object.TypeArray:
			out := object.NewArray()
			arrType, err := c.NewTypeInstance("array")
			if err == nil {
				out.SetTypeInstance(arrType)
			}
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
				return nil, errors.Trace(serErr)
			}
			return out, nil
		default:
			out := obj.Copy()
			leafType, err := c.NewTypeInstance(typeNameOf(obj))
			if err == nil {
				out.SetTypeInstance(leafType)
			}
			return out, nil
		}
	}
	handler := classHandlerByID[ti.typ.class]
	return handler.serialize(c, obj, ti)
}

// Deserialize rebuilds a typed object tree from its sentinel-key
// rendering. Dictionaries carrying a %type key become typed values of
// that type; a %value key carries the underlying value for scalar
// classes such as enums. A nil receiver context acts as the identity.
func (c *Context) Deserialize(obj *object.Object) (*object.Object, error) {
	if c == nil {
		return obj.Retain(), nil
	}
	if obj == nil {
		return nil, nil
	}
	if InstanceOf(obj) != nil {
		return obj.Retain(), nil
	}
	switch obj.Type() {
	case object.TypeDictionary:
		cont := object.NewDictionary()
		var desErr error
		obj.ApplyDict(func(key string, value *object.Object) bool {
			var child *object.Object
			child, desErr = c.Deserialize(value)
			if desErr != nil {
				return false
			}
			cont.Set(key, child)
			child.Release()
			return true
		})
		if desErr != nil {
			cont.Release()
			return nil, errors.Trace(desErr)
		}
		defer cont.Release()

		realm := cont.DetachKey(realmField)
		typeName := cont.DetachKey(typeField)
		if typeName == nil {
			if realm != nil {
				realm.Release()
			}
			return c.NewTyped("dictionary", cont)
		}
		defer typeName.Release()

		decl := typeName.String()
		if realm != nil {
			// An unqualified %type resolves inside its %realm.
			if c.findType(decl) == nil {
				decl = realm.String() + "." + decl
			}
			realm.Release()
		}
		value := cont.Retain()
		if inner := cont.Get(valueField); inner != nil {
			value.Release()
			value = inner.Retain()
		}
		defer value.Release()
		typed, err := c.NewTyped(decl, value)
		if err != nil {
			// Unknown type tags decode to null.
			logger.Debugf("cannot deserialize %s: %v", decl, err)
			return object.NewNull(), errors.Trace(err)
		}
		return typed, nil
	case object.TypeArray:
		cont := object.NewArray()
		var desErr error
		obj.ApplyArray(func(idx int, value *object.Object) bool {
			var child *object.Object
			child, desErr = c.Deserialize(value)
			if desErr != nil {
				return false
			}
			cont.Append(child)
			child.Release()
			return true
		})
		if desErr != nil {
			cont.Release()
			return nil, errors.Trace(desErr)
		}
		defer cont.Release()
		return c.NewTyped("array", cont)
	default:
		return c.NewTyped(typeNameOf(obj), obj)
	}
}
