// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package object

// Equal reports structural equality: the types match and the values
// match, recursively for containers. Dictionary comparison ignores
// insertion order.
func Equal(a, b *Object) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeNull:
		return true
	case TypeBool:
		return a.boolval == b.boolval
	case TypeUint64:
		return a.uintval == b.uintval
	case TypeInt64:
		return a.intval == b.intval
	case TypeDouble:
		return a.dblval == b.dblval
	case TypeDate:
		return a.dateval.Equal(b.dateval)
	case TypeString:
		return a.strval == b.strval
	case TypeBinary:
		if len(a.binval) != len(b.binval) {
			return false
		}
		for i := range a.binval {
			if a.binval[i] != b.binval[i] {
				return false
			}
		}
		return true
	case TypeFd:
		return a.fdval == b.fdval
	case TypeArray:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case TypeDictionary:
		if a.dict.len() != b.dict.len() {
			return false
		}
		for _, ent := range a.dict.entries {
			other, ok := b.dict.get(ent.key)
			if !ok || !Equal(ent.value, other) {
				return false
			}
		}
		return true
	case TypeError:
		return a.errval.Code == b.errval.Code &&
			a.errval.Message == b.errval.Message &&
			Equal(a.errval.Extra, b.errval.Extra)
	}
	return false
}
