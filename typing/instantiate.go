// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"strings"

	"github.com/twoporeguys/librpc/object"
)

// parseTypeList splits a comma-separated list of type instance
// declarations, honouring `<...>` nesting so that commas inside
// generic argument lists do not split.
func parseTypeList(decl string) []string {
	var out []string
	nesting := 0
	start := 0
	for i := 0; i < len(decl); i++ {
		switch decl[i] {
		case '<':
			nesting++
		case '>':
			nesting--
		case ',':
			if nesting == 0 {
				out = append(out, strings.TrimSpace(decl[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(decl[start:]))
	return out
}

// InstantiateType resolves a type instance declaration such as
// "HashMap<string,double>" into a TypeInstance. parent is the
// enclosing instance when resolving member types; ptype is the type
// whose generic variables may appear as proxies; origin scopes fuzzy
// name lookups.
//
// Non-generic instances are canonicalized: repeated instantiation of
// the same declaration yields the same shared instance.
func (c *Context) InstantiateType(decl string, parent *TypeInstance, ptype *Type, origin *File) (*TypeInstance, error) {
	logger.Tracef("instantiating type %s", decl)

	m := instanceRegex.FindStringSubmatch(decl)
	if m == nil {
		return nil, object.NewErrnoErrorf(object.EINVAL,
			"Invalid type specification: %s", decl)
	}
	declType, declVars := m[1], m[3]

	typ := c.findTypeFuzzy(declType, origin)
	if typ != nil && !typ.generic {
		c.cacheMu.Lock()
		if cached, ok := c.typeiCache[declType]; ok {
			c.cacheMu.Unlock()
			return cached.Retain(), nil
		}
		c.cacheMu.Unlock()
	}

	if typ == nil {
		// Not a known type; it may be a generic variable bound by an
		// enclosing instance, or a proxy for one of ptype's variables.
		for cur := parent; cur != nil; cur = cur.parent {
			if cur.typ != nil && cur.typ.generic {
				if sub, ok := cur.specializations[declType]; ok {
					return sub.Retain(), nil
				}
			}
		}
		if ptype != nil && ptype.generic {
			for _, v := range ptype.genericVars {
				if v == declType {
					return &TypeInstance{
						refcnt:        1,
						proxy:         true,
						variable:      declType,
						canonicalForm: declType,
					}, nil
				}
			}
		}
		return nil, object.NewErrnoErrorf(object.EINVAL, "Type %s not found", decl)
	}

	inst := &TypeInstance{
		refcnt:          1,
		typ:             typ,
		parent:          parent,
		specializations: make(map[string]*TypeInstance),
		constraints:     typ.constraints,
	}

	if typ.generic {
		if declVars == "" {
			return nil, object.NewErrnoErrorf(object.EINVAL,
				"Invalid generic variable specification: %s", decl)
		}
		vars := parseTypeList(declVars)
		if len(vars) != len(typ.genericVars) {
			return nil, object.NewErrnoErrorf(object.EINVAL,
				"Generic variable count mismatch in %s: got %d, want %d",
				decl, len(vars), len(typ.genericVars))
		}
		for i, varName := range typ.genericVars {
			sub, err := c.InstantiateType(vars[i], inst, ptype, origin)
			if err != nil {
				return nil, object.NewErrnoErrorf(object.EINVAL,
					"Cannot instantiate generic type %s in %s", vars[i], declType)
			}
			inst.specializations[varName] = sub
		}
	}

	inst.canonicalForm = canonicalForm(inst)

	if !typ.generic {
		c.cacheMu.Lock()
		if cached, ok := c.typeiCache[inst.canonicalForm]; ok {
			c.cacheMu.Unlock()
			return cached.Retain(), nil
		}
		c.typeiCache[inst.canonicalForm] = inst.Retain()
		c.cacheMu.Unlock()
	}
	return inst, nil
}

// canonicalForm renders the normalized string form of an instance,
// with specializations in generic-variable declaration order.
func canonicalForm(ti *TypeInstance) string {
	if ti.proxy {
		return ti.variable
	}
	var b strings.Builder
	b.WriteString(ti.typ.name)
	if !ti.typ.generic {
		return b.String()
	}
	b.WriteByte('<')
	for i, varName := range ti.typ.genericVars {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(canonicalForm(ti.specializations[varName]))
	}
	b.WriteByte('>')
	return b.String()
}
