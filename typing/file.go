// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/serializer"
)

// Declaration grammar. Generic variable lists are extracted here and
// split with the nest-aware parser in instantiate.go.
var (
	typeRegex      = regexp.MustCompile(`^(struct|union|enum|typedef|type)\s+([0-9a-zA-Z_.]+)(\s*<\s*(.*)\s*>)?$`)
	instanceRegex  = regexp.MustCompile(`^([0-9a-zA-Z_.]+)(\s*<\s*(.*)\s*>)?$`)
	interfaceRegex = regexp.MustCompile(`^interface\s+([0-9a-zA-Z_.]+)$`)
	propertyRegex  = regexp.MustCompile(`^property\s+([0-9a-zA-Z_]+)$`)
	methodRegex    = regexp.MustCompile(`^method\s+([0-9a-zA-Z_]+)$`)
	eventRegex     = regexp.MustCompile(`^event\s+([0-9a-zA-Z_]+)$`)
)

var metaFields = schema.FieldMap(
	schema.Fields{
		"version":     schema.Int(),
		"namespace":   schema.String(),
		"description": schema.String(),
		"use":         schema.List(schema.String()),
	},
	schema.Defaults{
		"namespace":   schema.Omit,
		"description": schema.Omit,
		"use":         schema.Omit,
	},
)

// File is a loaded IDL document.
type File struct {
	path        string
	body        *object.Object
	version     int
	ns          string
	description string
	uses        []string
	types       map[string]*Type
	interfaces  map[string]*Interface
}

// Path returns the path (or synthetic name) the file was loaded from.
func (f *File) Path() string { return f.path }

// Namespace returns the declared namespace, possibly empty.
func (f *File) Namespace() string { return f.ns }

// Version returns the declared file-level version.
func (f *File) Version() int { return f.version }

// Body returns the decoded document body.
func (f *File) Body() *object.Object { return f.body }

// ReadFile reads and decodes an IDL file, storing it by path. Loading
// an already-read path is a no-op returning success.
func (c *Context) ReadFile(path string) error {
	if _, ok := c.files[path]; ok {
		logger.Tracef("file %s already loaded", path)
		return nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Trace(err)
	}
	return c.readDocument(path, contents)
}

// ReadString decodes an IDL document held in memory, storing it under
// a synthetic name. Used by tests and by the typing download client.
func (c *Context) ReadString(name string, contents []byte) error {
	if _, ok := c.files[name]; ok {
		return nil
	}
	return c.readDocument(name, contents)
}

func (c *Context) readDocument(path string, contents []byte) error {
	body, err := serializer.Load("yaml", contents)
	if err != nil {
		return errors.Annotatef(err, "cannot decode %s", path)
	}
	if body.Type() != object.TypeDictionary {
		return object.NewErrnoErrorf(object.EINVAL, "%s does not hold a dictionary", path)
	}
	file := &File{
		path:       path,
		body:       body,
		types:      make(map[string]*Type),
		interfaces: make(map[string]*Interface),
	}
	if err := c.readMeta(file, body.Get("meta")); err != nil {
		return object.NewErrnoErrorf(object.EINVAL,
			"cannot read meta section of file %s: %v", path, err)
	}
	c.files[path] = file
	return nil
}

func (c *Context) readMeta(file *File, meta *object.Object) error {
	if meta == nil {
		return errors.New("meta section missing")
	}
	coerced, err := metaFields.Coerce(objectToGo(meta), nil)
	if err != nil {
		return errors.Trace(err)
	}
	fields := coerced.(map[string]interface{})
	file.version = int(fields["version"].(int64))
	if ns, ok := fields["namespace"]; ok {
		file.ns = ns.(string)
	}
	if desc, ok := fields["description"]; ok {
		file.description = desc.(string)
	}
	if uses, ok := fields["use"]; ok {
		for _, u := range uses.([]interface{}) {
			file.uses = append(file.uses, u.(string))
		}
	}
	return nil
}

// LoadTypes reads an IDL file and processes every declaration in it.
func (c *Context) LoadTypes(path string) error {
	if err := c.ReadFile(path); err != nil {
		return errors.Trace(err)
	}
	return c.loadDeclarations(c.files[path])
}

// LoadString is LoadTypes over an in-memory document.
func (c *Context) LoadString(name string, contents []byte) error {
	if err := c.ReadString(name, contents); err != nil {
		return errors.Trace(err)
	}
	return c.loadDeclarations(c.files[name])
}

// LoadTypesDir recursively loads every *.yaml file under path. Files
// are all read before any declarations are processed so that
// cross-file references resolve regardless of order.
func (c *Context) LoadTypesDir(path string) error {
	var loaded []string
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, ".yaml") {
			return nil
		}
		if err := c.ReadFile(p); err != nil {
			logger.Debugf("skipping %s: %v", p, err)
			return nil
		}
		loaded = append(loaded, p)
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, p := range loaded {
		if err := c.LoadTypes(p); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// LoadTypesStream is declared for parity with the other loaders but
// is not implemented.
func (c *Context) LoadTypesStream(fd int) error {
	return object.NewErrnoError(object.ENOTSUP, "Not implemented")
}

func (c *Context) loadDeclarations(file *File) error {
	var failed error
	file.body.ApplyDict(func(key string, value *object.Object) bool {
		if key == "meta" {
			return true
		}
		if interfaceRegex.MatchString(key) {
			if err := c.readInterface(file, key, value); err != nil {
				failed = errors.Annotatef(err, "%s", file.path)
				return false
			}
			return true
		}
		if err := c.readType(file, key, value); err != nil {
			failed = errors.Annotatef(err, "%s", file.path)
			return false
		}
		return true
	})
	return failed
}

// readType processes a single `<class> <Name>[<vars>]` declaration.
func (c *Context) readType(file *File, decl string, obj *object.Object) error {
	m := typeRegex.FindStringSubmatch(decl)
	if m == nil {
		return object.NewErrnoErrorf(object.EINVAL, "syntax error: %s", decl)
	}
	declClass, declName, declVars := m[1], m[2], m[4]

	name := declName
	if file.ns != "" {
		name = file.ns + "." + declName
	}
	if _, ok := c.types[name]; ok {
		// Already chain-loaded.
		return nil
	}

	var parent *Type
	if inherits := obj.GetString("inherits"); inherits != "" {
		parent = c.findTypeFuzzy(inherits, file)
		if parent == nil {
			return object.NewErrnoErrorf(object.ENOENT,
				"cannot find parent type: %s", inherits)
		}
	}

	t := &Type{
		name:        name,
		description: obj.GetString("description"),
		origin:      originOf(file, obj),
		file:        file,
		parent:      parent,
		members:     make(map[string]*Member),
		constraints: make(map[string]*object.Object),
	}
	handler, ok := classHandlers[declClass]
	if !ok {
		return object.NewErrnoErrorf(object.EINVAL, "unknown class handler: %s", declClass)
	}
	t.class = handler.id

	if declVars != "" {
		t.generic = true
		t.genericVars = parseTypeList(declVars)
	}

	// Pull inherited members first so the child's own declarations
	// override them.
	if parent != nil {
		for memberName, member := range parent.members {
			t.members[memberName] = member
		}
	}

	if members := obj.Get("members"); members != nil {
		var memberErr error
		members.ApplyDict(func(key string, value *object.Object) bool {
			member, err := handler.readMember(c, key, value, t)
			if err != nil {
				memberErr = err
				return false
			}
			t.members[key] = member
			return true
		})
		if memberErr != nil {
			return errors.Trace(memberErr)
		}
	}

	if constraints := obj.Get("constraints"); constraints != nil {
		constraints.ApplyDict(func(key string, value *object.Object) bool {
			t.constraints[key] = value.Retain()
			return true
		})
	}

	if typeDef := obj.GetString("type"); typeDef != "" {
		t.class = ClassTypedef
		definition, err := c.InstantiateType(typeDef, nil, t, file)
		if err != nil {
			return errors.Trace(err)
		}
		t.definition = definition
	}

	c.types[name] = t
	file.types[name] = t
	logger.Tracef("inserted type %s", name)
	return nil
}

func (c *Context) readInterface(file *File, decl string, obj *object.Object) error {
	m := interfaceRegex.FindStringSubmatch(decl)
	if m == nil {
		return object.NewErrnoErrorf(object.EINVAL, "cannot parse: %s", decl)
	}
	name := m[1]
	if file.ns != "" {
		name = file.ns + "." + name
	}
	if _, ok := c.interfaces[name]; ok {
		return nil
	}
	iface := &Interface{
		name:        name,
		description: obj.GetString("description"),
		origin:      originOf(file, obj),
		members:     make(map[string]*IfMember),
	}
	var memberErr error
	obj.ApplyDict(func(key string, value *object.Object) bool {
		switch {
		case strings.HasPrefix(key, "property"):
			memberErr = c.readProperty(file, iface, key, value)
		case strings.HasPrefix(key, "method"):
			memberErr = c.readMethod(file, iface, key, value)
		case strings.HasPrefix(key, "event"):
			memberErr = c.readEvent(file, iface, key, value)
		}
		return memberErr == nil
	})
	if memberErr != nil {
		return errors.Trace(memberErr)
	}
	c.interfaces[name] = iface
	file.interfaces[name] = iface
	return nil
}

func (c *Context) readMethod(file *File, iface *Interface, decl string, obj *object.Object) error {
	m := methodRegex.FindStringSubmatch(decl)
	if m == nil {
		return object.NewErrnoErrorf(object.EINVAL, "cannot parse: %s", decl)
	}
	method := &IfMember{
		Name:        m[1],
		Description: obj.GetString("description"),
		Kind:        MemberMethod,
	}
	if args := obj.Get("args"); args != nil {
		var argErr error
		args.ApplyArray(func(idx int, arg *object.Object) bool {
			argName := arg.GetString("name")
			if argName == "" {
				argErr = object.NewErrnoErrorf(object.EINVAL,
					"required 'name' field in argument %d of %s missing", idx, method.Name)
				return false
			}
			argType := arg.GetString("type")
			if argType == "" {
				argErr = object.NewErrnoErrorf(object.EINVAL,
					"required 'type' field in argument %d of %s missing", idx, method.Name)
				return false
			}
			inst, err := c.InstantiateType(argType, nil, nil, file)
			if err != nil {
				argErr = err
				return false
			}
			method.Arguments = append(method.Arguments, &Argument{
				Name:        argName,
				Description: arg.GetString("description"),
				Type:        inst,
			})
			return true
		})
		if argErr != nil {
			return errors.Trace(argErr)
		}
	}
	if returns := obj.Get("return"); returns != nil {
		returnsType := returns.GetString("type")
		result, err := c.InstantiateType(returnsType, nil, nil, file)
		if err != nil {
			return object.NewErrnoErrorf(object.EINVAL,
				"cannot instantiate return type %s of method %s", returnsType, method.Name)
		}
		method.Result = result
	}
	iface.members[method.Name] = method
	return nil
}

func (c *Context) readProperty(file *File, iface *Interface, decl string, obj *object.Object) error {
	m := propertyRegex.FindStringSubmatch(decl)
	if m == nil {
		return object.NewErrnoErrorf(object.EINVAL, "cannot parse: %s", decl)
	}
	prop := &IfMember{
		Name:        m[1],
		Description: obj.GetString("description"),
		Kind:        MemberProperty,
	}
	readOnly := boolField(obj, "read-only")
	writeOnly := boolField(obj, "write-only")
	readWrite := boolField(obj, "read-write")
	switch {
	case readWrite:
		prop.Access = AccessReadWrite
	case writeOnly:
		prop.Access = AccessWriteOnly
	case readOnly:
		prop.Access = AccessReadOnly
	default:
		return object.NewErrnoErrorf(object.EINVAL,
			"property %s has no access rights defined", prop.Name)
	}
	prop.Notify = boolField(obj, "notify")
	if typeDecl := obj.GetString("type"); typeDecl != "" {
		inst, err := c.InstantiateType(typeDecl, nil, nil, file)
		if err != nil {
			return errors.Trace(err)
		}
		prop.Result = inst
	}
	iface.members[prop.Name] = prop
	return nil
}

func (c *Context) readEvent(file *File, iface *Interface, decl string, obj *object.Object) error {
	m := eventRegex.FindStringSubmatch(decl)
	if m == nil {
		return object.NewErrnoErrorf(object.EINVAL, "cannot parse: %s", decl)
	}
	event := &IfMember{
		Name:        m[1],
		Description: obj.GetString("description"),
		Kind:        MemberEvent,
	}
	if typeDecl := obj.GetString("type"); typeDecl != "" {
		inst, err := c.InstantiateType(typeDecl, nil, nil, file)
		if err != nil {
			return errors.Trace(err)
		}
		event.Result = inst
	}
	iface.members[event.Name] = event
	return nil
}

func originOf(file *File, obj *object.Object) string {
	if obj.Line() > 0 {
		return file.path + ":" + strconv.Itoa(obj.Line())
	}
	return file.path
}

func boolField(obj *object.Object, key string) bool {
	v := obj.Get(key)
	return v != nil && v.Bool()
}

// objectToGo converts an object tree to plain Go values for schema
// coercion.
func objectToGo(obj *object.Object) interface{} {
	if obj == nil {
		return nil
	}
	switch obj.Type() {
	case object.TypeNull:
		return nil
	case object.TypeBool:
		return obj.Bool()
	case object.TypeUint64:
		return obj.Uint()
	case object.TypeInt64:
		return obj.Int()
	case object.TypeDouble:
		return obj.Double()
	case object.TypeString:
		return obj.String()
	case object.TypeArray:
		var out []interface{}
		obj.ApplyArray(func(idx int, v *object.Object) bool {
			out = append(out, objectToGo(v))
			return true
		})
		return out
	case object.TypeDictionary:
		out := make(map[string]interface{}, obj.Len())
		obj.ApplyDict(func(key string, v *object.Object) bool {
			out[key] = objectToGo(v)
			return true
		})
		return out
	}
	return nil
}
