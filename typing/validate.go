// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/twoporeguys/librpc/object"
)

// ValidationError is a single validation failure, located by a
// dot-path into the validated value.
type ValidationError struct {
	Path    string
	Message string
	Extra   *object.Object
}

// errorContext accumulates validation errors with a dot-path prefix.
// Derived contexts share the error slice with their parent.
type errorContext struct {
	path   string
	errors *[]ValidationError
}

func newErrorContext() *errorContext {
	errs := make([]ValidationError, 0)
	return &errorContext{errors: &errs}
}

func (e *errorContext) derive(name string) *errorContext {
	return &errorContext{
		path:   e.path + "." + name,
		errors: e.errors,
	}
}

func (e *errorContext) addf(extra *object.Object, format string, args ...interface{}) {
	*e.errors = append(*e.errors, ValidationError{
		Path:    e.path,
		Message: fmt.Sprintf(format, args...),
		Extra:   extra,
	})
}

// errorsToObject renders accumulated errors as an array of
// {path, message, extra} dictionaries.
func errorsToObject(errs []ValidationError) *object.Object {
	arr := object.NewArray()
	for _, e := range errs {
		ent := object.NewDictionary()
		path := object.NewString(e.Path)
		ent.Set("path", path)
		path.Release()
		msg := object.NewString(e.Message)
		ent.Set("message", msg)
		msg.Release()
		if e.Extra != nil {
			ent.Set("extra", e.Extra)
		}
		arr.Append(ent)
		ent.Release()
	}
	return arr
}

// Validator checks a value against a single constraint. It returns
// false on failure after appending errors to the context.
type Validator func(obj *object.Object, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool

var (
	validatorsMu sync.RWMutex
	validators   = make(map[string]map[string]Validator)
)

// RegisterValidator installs a constraint validator keyed by builtin
// type name and constraint name.
func RegisterValidator(typeName, constraintName string, v Validator) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	byConstraint, ok := validators[typeName]
	if !ok {
		byConstraint = make(map[string]Validator)
		validators[typeName] = byConstraint
	}
	byConstraint[constraintName] = v
}

func findValidator(typeName, constraintName string) Validator {
	validatorsMu.RLock()
	defer validatorsMu.RUnlock()
	return validators[typeName][constraintName]
}

// runValidators applies every constraint attached to the instance.
func runValidators(ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	valid := true
	typeName := typeNameOf(obj)
	for name, constraint := range ti.constraints {
		v := findValidator(typeName, name)
		if v == nil {
			errctx.addf(nil, "Validator %s not found", name)
			valid = false
			continue
		}
		logger.Tracef("running validator %s on %s", name, typeName)
		if !v(obj, constraint, ti, errctx) {
			valid = false
		}
	}
	return valid
}

// validateInstance implements the validation pipeline: unwind
// typedefs, check the annotation (or builtin compatibility for
// unannotated objects), then dispatch to the class validator.
func (c *Context) validateInstance(ti *TypeInstance, obj *object.Object, errctx *errorContext) bool {
	raw := ti.Unwind()

	actual := InstanceOf(obj)
	if actual == nil {
		switch {
		case raw.canonicalForm == "any":
		case raw.canonicalForm == "nulltype" || raw.canonicalForm == "nullptr":
			if obj.Type() != object.TypeNull {
				errctx.addf(nil, "Incompatible type %s, should be %s",
					typeNameOf(obj), raw.canonicalForm)
				return false
			}
		case typeNameOf(obj) == raw.canonicalForm:
		case raw.typ != nil && raw.typ.class != ClassBuiltin:
			// Untyped values may still satisfy struct/union/enum
			// declarations structurally; the class validator decides.
		default:
			errctx.addf(nil, "Incompatible type %s, should be %s",
				typeNameOf(obj), raw.canonicalForm)
			return false
		}
	} else if !IsCompatible(raw, actual) {
		errctx.addf(nil, "Incompatible type %s, should be %s",
			actual.canonicalForm, ti.canonicalForm)
		return false
	}

	handler := classHandlerByID[raw.typ.class]
	return handler.validate(c, raw, obj, errctx)
}

// Validate checks obj against the type instance. On failure it
// returns false together with an array object describing each error.
func (c *Context) Validate(ti *TypeInstance, obj *object.Object) (bool, *object.Object) {
	errctx := newErrorContext()
	valid := c.validateInstance(ti, obj, errctx)
	return valid, errorsToObject(*errctx.errors)
}

// ValidateArgs checks a call argument array against a method's
// declared argument list. Each argument's errors are reported under
// the dot-path of its position.
func (c *Context) ValidateArgs(member *IfMember, args *object.Object) (bool, *object.Object) {
	if len(member.Arguments) == 0 {
		return true, object.NewArray()
	}
	errctx := newErrorContext()
	valid := true
	args.ApplyArray(func(idx int, arg *object.Object) bool {
		if idx >= len(member.Arguments) {
			return false
		}
		argCtx := errctx.derive(strconv.Itoa(idx))
		if !c.validateInstance(member.Arguments[idx].Type, arg, argCtx) {
			valid = false
		}
		return true
	})
	return valid, errorsToObject(*errctx.errors)
}

// ValidateReturn checks a method result against the declared return
// type.
func (c *Context) ValidateReturn(member *IfMember, result *object.Object) (bool, *object.Object) {
	if member.Result == nil {
		return true, object.NewArray()
	}
	return c.Validate(member.Result, result)
}

// PrecallValidate is the pre-call hook: it validates call arguments
// and returns nil when the call may proceed, or an EINVAL error
// object carrying the per-argument error array.
func (c *Context) PrecallValidate(ifaceName, methodName string, args *object.Object) *object.Object {
	member, err := c.FindIfMember(ifaceName, methodName)
	if err != nil {
		// Methods without IDL coverage are not validated.
		return nil
	}
	valid, errs := c.ValidateArgs(member, args)
	if valid {
		errs.Release()
		return nil
	}
	defer errs.Release()
	return object.NewError(object.EINVAL,
		fmt.Sprintf("Validation failed: %d errors", errs.Len()), errs)
}

// PostcallValidate is the post-call hook validating a method result.
func (c *Context) PostcallValidate(ifaceName, methodName string, result *object.Object) *object.Object {
	member, err := c.FindIfMember(ifaceName, methodName)
	if err != nil {
		return nil
	}
	valid, errs := c.ValidateReturn(member, result)
	if valid {
		errs.Release()
		return nil
	}
	defer errs.Release()
	return object.NewError(object.EINVAL, "Return value validation failed", errs)
}

func init() {
	RegisterValidator("string", "minLength", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
		if int64(len(obj.String())) < constraint.Int() {
			errctx.addf(nil, "String is shorter than %d characters", constraint.Int())
			return false
		}
		return true
	})
	RegisterValidator("string", "maxLength", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
		if int64(len(obj.String())) > constraint.Int() {
			errctx.addf(nil, "String is longer than %d characters", constraint.Int())
			return false
		}
		return true
	})
	for _, typeName := range []string{"int64", "uint64", "double"} {
		RegisterValidator(typeName, "min", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
			if numericValue(obj) < numericValue(constraint) {
				errctx.addf(nil, "Value is smaller than %v", numericValue(constraint))
				return false
			}
			return true
		})
		RegisterValidator(typeName, "max", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
			if numericValue(obj) > numericValue(constraint) {
				errctx.addf(nil, "Value is larger than %v", numericValue(constraint))
				return false
			}
			return true
		})
	}
	RegisterValidator("array", "minItems", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
		if int64(obj.Len()) < constraint.Int() {
			errctx.addf(nil, "Array has fewer than %d items", constraint.Int())
			return false
		}
		return true
	})
	RegisterValidator("array", "maxItems", func(obj, constraint *object.Object, ti *TypeInstance, errctx *errorContext) bool {
		if int64(obj.Len()) > constraint.Int() {
			errctx.addf(nil, "Array has more than %d items", constraint.Int())
			return false
		}
		return true
	})
}

func numericValue(obj *object.Object) float64 {
	switch obj.Type() {
	case object.TypeInt64:
		return float64(obj.Int())
	case object.TypeUint64:
		return float64(obj.Uint())
	case object.TypeDouble:
		return obj.Double()
	}
	return 0
}
