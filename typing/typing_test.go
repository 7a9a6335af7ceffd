// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typing_test

import (
	stdtesting "testing"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/typing"
)

func TestAll(t *stdtesting.T) {
	gc.TestingT(t)
}

type typingSuite struct {
	testing.IsolationSuite
	ctx *typing.Context
}

var _ = gc.Suite(&typingSuite{})

func (s *typingSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.ctx = typing.NewContext()
}

const exampleIDL = `
meta:
  version: 1
  namespace: com.example
  description: Example types

struct Address:
  description: A postal address
  members:
    street: string
    city:
      type: string
      constraints:
        maxLength: 64
    zip: string

struct Pair<A,B>:
  members:
    a: A
    b: B

typedef IntPair:
  type: Pair<int64,int64>

struct Box<T>:
  members:
    v: T

enum Color:
  members:
    red:
      description: Red
    green: null
    blue: null

union Value:
  members:
    num: int64
    text: string

interface Calc:
  description: Simple arithmetic
  method add:
    description: Add two numbers
    args:
      - name: a
        type: int64
      - name: b
        type: int64
    return:
      type: int64
  event tick:
    type: int64
  property version:
    type: string
    read-only: true
`

func (s *typingSuite) loadExample(c *gc.C) {
	err := s.ctx.LoadString("example.yaml", []byte(exampleIDL))
	c.Assert(err, jc.ErrorIsNil)
}

func (s *typingSuite) TestMissingMeta(c *gc.C) {
	err := s.ctx.LoadString("bad.yaml", []byte("struct Foo:\n  members:\n    a: string\n"))
	c.Assert(err, gc.NotNil)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.EINVAL)
}

func (s *typingSuite) TestLoadIdempotent(c *gc.C) {
	s.loadExample(c)
	err := s.ctx.LoadString("example.yaml", []byte("garbage"))
	c.Assert(err, jc.ErrorIsNil)
}

func (s *typingSuite) TestNamespacedLookup(c *gc.C) {
	s.loadExample(c)
	c.Assert(s.ctx.GetType("com.example.Address"), gc.NotNil)
	c.Assert(s.ctx.GetType("Address"), gc.IsNil)
}

func (s *typingSuite) TestBuiltinTypes(c *gc.C) {
	for _, name := range []string{"int64", "string", "dictionary", "any", "shmem"} {
		t := s.ctx.GetType(name)
		c.Assert(t, gc.NotNil, gc.Commentf("builtin %s", name))
		c.Assert(t.Class(), gc.Equals, typing.ClassBuiltin)
	}
}

func (s *typingSuite) TestCanonicalCache(c *gc.C) {
	first, err := s.ctx.NewTypeInstance("int64")
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.ctx.NewTypeInstance("int64")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(first == second, jc.IsTrue)
}

func (s *typingSuite) TestGenericInstantiation(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.Pair<string,double>")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inst.CanonicalForm(), gc.Equals, "com.example.Pair<string,double>")
	c.Assert(inst.FullySpecialized(), jc.IsTrue)
	c.Assert(inst.GenericVar("A").CanonicalForm(), gc.Equals, "string")
	c.Assert(inst.GenericVar("B").CanonicalForm(), gc.Equals, "double")
}

func (s *typingSuite) TestGenericArityMismatch(c *gc.C) {
	s.loadExample(c)
	_, err := s.ctx.NewTypeInstance("com.example.Pair<string>")
	c.Assert(err, gc.NotNil)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.EINVAL)
}

func (s *typingSuite) TestUnknownType(c *gc.C) {
	_, err := s.ctx.NewTypeInstance("NoSuchType")
	c.Assert(err, gc.NotNil)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.EINVAL)
}

func (s *typingSuite) TestNestedGenerics(c *gc.C) {
	s.loadExample(c)
	decl := "int64"
	for i := 0; i < 8; i++ {
		decl = "com.example.Box<" + decl + ">"
	}
	inst, err := s.ctx.NewTypeInstance(decl)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(inst.CanonicalForm(), gc.Equals, decl)

	depth := 0
	for cur := inst; cur != nil && cur.Type() != nil && cur.Type().Generic(); cur = cur.GenericVar("T") {
		depth++
	}
	c.Assert(depth, gc.Equals, 8)
}

func (s *typingSuite) TestTypedefUnwind(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.IntPair")
	c.Assert(err, jc.ErrorIsNil)
	raw := inst.Unwind()
	c.Assert(raw.CanonicalForm(), gc.Equals, "com.example.Pair<int64,int64>")
	c.Assert(raw.Type().Class(), gc.Equals, typing.ClassStruct)
}

func (s *typingSuite) TestValidateStruct(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.IntPair")
	c.Assert(err, jc.ErrorIsNil)

	value := object.NewDictionary()
	defer value.Release()
	a := object.NewInt64(1)
	value.Set("a", a)
	a.Release()
	b := object.NewInt64(2)
	value.Set("b", b)
	b.Release()

	valid, errs := s.ctx.Validate(inst, value)
	c.Assert(valid, jc.IsTrue, gc.Commentf("errors: %s", errs))
	errs.Release()
}

func (s *typingSuite) TestValidateStructBadMember(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.IntPair")
	c.Assert(err, jc.ErrorIsNil)

	value := object.NewDictionary()
	defer value.Release()
	a := object.NewString("x")
	value.Set("a", a)
	a.Release()
	b := object.NewInt64(2)
	value.Set("b", b)
	b.Release()

	valid, errs := s.ctx.Validate(inst, value)
	c.Assert(valid, jc.IsFalse)
	defer errs.Release()
	c.Assert(errs.Len() > 0, jc.IsTrue)
	found := false
	errs.ApplyArray(func(idx int, e *object.Object) bool {
		if e.GetString("path") == ".a" {
			found = true
			c.Check(e.GetString("message"), gc.Equals,
				"Incompatible type string, should be int64")
		}
		return true
	})
	c.Assert(found, jc.IsTrue)
}

func (s *typingSuite) TestValidateMissingMember(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.Address")
	c.Assert(err, jc.ErrorIsNil)

	value := object.NewDictionary()
	defer value.Release()
	street := object.NewString("Main St")
	value.Set("street", street)
	street.Release()

	valid, errs := s.ctx.Validate(inst, value)
	c.Assert(valid, jc.IsFalse)
	errs.Release()
}

func (s *typingSuite) TestValidateConstraint(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.Address")
	c.Assert(err, jc.ErrorIsNil)

	value := object.NewDictionary()
	defer value.Release()
	for key, val := range map[string]string{
		"street": "Main St",
		"zip":    "12345",
	} {
		v := object.NewString(val)
		value.Set(key, v)
		v.Release()
	}
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	city := object.NewString(string(long))
	value.Set("city", city)
	city.Release()

	valid, errs := s.ctx.Validate(inst, value)
	c.Assert(valid, jc.IsFalse)
	defer errs.Release()
	found := false
	errs.ApplyArray(func(idx int, e *object.Object) bool {
		if e.GetString("path") == ".city" {
			found = true
		}
		return true
	})
	c.Assert(found, jc.IsTrue)
}

func (s *typingSuite) TestValidateEnum(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.Color")
	c.Assert(err, jc.ErrorIsNil)

	good := object.NewString("red")
	defer good.Release()
	valid, errs := s.ctx.Validate(inst, good)
	c.Assert(valid, jc.IsTrue, gc.Commentf("errors: %s", errs))
	errs.Release()

	bad := object.NewString("magenta")
	defer bad.Release()
	valid, errs = s.ctx.Validate(inst, bad)
	c.Assert(valid, jc.IsFalse)
	errs.Release()
}

func (s *typingSuite) TestValidateUnion(c *gc.C) {
	s.loadExample(c)
	inst, err := s.ctx.NewTypeInstance("com.example.Value")
	c.Assert(err, jc.ErrorIsNil)

	num := object.NewInt64(42)
	defer num.Release()
	valid, errs := s.ctx.Validate(inst, num)
	c.Assert(valid, jc.IsTrue, gc.Commentf("errors: %s", errs))
	errs.Release()

	text := object.NewString("forty-two")
	defer text.Release()
	valid, errs = s.ctx.Validate(inst, text)
	c.Assert(valid, jc.IsTrue)
	errs.Release()

	other := object.NewDouble(4.5)
	defer other.Release()
	valid, errs = s.ctx.Validate(inst, other)
	c.Assert(valid, jc.IsFalse)
	errs.Release()
}

func (s *typingSuite) TestCompatibilityIgnoresSpecializations(c *gc.C) {
	s.loadExample(c)
	declared, err := s.ctx.NewTypeInstance("com.example.Pair<string,string>")
	c.Assert(err, jc.ErrorIsNil)
	actual, err := s.ctx.NewTypeInstance("com.example.Pair<int64,int64>")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(typing.IsCompatible(declared, actual), jc.IsTrue)
}

func (s *typingSuite) TestAnyCompatibility(c *gc.C) {
	s.loadExample(c)
	declared, err := s.ctx.NewTypeInstance("any")
	c.Assert(err, jc.ErrorIsNil)
	actual, err := s.ctx.NewTypeInstance("com.example.Address")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(typing.IsCompatible(declared, actual), jc.IsTrue)
}

func (s *typingSuite) TestInterface(c *gc.C) {
	s.loadExample(c)
	iface := s.ctx.GetInterface("com.example.Calc")
	c.Assert(iface, gc.NotNil)

	add, err := s.ctx.FindIfMember("com.example.Calc", "add")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(add.Kind, gc.Equals, typing.MemberMethod)
	c.Assert(add.Arguments, gc.HasLen, 2)
	c.Assert(add.Arguments[0].Name, gc.Equals, "a")
	c.Assert(add.Result.CanonicalForm(), gc.Equals, "int64")

	tick, err := s.ctx.FindIfMember("com.example.Calc", "tick")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(tick.Kind, gc.Equals, typing.MemberEvent)

	version, err := s.ctx.FindIfMember("com.example.Calc", "version")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(version.Kind, gc.Equals, typing.MemberProperty)
	c.Assert(version.Access, gc.Equals, typing.AccessReadOnly)

	_, err = s.ctx.FindIfMember("com.example.Calc", "missing")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENOENT)
	_, err = s.ctx.FindIfMember("com.example.Nope", "add")
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENOENT)
}

func (s *typingSuite) TestValidateArgs(c *gc.C) {
	s.loadExample(c)
	add, err := s.ctx.FindIfMember("com.example.Calc", "add")
	c.Assert(err, jc.ErrorIsNil)

	args := object.NewArray()
	defer args.Release()
	a := object.NewString("x")
	args.Append(a)
	a.Release()
	b := object.NewInt64(3)
	args.Append(b)
	b.Release()

	valid, errs := s.ctx.ValidateArgs(add, args)
	c.Assert(valid, jc.IsFalse)
	defer errs.Release()
	c.Assert(errs.Len(), gc.Equals, 1)
	first, err2 := errs.GetIndex(0)
	c.Assert(err2, jc.ErrorIsNil)
	c.Assert(first.GetString("path"), gc.Equals, ".0")
	c.Assert(first.GetString("message"), gc.Equals,
		"Incompatible type string, should be int64")
}

func (s *typingSuite) TestPrecallValidate(c *gc.C) {
	s.loadExample(c)
	args := object.NewArray()
	defer args.Release()
	a := object.NewString("x")
	args.Append(a)
	a.Release()
	b := object.NewInt64(3)
	args.Append(b)
	b.Release()

	errObj := s.ctx.PrecallValidate("com.example.Calc", "add", args)
	c.Assert(errObj, gc.NotNil)
	defer errObj.Release()
	ev := errObj.ErrorValue()
	c.Assert(ev.Code, gc.Equals, object.EINVAL)
	c.Assert(ev.Extra, gc.NotNil)
	c.Assert(ev.Extra.Len(), gc.Equals, 1)
}

func (s *typingSuite) TestLoadTypesStream(c *gc.C) {
	err := s.ctx.LoadTypesStream(0)
	c.Assert(object.ErrnoCode(err), gc.Equals, object.ENOTSUP)
}

func (s *typingSuite) TestTypedSerializeDeserialize(c *gc.C) {
	s.loadExample(c)
	value := object.NewDictionary()
	for key, val := range map[string]string{
		"street": "Main St",
		"city":   "Springfield",
		"zip":    "12345",
	} {
		v := object.NewString(val)
		value.Set(key, v)
		v.Release()
	}
	typed, err := s.ctx.NewTyped("com.example.Address", value)
	c.Assert(err, jc.ErrorIsNil)
	value.Release()

	encoded, err := s.ctx.Serialize(typed)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(encoded.GetString("%type"), gc.Equals, "com.example.Address")
	c.Assert(encoded.GetString("city"), gc.Equals, "Springfield")

	decoded, err := s.ctx.Deserialize(encoded)
	c.Assert(err, jc.ErrorIsNil)
	ti := typing.InstanceOf(decoded)
	c.Assert(ti, gc.NotNil)
	c.Assert(ti.CanonicalForm(), gc.Equals, "com.example.Address")
	c.Assert(decoded.GetString("street"), gc.Equals, "Main St")
	c.Assert(decoded.Has("%type"), jc.IsFalse)
	decoded.Release()
	encoded.Release()
	typed.Release()
}

func (s *typingSuite) TestUnknownTypeTagDeserializesToNull(c *gc.C) {
	s.loadExample(c)
	value := object.NewDictionary()
	defer value.Release()
	tag := object.NewString("com.example.Missing")
	value.Set("%type", tag)
	tag.Release()

	decoded, err := s.ctx.Deserialize(value)
	c.Assert(err, gc.NotNil)
	c.Assert(decoded.Type(), gc.Equals, object.TypeNull)
	decoded.Release()
}

func (s *typingSuite) TestDefaultContext(c *gc.C) {
	isolated := typing.NewContext()
	typing.SetDefault(isolated)
	defer typing.SetDefault(nil)
	c.Assert(typing.Default() == isolated, jc.IsTrue)
}
