// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package serializer_test

import (
	stdtesting "testing"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/twoporeguys/librpc/object"
	"github.com/twoporeguys/librpc/serializer"
)

func TestAll(t *stdtesting.T) {
	gc.TestingT(t)
}

type serializerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&serializerSuite{})

var codecNames = []string{"msgpack", "json", "yaml"}

func (s *serializerSuite) roundTrip(c *gc.C, codec string, obj *object.Object) *object.Object {
	data, err := serializer.Dump(codec, obj)
	c.Assert(err, jc.ErrorIsNil, gc.Commentf("codec %s", codec))
	decoded, err := serializer.Load(codec, data)
	c.Assert(err, jc.ErrorIsNil, gc.Commentf("codec %s: %q", codec, data))
	return decoded
}

func (s *serializerSuite) TestPrimitiveRoundTrips(c *gc.C) {
	cases := []*object.Object{
		object.NewNull(),
		object.NewBool(true),
		object.NewBool(false),
		object.NewInt64(-1234567),
		object.NewUint64(1<<63 + 17),
		object.NewDouble(3.0625),
		object.NewString(""),
		object.NewString("hello world"),
		object.NewBinary([]byte{0, 1, 2, 0xff}, true),
		object.NewBinary(nil, true),
		object.NewDateSeconds(0),
		object.NewDateSeconds(1<<31 - 1),
	}
	for _, codec := range codecNames {
		for i, obj := range cases {
			decoded := s.roundTrip(c, codec, obj)
			c.Check(object.Equal(obj, decoded), jc.IsTrue,
				gc.Commentf("codec %s case %d (%s)", codec, i, obj.Type()))
			decoded.Release()
		}
	}
	for _, obj := range cases {
		obj.Release()
	}
}

func (s *serializerSuite) TestArrayOrderPreserved(c *gc.C) {
	arr := object.NewArray()
	defer arr.Release()
	for i := 0; i < 10; i++ {
		v := object.NewInt64(int64(i * 3))
		arr.Append(v)
		v.Release()
	}
	for _, codec := range codecNames {
		decoded := s.roundTrip(c, codec, arr)
		c.Assert(decoded.Len(), gc.Equals, 10)
		decoded.ApplyArray(func(idx int, v *object.Object) bool {
			c.Check(v.Int(), gc.Equals, int64(idx*3), gc.Commentf("codec %s", codec))
			return true
		})
		decoded.Release()
	}
}

func (s *serializerSuite) TestDictionaryKeySetPreserved(c *gc.C) {
	dict := object.NewDictionary()
	defer dict.Release()
	for _, key := range []string{"alpha", "beta", "gamma"} {
		v := object.NewString(key + "-value")
		dict.Set(key, v)
		v.Release()
	}
	for _, codec := range codecNames {
		decoded := s.roundTrip(c, codec, dict)
		c.Assert(decoded.Len(), gc.Equals, 3, gc.Commentf("codec %s", codec))
		for _, key := range []string{"alpha", "beta", "gamma"} {
			c.Check(decoded.GetString(key), gc.Equals, key+"-value")
		}
		decoded.Release()
	}
}

func (s *serializerSuite) TestNestedContainers(c *gc.C) {
	inner := object.NewDictionary()
	flag := object.NewBool(true)
	inner.Set("flag", flag)
	flag.Release()

	arr := object.NewArray()
	arr.Append(inner)
	inner.Release()

	outer := object.NewDictionary()
	defer outer.Release()
	outer.Set("items", arr)
	arr.Release()

	for _, codec := range codecNames {
		decoded := s.roundTrip(c, codec, outer)
		c.Check(object.Equal(outer, decoded), jc.IsTrue, gc.Commentf("codec %s", codec))
		decoded.Release()
	}
}

func (s *serializerSuite) TestErrorRoundTrip(c *gc.C) {
	extra := object.NewString("context")
	errObj := object.NewError(object.ENOENT, "gone missing", extra)
	extra.Release()
	defer errObj.Release()

	for _, codec := range codecNames {
		decoded := s.roundTrip(c, codec, errObj)
		ev := decoded.ErrorValue()
		c.Assert(ev, gc.NotNil, gc.Commentf("codec %s", codec))
		c.Check(ev.Code, gc.Equals, object.ENOENT)
		c.Check(ev.Message, gc.Equals, "gone missing")
		c.Check(ev.Extra.String(), gc.Equals, "context")
		decoded.Release()
	}
}

func (s *serializerSuite) TestFdRoundTrip(c *gc.C) {
	obj := object.NewFd(7)
	for _, codec := range codecNames {
		data, err := serializer.Dump(codec, obj)
		c.Assert(err, jc.ErrorIsNil)
		decoded, err := serializer.Load(codec, data)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(decoded.Fd(), gc.Equals, 7, gc.Commentf("codec %s", codec))
		// Disown before release so the test process's descriptors
		// stay intact.
		decoded.StealFd()
		decoded.Release()
	}
	obj.StealFd()
	obj.Release()
}

func (s *serializerSuite) TestMsgpackDateExtension(c *gc.C) {
	obj := object.NewDateSeconds(1500000000)
	defer obj.Release()
	data, err := serializer.Dump("msgpack", obj)
	c.Assert(err, jc.ErrorIsNil)
	// fixext4 header with extension type 0x01.
	c.Assert(data[0], gc.Equals, byte(0xd6))
	c.Assert(data[1], gc.Equals, byte(0x01))

	decoded, err := serializer.Load("msgpack", data)
	c.Assert(err, jc.ErrorIsNil)
	defer decoded.Release()
	c.Assert(decoded.Type(), gc.Equals, object.TypeDate)
	c.Assert(decoded.Date().Unix(), gc.Equals, int64(1500000000))
}

func (s *serializerSuite) TestUnknownSerializer(c *gc.C) {
	_, err := serializer.Lookup("xml")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *serializerSuite) TestNames(c *gc.C) {
	names := serializer.Names()
	for _, want := range codecNames {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		c.Check(found, jc.IsTrue, gc.Commentf("codec %s missing", want))
	}
}

func (s *serializerSuite) TestMalformedInput(c *gc.C) {
	for _, codec := range []string{"json", "msgpack"} {
		decoded, err := serializer.Load(codec, []byte{0xc1})
		c.Check(err, gc.NotNil, gc.Commentf("codec %s", codec))
		c.Check(decoded.Type(), gc.Equals, object.TypeNull)
		decoded.Release()
	}
}
