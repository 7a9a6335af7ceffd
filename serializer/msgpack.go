// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package serializer

import (
	"bytes"
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/twoporeguys/librpc/object"
)

// Extension tags used on the msgpack wire.
const (
	extDate   = 0x01
	extFd     = 0x02
	extNested = 0x04
)

// dateExt carries a date as seconds since the Unix epoch, encoded as
// a little-endian uint32.
type dateExt struct {
	secs uint32
}

// MarshalMsgpack implements msgpack.Marshaler.
func (d *dateExt) MarshalMsgpack() ([]byte, error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, d.secs)
	return payload, nil
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (d *dateExt) UnmarshalMsgpack(b []byte) error {
	if len(b) != 4 {
		return errors.Errorf("date extension has %d bytes, want 4", len(b))
	}
	d.secs = binary.LittleEndian.Uint32(b)
	return nil
}

// fdExt carries a file descriptor index; the descriptors themselves
// travel out-of-band with the transport.
type fdExt struct {
	index uint32
}

// MarshalMsgpack implements msgpack.Marshaler.
func (f *fdExt) MarshalMsgpack() ([]byte, error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, f.index)
	return payload, nil
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (f *fdExt) UnmarshalMsgpack(b []byte) error {
	if len(b) != 4 {
		return errors.Errorf("fd extension has %d bytes, want 4", len(b))
	}
	f.index = binary.LittleEndian.Uint32(b)
	return nil
}

// nestedExt carries a recursively encoded object; the payload
// re-enters the codec.
type nestedExt struct {
	data []byte
}

// MarshalMsgpack implements msgpack.Marshaler.
func (n *nestedExt) MarshalMsgpack() ([]byte, error) {
	return n.data, nil
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (n *nestedExt) UnmarshalMsgpack(b []byte) error {
	n.data = append([]byte(nil), b...)
	return nil
}

func init() {
	msgpack.RegisterExt(extDate, (*dateExt)(nil))
	msgpack.RegisterExt(extFd, (*fdExt)(nil))
	msgpack.RegisterExt(extNested, (*nestedExt)(nil))
	Register("msgpack", msgpackSerializer{})
}

type msgpackSerializer struct{}

// Marshal implements Serializer.
func (msgpackSerializer) Marshal(obj *object.Object) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := msgpackEncode(enc, obj); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Serializer.
func (msgpackSerializer) Unmarshal(data []byte) (*object.Object, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	obj, err := msgpackDecode(dec)
	if err != nil {
		return object.NewNull(), errors.Trace(err)
	}
	return obj, nil
}

func msgpackEncode(enc *msgpack.Encoder, obj *object.Object) error {
	if obj == nil {
		return enc.EncodeNil()
	}
	switch obj.Type() {
	case object.TypeNull:
		return enc.EncodeNil()
	case object.TypeBool:
		return enc.EncodeBool(obj.Bool())
	case object.TypeUint64:
		return enc.EncodeUint64(obj.Uint())
	case object.TypeInt64:
		return enc.EncodeInt64(obj.Int())
	case object.TypeDouble:
		return enc.EncodeFloat64(obj.Double())
	case object.TypeString:
		return enc.EncodeString(obj.String())
	case object.TypeBinary:
		buf := obj.Bytes()
		if buf == nil {
			buf = []byte{}
		}
		return enc.EncodeBytes(buf)
	case object.TypeDate:
		return enc.Encode(&dateExt{secs: uint32(obj.Date().Unix())})
	case object.TypeFd:
		return enc.Encode(&fdExt{index: uint32(obj.Fd())})
	case object.TypeArray:
		if err := enc.EncodeArrayLen(obj.Len()); err != nil {
			return errors.Trace(err)
		}
		var encErr error
		obj.ApplyArray(func(idx int, v *object.Object) bool {
			encErr = msgpackEncode(enc, v)
			return encErr == nil
		})
		return encErr
	case object.TypeDictionary:
		if err := enc.EncodeMapLen(obj.Len()); err != nil {
			return errors.Trace(err)
		}
		var encErr error
		obj.ApplyDict(func(key string, v *object.Object) bool {
			if encErr = enc.EncodeString(key); encErr != nil {
				return false
			}
			encErr = msgpackEncode(enc, v)
			return encErr == nil
		})
		return encErr
	case object.TypeError:
		// Errors travel as a nested object holding the error fields,
		// so the payload re-enters the codec.
		ev := obj.ErrorValue()
		inner := object.NewDictionary()
		defer inner.Release()
		code := object.NewInt64(int64(ev.Code))
		inner.Set("code", code)
		code.Release()
		msg := object.NewString(ev.Message)
		inner.Set("message", msg)
		msg.Release()
		if ev.Extra != nil {
			inner.Set("extra", ev.Extra)
		}
		if ev.Stack != nil {
			inner.Set("stacktrace", ev.Stack)
		}
		data, err := msgpackSerializer{}.Marshal(inner)
		if err != nil {
			return errors.Trace(err)
		}
		return enc.Encode(&nestedExt{data: data})
	}
	return errors.Errorf("cannot encode object of type %s", obj.Type())
}

func msgpackDecode(dec *msgpack.Decoder) (*object.Object, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch {
	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewNull(), nil

	case code == msgpcode.True || code == msgpcode.False:
		v, err := dec.DecodeBool()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewBool(v), nil

	case msgpcode.IsFixedNum(code):
		// Positive fixints decode to the unsigned kind, matching the
		// treatment of the msgpack integer families below.
		if int8(code) >= 0 {
			v, err := dec.DecodeUint64()
			if err != nil {
				return nil, errors.Trace(err)
			}
			return object.NewUint64(v), nil
		}
		v, err := dec.DecodeInt64()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewInt64(v), nil

	case code == msgpcode.Uint8 || code == msgpcode.Uint16 ||
		code == msgpcode.Uint32 || code == msgpcode.Uint64:
		v, err := dec.DecodeUint64()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewUint64(v), nil

	case code == msgpcode.Int8 || code == msgpcode.Int16 ||
		code == msgpcode.Int32 || code == msgpcode.Int64:
		v, err := dec.DecodeInt64()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewInt64(v), nil

	case code == msgpcode.Float || code == msgpcode.Double:
		v, err := dec.DecodeFloat64()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewDouble(v), nil

	case msgpcode.IsFixedString(code) || code == msgpcode.Str8 ||
		code == msgpcode.Str16 || code == msgpcode.Str32:
		v, err := dec.DecodeString()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewString(v), nil

	case code == msgpcode.Bin8 || code == msgpcode.Bin16 ||
		code == msgpcode.Bin32:
		v, err := dec.DecodeBytes()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return object.NewBinary(v, true), nil

	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 ||
		code == msgpcode.Array32:
		l, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, errors.Trace(err)
		}
		arr := object.NewArray()
		for i := 0; i < l; i++ {
			elem, err := msgpackDecode(dec)
			if err != nil {
				arr.Release()
				return nil, errors.Trace(err)
			}
			arr.Append(elem)
			elem.Release()
		}
		return arr, nil

	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 ||
		code == msgpcode.Map32:
		l, err := dec.DecodeMapLen()
		if err != nil {
			return nil, errors.Trace(err)
		}
		dict := object.NewDictionary()
		for i := 0; i < l; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				dict.Release()
				return nil, errors.Trace(err)
			}
			val, err := msgpackDecode(dec)
			if err != nil {
				dict.Release()
				return nil, errors.Trace(err)
			}
			dict.Set(key, val)
			val.Release()
		}
		return dict, nil

	case msgpcode.IsExt(code):
		// Registered extensions decode through the generic path.
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return msgpackDecodeExt(v)
	}
	return object.NewNull(), errors.Errorf("unknown msgpack tag %#x", code)
}

func msgpackDecodeExt(v interface{}) (*object.Object, error) {
	switch ext := v.(type) {
	case *dateExt:
		return object.NewDateSeconds(int64(ext.secs)), nil
	case dateExt:
		return object.NewDateSeconds(int64(ext.secs)), nil
	case *fdExt:
		return object.NewFd(int(ext.index)), nil
	case fdExt:
		return object.NewFd(int(ext.index)), nil
	case *nestedExt:
		return msgpackDecodeNested(ext.data)
	case nestedExt:
		return msgpackDecodeNested(ext.data)
	}
	return object.NewNull(), errors.Errorf("unknown msgpack extension %T", v)
}

func msgpackDecodeNested(data []byte) (*object.Object, error) {
	inner, err := msgpackSerializer{}.Unmarshal(data)
	if err != nil {
		return object.NewNull(), errors.Trace(err)
	}
	defer inner.Release()
	if inner.Type() != object.TypeDictionary {
		return object.NewNull(), errors.Errorf("nested extension does not hold a dictionary")
	}
	codeObj := inner.Get("code")
	if codeObj == nil {
		return object.NewNull(), errors.Errorf("nested extension lacks an error code")
	}
	errObj := object.NewError(int(codeObj.Int()), inner.GetString("message"), inner.Get("extra"))
	return errObj, nil
}
