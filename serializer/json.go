// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package serializer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/twoporeguys/librpc/object"
)

// Sentinel keys used to carry kinds JSON has no native notion of.
const (
	jsonDateKey   = "%date"
	jsonBinaryKey = "%binary"
	jsonFdKey     = "%fd"
	jsonUint64Key = "%uint64"
	jsonErrorKey  = "%error"
)

func init() {
	Register("json", jsonSerializer{})
}

type jsonSerializer struct{}

// Marshal implements Serializer.
func (jsonSerializer) Marshal(obj *object.Object) ([]byte, error) {
	v, err := jsonEncode(obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return json.Marshal(v)
}

// Unmarshal implements Serializer.
func (jsonSerializer) Unmarshal(data []byte) (*object.Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return object.NewNull(), errors.Trace(err)
	}
	return jsonDecode(v)
}

func jsonEncode(obj *object.Object) (interface{}, error) {
	if obj == nil {
		return nil, nil
	}
	switch obj.Type() {
	case object.TypeNull:
		return nil, nil
	case object.TypeBool:
		return obj.Bool(), nil
	case object.TypeInt64:
		return obj.Int(), nil
	case object.TypeUint64:
		return map[string]interface{}{jsonUint64Key: strconv.FormatUint(obj.Uint(), 10)}, nil
	case object.TypeDouble:
		return obj.Double(), nil
	case object.TypeString:
		return obj.String(), nil
	case object.TypeDate:
		return map[string]interface{}{jsonDateKey: obj.Date().Unix()}, nil
	case object.TypeBinary:
		return map[string]interface{}{jsonBinaryKey: base64.StdEncoding.EncodeToString(obj.Bytes())}, nil
	case object.TypeFd:
		return map[string]interface{}{jsonFdKey: obj.Fd()}, nil
	case object.TypeArray:
		out := make([]interface{}, 0, obj.Len())
		var encErr error
		obj.ApplyArray(func(idx int, v *object.Object) bool {
			var ev interface{}
			ev, encErr = jsonEncode(v)
			if encErr != nil {
				return false
			}
			out = append(out, ev)
			return true
		})
		return out, encErr
	case object.TypeDictionary:
		out := make(map[string]interface{}, obj.Len())
		var encErr error
		obj.ApplyDict(func(key string, v *object.Object) bool {
			var ev interface{}
			ev, encErr = jsonEncode(v)
			if encErr != nil {
				return false
			}
			out[key] = ev
			return true
		})
		return out, encErr
	case object.TypeError:
		ev := obj.ErrorValue()
		body := map[string]interface{}{
			"code":    ev.Code,
			"message": ev.Message,
		}
		if ev.Extra != nil {
			extra, err := jsonEncode(ev.Extra)
			if err != nil {
				return nil, errors.Trace(err)
			}
			body["extra"] = extra
		}
		return map[string]interface{}{jsonErrorKey: body}, nil
	}
	return nil, errors.Errorf("cannot encode object of type %s", obj.Type())
}

func jsonDecode(v interface{}) (*object.Object, error) {
	switch val := v.(type) {
	case nil:
		return object.NewNull(), nil
	case bool:
		return object.NewBool(val), nil
	case string:
		return object.NewString(val), nil
	case json.Number:
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			f, err := val.Float64()
			if err != nil {
				return object.NewNull(), errors.Trace(err)
			}
			return object.NewDouble(f), nil
		}
		i, err := val.Int64()
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewInt64(i), nil
	case []interface{}:
		arr := object.NewArray()
		for _, elem := range val {
			obj, err := jsonDecode(elem)
			if err != nil {
				arr.Release()
				return object.NewNull(), errors.Trace(err)
			}
			arr.Append(obj)
			obj.Release()
		}
		return arr, nil
	case map[string]interface{}:
		if len(val) == 1 {
			if obj, ok, err := jsonDecodeSentinel(val); ok {
				return obj, err
			}
		}
		dict := object.NewDictionary()
		// Restore a stable order; encoding/json maps are unordered.
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			obj, err := jsonDecode(val[key])
			if err != nil {
				dict.Release()
				return object.NewNull(), errors.Trace(err)
			}
			dict.Set(key, obj)
			obj.Release()
		}
		return dict, nil
	}
	return object.NewNull(), errors.Errorf("unknown JSON shape %T", v)
}

func jsonDecodeSentinel(val map[string]interface{}) (*object.Object, bool, error) {
	if raw, ok := val[jsonDateKey]; ok {
		num, ok := raw.(json.Number)
		if !ok {
			return object.NewNull(), true, errors.Errorf("malformed %s value", jsonDateKey)
		}
		secs, err := num.Int64()
		if err != nil {
			return object.NewNull(), true, errors.Trace(err)
		}
		return object.NewDateSeconds(secs), true, nil
	}
	if raw, ok := val[jsonBinaryKey]; ok {
		s, ok := raw.(string)
		if !ok {
			return object.NewNull(), true, errors.Errorf("malformed %s value", jsonBinaryKey)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return object.NewNull(), true, errors.Trace(err)
		}
		return object.NewBinary(b, true), true, nil
	}
	if raw, ok := val[jsonFdKey]; ok {
		num, ok := raw.(json.Number)
		if !ok {
			return object.NewNull(), true, errors.Errorf("malformed %s value", jsonFdKey)
		}
		fd, err := num.Int64()
		if err != nil {
			return object.NewNull(), true, errors.Trace(err)
		}
		return object.NewFd(int(fd)), true, nil
	}
	if raw, ok := val[jsonUint64Key]; ok {
		s, ok := raw.(string)
		if !ok {
			return object.NewNull(), true, errors.Errorf("malformed %s value", jsonUint64Key)
		}
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return object.NewNull(), true, errors.Trace(err)
		}
		return object.NewUint64(u), true, nil
	}
	if raw, ok := val[jsonErrorKey]; ok {
		body, ok := raw.(map[string]interface{})
		if !ok {
			return object.NewNull(), true, errors.Errorf("malformed %s value", jsonErrorKey)
		}
		code := int64(0)
		if num, ok := body["code"].(json.Number); ok {
			code, _ = num.Int64()
		}
		message, _ := body["message"].(string)
		var extra *object.Object
		if rawExtra, ok := body["extra"]; ok {
			decoded, err := jsonDecode(rawExtra)
			if err != nil {
				return object.NewNull(), true, errors.Trace(err)
			}
			extra = decoded
			defer extra.Release()
		}
		return object.NewError(int(code), message, extra), true, nil
	}
	return nil, false, nil
}
