// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package serializer

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/twoporeguys/librpc/object"
)

// Custom node tags for kinds YAML has no standard representation of.
const (
	yamlFdTag    = "!fd"
	yamlErrorTag = "!error"
)

var yamlTimestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func init() {
	Register("yaml", yamlSerializer{})
}

type yamlSerializer struct{}

// Marshal implements Serializer.
func (yamlSerializer) Marshal(obj *object.Object) ([]byte, error) {
	node, err := yamlEncode(obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return yaml.Marshal(node)
}

// Unmarshal implements Serializer. Decoded objects carry their source
// line numbers, which the typing layer uses for diagnostics.
func (yamlSerializer) Unmarshal(data []byte) (*object.Object, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return object.NewNull(), errors.Trace(err)
	}
	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return object.NewNull(), nil
		}
		node = node.Content[0]
	}
	return yamlDecode(node)
}

func yamlEncode(obj *object.Object) (*yaml.Node, error) {
	if obj == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}
	switch obj.Type() {
	case object.TypeNull:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case object.TypeBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(obj.Bool())}, nil
	case object.TypeInt64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(obj.Int(), 10)}, nil
	case object.TypeUint64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(obj.Uint(), 10)}, nil
	case object.TypeDouble:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(obj.Double(), 'g', -1, 64)}, nil
	case object.TypeString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: obj.String()}, nil
	case object.TypeDate:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!timestamp", Value: obj.Date().UTC().Format(time.RFC3339)}, nil
	case object.TypeBinary:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!binary", Value: base64.StdEncoding.EncodeToString(obj.Bytes())}, nil
	case object.TypeFd:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: yamlFdTag, Value: strconv.Itoa(obj.Fd())}, nil
	case object.TypeArray:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		var encErr error
		obj.ApplyArray(func(idx int, v *object.Object) bool {
			var child *yaml.Node
			child, encErr = yamlEncode(v)
			if encErr != nil {
				return false
			}
			node.Content = append(node.Content, child)
			return true
		})
		return node, encErr
	case object.TypeDictionary:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		var encErr error
		obj.ApplyDict(func(key string, v *object.Object) bool {
			var child *yaml.Node
			child, encErr = yamlEncode(v)
			if encErr != nil {
				return false
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				child)
			return true
		})
		return node, encErr
	case object.TypeError:
		ev := obj.ErrorValue()
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: yamlErrorTag}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "code"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(ev.Code)},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "message"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ev.Message})
		if ev.Extra != nil {
			extra, err := yamlEncode(ev.Extra)
			if err != nil {
				return nil, errors.Trace(err)
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "extra"}, extra)
		}
		return node, nil
	}
	return nil, errors.Errorf("cannot encode object of type %s", obj.Type())
}

func yamlDecode(node *yaml.Node) (*object.Object, error) {
	if node.Kind == yaml.AliasNode {
		return yamlDecode(node.Alias)
	}
	obj, err := yamlDecodeValue(node)
	if err != nil {
		return obj, err
	}
	obj.SetLine(node.Line)
	return obj, nil
}

func yamlDecodeValue(node *yaml.Node) (*object.Object, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return yamlDecodeScalar(node)
	case yaml.SequenceNode:
		arr := object.NewArray()
		for _, child := range node.Content {
			obj, err := yamlDecode(child)
			if err != nil {
				arr.Release()
				return object.NewNull(), errors.Trace(err)
			}
			arr.Append(obj)
			obj.Release()
		}
		return arr, nil
	case yaml.MappingNode:
		if node.Tag == yamlErrorTag {
			return yamlDecodeError(node)
		}
		dict := object.NewDictionary()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			obj, err := yamlDecode(node.Content[i+1])
			if err != nil {
				dict.Release()
				return object.NewNull(), errors.Trace(err)
			}
			dict.Set(key, obj)
			obj.Release()
		}
		return dict, nil
	}
	return object.NewNull(), errors.Errorf("unknown YAML node kind %d", node.Kind)
}

func yamlDecodeScalar(node *yaml.Node) (*object.Object, error) {
	switch node.Tag {
	case "!!null":
		return object.NewNull(), nil
	case "!!bool":
		v, err := strconv.ParseBool(node.Value)
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewBool(v), nil
	case "!!int":
		if i, err := strconv.ParseInt(node.Value, 0, 64); err == nil {
			return object.NewInt64(i), nil
		}
		u, err := strconv.ParseUint(node.Value, 0, 64)
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewUint64(u), nil
	case "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewDouble(f), nil
	case "!!str":
		return object.NewString(node.Value), nil
	case "!!binary":
		b, err := base64.StdEncoding.DecodeString(node.Value)
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewBinary(b, true), nil
	case "!!timestamp":
		for _, layout := range yamlTimestampLayouts {
			if t, err := time.Parse(layout, node.Value); err == nil {
				return object.NewDate(t), nil
			}
		}
		return object.NewNull(), errors.Errorf("cannot parse timestamp %q", node.Value)
	case yamlFdTag:
		fd, err := strconv.Atoi(node.Value)
		if err != nil {
			return object.NewNull(), errors.Trace(err)
		}
		return object.NewFd(fd), nil
	}
	return object.NewNull(), errors.Errorf("unknown YAML tag %q", node.Tag)
}

func yamlDecodeError(node *yaml.Node) (*object.Object, error) {
	code := 0
	message := ""
	var extra *object.Object
	for i := 0; i+1 < len(node.Content); i += 2 {
		value := node.Content[i+1]
		switch node.Content[i].Value {
		case "code":
			n, err := strconv.Atoi(value.Value)
			if err != nil {
				return object.NewNull(), errors.Trace(err)
			}
			code = n
		case "message":
			message = value.Value
		case "extra":
			decoded, err := yamlDecode(value)
			if err != nil {
				return object.NewNull(), errors.Trace(err)
			}
			extra = decoded
			defer extra.Release()
		}
	}
	return object.NewError(code, message, extra), nil
}
