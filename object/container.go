// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package object

// dictValue stores dictionary entries in insertion order so that
// iteration order is stable for the lifetime of the dictionary.
type dictValue struct {
	index   map[string]int
	entries []dictEntry
}

type dictEntry struct {
	key   string
	value *Object
}

func newDictValue() *dictValue {
	return &dictValue{index: make(map[string]int)}
}

func (d *dictValue) len() int {
	return len(d.entries)
}

func (d *dictValue) get(key string) (*Object, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.entries[i].value, true
}

func (d *dictValue) set(key string, v *Object) (old *Object) {
	if i, ok := d.index[key]; ok {
		old = d.entries[i].value
		d.entries[i].value = v
		return old
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, dictEntry{key: key, value: v})
	return nil
}

func (d *dictValue) remove(key string) (*Object, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	v := d.entries[i].value
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	delete(d.index, key)
	for j := i; j < len(d.entries); j++ {
		d.index[d.entries[j].key] = j
	}
	return v, true
}

// Append appends v to an array, taking a new reference on it.
func (o *Object) Append(v *Object) {
	if o.typ != TypeArray {
		return
	}
	o.list = append(o.list, v.Retain())
}

// SetIndex replaces the element at idx, releasing the previous value.
// Returns ERANGE when idx is out of bounds.
func (o *Object) SetIndex(idx int, v *Object) error {
	if o.typ != TypeArray {
		return NewErrnoError(EINVAL, "not an array")
	}
	if idx < 0 || idx >= len(o.list) {
		return NewErrnoErrorf(ERANGE, "index %d out of bounds", idx)
	}
	old := o.list[idx]
	o.list[idx] = v.Retain()
	old.Release()
	return nil
}

// GetIndex returns the element at idx without transferring a
// reference, or ERANGE when idx is out of bounds.
func (o *Object) GetIndex(idx int) (*Object, error) {
	if o.typ != TypeArray {
		return nil, NewErrnoError(EINVAL, "not an array")
	}
	if idx < 0 || idx >= len(o.list) {
		return nil, NewErrnoErrorf(ERANGE, "index %d out of bounds", idx)
	}
	return o.list[idx], nil
}

// RemoveIndex removes and releases the element at idx.
func (o *Object) RemoveIndex(idx int) error {
	if o.typ != TypeArray {
		return NewErrnoError(EINVAL, "not an array")
	}
	if idx < 0 || idx >= len(o.list) {
		return NewErrnoErrorf(ERANGE, "index %d out of bounds", idx)
	}
	old := o.list[idx]
	o.list = append(o.list[:idx], o.list[idx+1:]...)
	old.Release()
	return nil
}

// Len returns the number of elements for containers, zero otherwise.
func (o *Object) Len() int {
	switch o.typ {
	case TypeArray:
		return len(o.list)
	case TypeDictionary:
		return o.dict.len()
	}
	return 0
}

// ApplyArray iterates the array elements in order. The callback may
// return false to stop early; ApplyArray then returns false. Each
// value is retained for the duration of the callback.
func (o *Object) ApplyArray(cb func(idx int, v *Object) bool) bool {
	if o.typ != TypeArray {
		return true
	}
	for i, v := range o.list {
		v.Retain()
		ok := cb(i, v)
		v.Release()
		if !ok {
			return false
		}
	}
	return true
}

// Set stores v under key in a dictionary, taking a new reference on v
// and releasing any value previously stored under the key.
func (o *Object) Set(key string, v *Object) {
	if o.typ != TypeDictionary {
		return
	}
	if old := o.dict.set(key, v.Retain()); old != nil {
		old.Release()
	}
}

// Get returns the value stored under key without transferring a
// reference, or nil when the key is absent.
func (o *Object) Get(key string) *Object {
	if o == nil || o.typ != TypeDictionary {
		return nil
	}
	v, _ := o.dict.get(key)
	return v
}

// Has reports whether the dictionary contains key.
func (o *Object) Has(key string) bool {
	if o == nil || o.typ != TypeDictionary {
		return false
	}
	_, ok := o.dict.get(key)
	return ok
}

// Remove removes and releases the value stored under key.
func (o *Object) Remove(key string) error {
	if o.typ != TypeDictionary {
		return NewErrnoError(EINVAL, "not a dictionary")
	}
	v, ok := o.dict.remove(key)
	if !ok {
		return NewErrnoErrorf(ENOENT, "key %q not found", key)
	}
	v.Release()
	return nil
}

// DetachKey removes the value stored under key and transfers its
// reference to the caller. Returns nil when the key is absent.
func (o *Object) DetachKey(key string) *Object {
	if o.typ != TypeDictionary {
		return nil
	}
	v, ok := o.dict.remove(key)
	if !ok {
		return nil
	}
	return v
}

// ApplyDict iterates the dictionary entries in insertion order. The
// callback may return false to stop early; ApplyDict then returns
// false. Each value is retained for the duration of the callback.
func (o *Object) ApplyDict(cb func(key string, v *Object) bool) bool {
	if o.typ != TypeDictionary {
		return true
	}
	for _, ent := range o.dict.entries {
		ent.value.Retain()
		ok := cb(ent.key, ent.value)
		ent.value.Release()
		if !ok {
			return false
		}
	}
	return true
}

// Keys returns the dictionary keys in insertion order.
func (o *Object) Keys() []string {
	if o.typ != TypeDictionary {
		return nil
	}
	keys := make([]string, 0, len(o.dict.entries))
	for _, ent := range o.dict.entries {
		keys = append(keys, ent.key)
	}
	return keys
}

// GetString is a convenience accessor returning the string stored
// under key, or "" when absent or not a string.
func (o *Object) GetString(key string) string {
	v := o.Get(key)
	if v == nil || v.typ != TypeString {
		return ""
	}
	return v.strval
}
