package value

// DictValue is a string-keyed dictionary that remembers insertion order.
// Non-string keys are stored under their string form.
type DictValue struct {
	keys []string
	m    map[string]Value
}

// NewDict returns an empty dict.
func NewDict() *DictValue {
	return &DictValue{m: map[string]Value{}}
}

// DictOf builds a dict from alternating key, value pairs.
func DictOf(kv ...any) *DictValue {
	d := NewDict()
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i].(string), FromGo(kv[i+1]))
	}
	return d
}

func (d *DictValue) String() string { return Repr(d) }
func (d *DictValue) Truth() bool    { return d != nil && len(d.keys) > 0 }

// Len returns the number of entries.
func (d *DictValue) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Get returns the value stored under k.
func (d *DictValue) Get(k string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.m[k]
	return v, ok
}

// Set stores v under k, keeping the position of an existing key.
func (d *DictValue) Set(k string, v Value) {
	if _, ok := d.m[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.m[k] = v
}

// Delete removes k.
func (d *DictValue) Delete(k string) {
	if _, ok := d.m[k]; !ok {
		return
	}
	delete(d.m, k)
	for i, x := range d.keys {
		if x == k {
			d.keys = append(d.keys[:i:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *DictValue) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Items implements Iterable; iterating a dict yields its keys.
func (d *DictValue) Items() ([]Value, error) {
	out := make([]Value, 0, d.Len())
	for _, k := range d.Keys() {
		out = append(out, StringValue(k))
	}
	return out, nil
}

// Pairs returns (key, value) tuples in insertion order.
func (d *DictValue) Pairs() ListValue {
	out := make(ListValue, 0, d.Len())
	for _, k := range d.Keys() {
		out = append(out, ListValue{StringValue(k), d.m[k]})
	}
	return out
}

// Copy returns a shallow copy.
func (d *DictValue) Copy() *DictValue {
	c := NewDict()
	for _, k := range d.Keys() {
		c.Set(k, d.m[k])
	}
	return c
}

// Update copies all entries of o into d.
func (d *DictValue) Update(o *DictValue) {
	for _, k := range o.Keys() {
		d.Set(k, o.m[k])
	}
}
