package hash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// swapFunc turns a raw leaf value into its Hashed wrapper, reporting
// whether it matched.
type swapFunc func(any) (Hashed, bool)

// typeSwaps maps user leaf types to their Hashed wrapper at composite
// construction time, []byte -> Bytes is built in, files registers File
var typeSwaps []swapFunc

// RegisterSwap registers a leaf type swap, it is intended to be called
// from init functions of packages defining Hashed wrappers for raw values.
func RegisterSwap(swap swapFunc) {
	typeSwaps = append(typeSwaps, swap)
}

func init() {
	RegisterSwap(func(v any) (Hashed, bool) {
		if b, ok := v.([]byte); ok {
			return NewBytes(b), true
		}
		return nil, false
	})
}

// ApplySwaps runs v through the registered leaf type swaps, returning the
// Hashed wrapper if one matched and v unchanged otherwise.
func ApplySwaps(v any) any {
	for _, swap := range typeSwaps {
		if hashed, ok := swap(v); ok {
			return hashed
		}
	}
	return v
}

// classCodec encodes and decodes a registered plain leaf class, e.g. a
// filesystem path or a symlink directive, as {"_type": name, ...fields}.
type classCodec struct {
	name   string
	encode func(any) (map[string]any, bool)
	decode func(map[string]any) (any, error)
}

var (
	classCodecs   []classCodec
	classDecoders = make(map[string]func(map[string]any) (any, error))
)

// RegisterClass registers a plain leaf class with the composite codec.
// encode reports whether the value is of the class and returns its fields,
// decode reconstructs the value from those fields.
func RegisterClass(name string, encode func(any) (map[string]any, bool), decode func(map[string]any) (any, error)) {
	if _, ok := classDecoders[name]; ok {
		panic(fmt.Sprintf("hash: duplicate class codec registered for %q", name))
	}
	classCodecs = append(classCodecs, classCodec{name: name, encode: encode, decode: decode})
	classDecoders[name] = decode
}

// encoder writes the canonical JSON form of a composite, recording each
// substituted Hashed value on the tape.
type encoder struct {
	buf  bytes.Buffer
	tape []Hashed
	path []uintptr // containers on the current recursion path, cycle guard
}

// ParseObject encodes a JSON-like value into its canonical string form and
// the set of embedded Hashed components. The encoding sorts map keys,
// replaces Hashed values by a sentinel carrying only their hashid and
// encodes registered leaf classes by their typed fields.
func ParseObject(obj any) (jsonstr string, components []Hashed, err error) {
	enc := &encoder{}
	if err := enc.encode(obj); err != nil {
		return "", nil, err
	}
	return enc.buf.String(), enc.tape, nil
}

func (e *encoder) encode(v any) error {
	v = ApplySwaps(v)

	if hashed, ok := v.(Hashed); ok {
		e.buf.WriteString(`{"_type":"Hashed","hashid":`)
		e.writeString(string(hashed.Hashid()))
		e.buf.WriteByte('}')
		e.tape = append(e.tape, hashed)
		return nil
	}

	for _, codec := range classCodecs {
		fields, ok := codec.encode(v)
		if !ok {
			continue
		}
		e.buf.WriteString(`{"_type":`)
		e.writeString(codec.name)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.buf.WriteByte(',')
			e.writeString(k)
			e.buf.WriteByte(':')
			if err := e.encode(fields[k]); err != nil {
				return err
			}
		}
		e.buf.WriteByte('}')
		return nil
	}

	switch val := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case bool:
		if val {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil
	case string:
		e.writeString(val)
		return nil
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int8, int16, int32, int64:
		e.buf.WriteString(strconv.FormatInt(reflect.ValueOf(val).Int(), 10))
		return nil
	case uint, uint8, uint16, uint32, uint64:
		e.buf.WriteString(strconv.FormatUint(reflect.ValueOf(val).Uint(), 10))
		return nil
	case float32:
		return e.writeFloat(float64(val))
	case float64:
		return e.writeFloat(val)
	case json.Number:
		e.buf.WriteString(string(val))
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if err := e.push(rv.Pointer()); err != nil {
				return err
			}
			defer e.pop()
		}
		e.buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			if err := e.encode(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		e.buf.WriteByte(']')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: dict keys must be strings, got %s", ErrComposite, rv.Type().Key())
		}
		if err := e.push(rv.Pointer()); err != nil {
			return err
		}
		defer e.pop()
		keys := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			keys = append(keys, iter.Key().String())
		}
		sort.Strings(keys)
		e.buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			e.writeString(k)
			e.buf.WriteByte(':')
			if err := e.encode(rv.MapIndex(reflect.ValueOf(k)).Interface()); err != nil {
				return err
			}
		}
		e.buf.WriteByte('}')
		return nil
	}

	return fmt.Errorf("%w: unknown object %#v", ErrComposite, v)
}

// push guards against cyclic containers: a container already on the
// current path means the structure references itself.
func (e *encoder) push(ptr uintptr) error {
	for _, p := range e.path {
		if p == ptr {
			return fmt.Errorf("%w: cyclic structure", ErrComposite)
		}
	}
	e.path = append(e.path, ptr)
	return nil
}

func (e *encoder) pop() {
	e.path = e.path[:len(e.path)-1]
}

func (e *encoder) writeString(s string) {
	encoded, _ := json.Marshal(s) //nolint: errcheck // Marshalling a string cannot fail
	e.buf.Write(encoded)
}

func (e *encoder) writeFloat(f float64) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: cannot encode number %v", ErrComposite, f)
	}
	e.buf.Write(encoded)
	return nil
}

// Hook substitutes a decoded {"_type": tag, ...} sentinel by a live value.
type Hook func(typetag string, fields map[string]any) (any, error)

// DecodeJSON parses a canonical composite string back into its value form,
// calling hook on Hashed sentinels and decoding registered leaf classes.
// Numbers decode as float64, per JSON semantics.
func DecodeJSON(jsonstr string, hook Hook) (any, error) {
	var raw any
	if err := json.Unmarshal([]byte(jsonstr), &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid composite encoding: %s", ErrComposite, err)
	}
	return decodeValue(raw, hook)
}

func decodeValue(v any, hook Hook) (any, error) {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := decodeValue(item, hook)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case map[string]any:
		tag, tagged := val["_type"].(string)
		out := make(map[string]any, len(val))
		for k, item := range val {
			if tagged && k == "_type" {
				continue
			}
			decoded, err := decodeValue(item, hook)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		if !tagged {
			return out, nil
		}
		if decode, ok := classDecoders[tag]; ok {
			return decode(out)
		}
		return hook(tag, out)
	default:
		return v, nil
	}
}

// CompositeTag is the typetag Composite values are stored under.
const CompositeTag = "hash:Composite"

func init() {
	RegisterSpec(CompositeTag, func(spec []byte, resolve Resolver) (Hashed, error) {
		jsonstr, hashids, err := SplitCompositeSpec(spec)
		if err != nil {
			return nil, err
		}
		components := make([]Hashed, 0, len(hashids))
		for _, h := range hashids {
			comp, err := resolve(h)
			if err != nil {
				return nil, err
			}
			components = append(components, comp)
		}
		return NewComposite(jsonstr, components), nil
	})
}

// SplitCompositeSpec splits a composite spec back into the canonical JSON
// string and the sorted component hashids.
func SplitCompositeSpec(spec []byte) (jsonstr string, hashids []Hash, err error) {
	var parts []string
	if err := json.Unmarshal(spec, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: invalid composite spec: %s", ErrComposite, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: empty composite spec", ErrComposite)
	}
	for _, h := range parts[1:] {
		hashids = append(hashids, Hash(h))
	}
	return parts[0], hashids, nil
}

// Composite wraps a JSON-like container that may embed other Hashed
// values. Its spec is the canonical JSON string followed by the sorted
// list of embedded hashids so the composite can be reconstructed by
// resolving each one.
type Composite struct {
	jsonstr    string
	components map[Hash]Hashed
	hashid     Hash
	label      string
	value      any
	resolved   bool
}

// NewComposite builds a Composite from an already canonical JSON string
// and its components.
func NewComposite(jsonstr string, components []Hashed) *Composite {
	comps := make(map[Hash]Hashed, len(components))
	for _, comp := range components {
		comps[comp.Hashid()] = comp
	}
	c := &Composite{jsonstr: jsonstr, components: comps}
	c.hashid = Sum(c.Spec())
	c.label = ShortenText([]byte(jsonstr), 40)
	return c
}

// CompositeFromObject encodes a JSON-like value and wraps it in a
// Composite.
func CompositeFromObject(obj any) (*Composite, error) {
	jsonstr, components, err := ParseObject(obj)
	if err != nil {
		return nil, err
	}
	return NewComposite(jsonstr, components), nil
}

// JSONStr returns the canonical JSON string of the composite.
func (c *Composite) JSONStr() string { return c.jsonstr }

// Spec implements Hashed for Composite.
func (c *Composite) Spec() []byte {
	hashids := c.sortedHashids()
	parts := make([]string, 0, len(hashids)+1)
	parts = append(parts, c.jsonstr)
	for _, h := range hashids {
		parts = append(parts, string(h))
	}
	spec, _ := json.Marshal(parts) //nolint: errcheck // Marshalling strings cannot fail
	return spec
}

// Hashid implements Hashed for Composite.
func (c *Composite) Hashid() Hash { return c.hashid }

// TypeTag implements Hashed for Composite.
func (c *Composite) TypeTag() string { return CompositeTag }

// Label implements Hashed for Composite.
func (c *Composite) Label() string { return c.label }

// Components implements Hashed for Composite, enumerating the embedded
// values in sorted hashid order.
func (c *Composite) Components() []Hashed {
	hashids := c.sortedHashids()
	components := make([]Hashed, 0, len(hashids))
	for _, h := range hashids {
		components = append(components, c.components[h])
	}
	return components
}

// Component returns the embedded value with the given hashid.
func (c *Composite) Component(h Hash) (Hashed, bool) {
	comp, ok := c.components[h]
	return comp, ok
}

// Resolve decodes the composite's JSON form, substituting each embedded
// Hashed through handler.
func (c *Composite) Resolve(handler func(Hashed) (any, error)) (any, error) {
	return DecodeJSON(c.jsonstr, func(tag string, fields map[string]any) (any, error) {
		if tag != "Hashed" {
			return nil, fmt.Errorf("%w: unknown type tag %q", ErrComposite, tag)
		}
		hashid, ok := fields["hashid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: malformed Hashed sentinel", ErrComposite)
		}
		comp, ok := c.components[Hash(hashid)]
		if !ok {
			return nil, fmt.Errorf("%w: missing component %s", ErrComposite, hashid)
		}
		return handler(comp)
	})
}

// Value implements Hashed for Composite, resolving every embedded value.
func (c *Composite) Value() (any, error) {
	if c.resolved {
		return c.value, nil
	}
	value, err := c.Resolve(func(comp Hashed) (any, error) { return comp.Value() })
	if err != nil {
		return nil, err
	}
	c.value, c.resolved = value, true
	return value, nil
}

func (c *Composite) sortedHashids() []Hash {
	hashids := make([]Hash, 0, len(c.components))
	for h := range c.components {
		hashids = append(hashids, h)
	}
	sort.Slice(hashids, func(i, j int) bool { return hashids[i] < hashids[j] })
	return hashids
}
