package task

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
)

// ComponentTag is the typetag Component values are stored under.
const ComponentTag = "task:Component"

func init() {
	hash.RegisterSpec(ComponentTag, func(spec []byte, resolve hash.Resolver) (hash.Hashed, error) {
		return componentFromSpec(spec, resolve)
	})
}

// Component is a hashed future representing task[k1][k2]...: an index path
// into a task's eventual value. It completes as soon as the root task
// does; the indexing itself happens lazily at resolution so that a missing
// key surfaces only when the component is actually consumed.
type Component struct {
	fut    *future.Future
	task   *Task
	def    any
	label  string
	hashid hash.Hash
	spec   []byte
	keys   []any
	hasDef bool
}

func newComponent(t *Task, keys []any, def any, hasDef bool) *Component {
	c := &Component{
		fut:    future.New([]*future.Future{t.Fut()}),
		task:   t,
		keys:   keys,
		def:    def,
		hasDef: hasDef,
	}
	var label strings.Builder
	label.WriteString(t.Label())
	for _, key := range keys {
		label.WriteString(formatKey(key))
	}
	c.label = label.String()

	parts := make([]any, 0, len(keys)+1)
	parts = append(parts, string(t.Hashid()))
	parts = append(parts, keys...)
	jsonstr, _, err := hash.ParseObject(parts)
	if err != nil {
		// Get does not check its keys, one ParseObject rejects panics here
		panic(fmt.Sprintf("task: cannot encode component keys: %s", err))
	}
	c.spec = []byte(jsonstr)
	c.hashid = hash.Sum(c.spec)

	// A component is done the moment its task is
	c.fut.AddReadyCallback(func() {
		if err := c.fut.SetDone(); err != nil {
			panic(fmt.Sprintf("task: component completion: %s", err))
		}
	})
	return c
}

func componentFromSpec(spec []byte, resolve hash.Resolver) (*Component, error) {
	decoded, err := hash.DecodeJSON(string(spec), func(tag string, fields map[string]any) (any, error) {
		return nil, fmt.Errorf("%w: unexpected %q in component spec", ErrTask, tag)
	})
	if err != nil {
		return nil, err
	}
	parts, ok := decoded.([]any)
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: malformed component spec", ErrTask)
	}
	taskHash, ok := parts[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: malformed component spec", ErrTask)
	}
	resolved, err := resolve(hash.Hash(taskHash))
	if err != nil {
		return nil, err
	}
	root, ok := resolved.(*Task)
	if !ok {
		return nil, fmt.Errorf("%w: component root %s is not a task", ErrTask, taskHash)
	}
	return newComponent(root, parts[1:], nil, false), nil
}

func formatKey(key any) string {
	if s, ok := key.(string); ok {
		return fmt.Sprintf("[%q]", s)
	}
	return fmt.Sprintf("[%v]", key)
}

// Fut implements HashedFuture for Component.
func (c *Component) Fut() *future.Future { return c.fut }

// State returns the component's lifecycle state.
func (c *Component) State() future.State { return c.fut.State() }

// IsDone reports whether the component has completed.
func (c *Component) IsDone() bool { return c.fut.IsDone() }

// Task returns the root task the component indexes into.
func (c *Component) Task() *Task { return c.task }

// Spec implements Hashed for Component: canonical JSON of the root task's
// hashid followed by the index keys.
func (c *Component) Spec() []byte { return c.spec }

// Hashid implements Hashed for Component.
func (c *Component) Hashid() hash.Hash { return c.hashid }

// TypeTag implements Hashed for Component.
func (c *Component) TypeTag() string { return ComponentTag }

// Label implements Hashed for Component.
func (c *Component) Label() string { return c.label }

// Components implements Hashed for Component.
func (c *Component) Components() []hash.Hashed { return []hash.Hashed{c.task} }

// Get returns a deeper component with key appended to the index path.
func (c *Component) Get(key any) *Component {
	return newComponent(c.task, append(append([]any{}, c.keys...), key), nil, false)
}

// Resolve obtains the root value through handler and walks the index path.
func (c *Component) Resolve(handler func(*Task) (any, error)) (any, error) {
	obj, err := handler(c.task)
	if err != nil {
		return nil, err
	}
	for _, key := range c.keys {
		obj, err = indexValue(obj, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.label, err)
		}
	}
	return obj, nil
}

// Value implements Hashed for Component, defined only when Done.
func (c *Component) Value() (any, error) {
	if !c.IsDone() {
		return nil, fmt.Errorf("%w: not done: %s", future.ErrFuture, c.label)
	}
	return c.Resolve(func(t *Task) (any, error) { return t.Result() })
}

// DefaultResult returns the component default if configured, else indexes
// into the root task's default.
func (c *Component) DefaultResult() (any, error) {
	if c.hasDef {
		return c.def, nil
	}
	return c.Resolve(func(t *Task) (any, error) { return t.DefaultResult() })
}

// ValueOrDefault returns the value when done and the default otherwise.
func (c *Component) ValueOrDefault() (any, error) {
	if c.IsDone() {
		return c.Value()
	}
	return c.DefaultResult()
}

// Metadata implements Metadatable for Component.
func (c *Component) Metadata() []byte {
	var buf bytes.Buffer
	meta := componentMeta{HasDefault: c.hasDef, Default: c.def}
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil
	}
	return buf.Bytes()
}

// SetMetadata implements Metadatable for Component.
func (c *Component) SetMetadata(meta []byte) error {
	var decoded componentMeta
	if err := gob.NewDecoder(bytes.NewReader(meta)).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: invalid component metadata: %s", ErrTask, err)
	}
	c.hasDef, c.def = decoded.HasDefault, decoded.Default
	return nil
}

type componentMeta struct {
	Default    any
	HasDefault bool
}

// String implements Stringer for a Component.
func (c *Component) String() string {
	return fmt.Sprintf("%s: %s", c.hashid.Tag(), c.label)
}

// indexValue walks one step of an index path: string keys index maps,
// numeric keys index lists.
func indexValue(obj, key any) (any, error) {
	switch container := obj.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map index %v is not a string", ErrTask, key)
		}
		value, ok := container[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrTask, k)
		}
		return value, nil
	case []any:
		var i int
		switch k := key.(type) {
		case int:
			i = k
		case float64:
			i = int(k)
		default:
			return nil, fmt.Errorf("%w: list index %v is not an integer", ErrTask, key)
		}
		if i < 0 || i >= len(container) {
			return nil, fmt.Errorf("%w: index %d out of range (%d elements)", ErrTask, i, len(container))
		}
		return container[i], nil
	default:
		return nil, fmt.Errorf("%w: cannot index into %T", ErrTask, obj)
	}
}
