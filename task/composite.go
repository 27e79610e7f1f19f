package task

import (
	"errors"
	"fmt"

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
)

// CompositeTag is the typetag future bearing composites are stored under.
const CompositeTag = "task:Composite"

func init() {
	hash.RegisterSpec(CompositeTag, func(spec []byte, resolve hash.Resolver) (hash.Hashed, error) {
		jsonstr, hashids, err := hash.SplitCompositeSpec(spec)
		if err != nil {
			return nil, err
		}
		components := make([]hash.Hashed, 0, len(hashids))
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

// Composite is a hashed composite that is also a future: a JSON-like
// container embedding at least one future. It becomes Done when all
// embedded futures are Done.
type Composite struct {
	inner *hash.Composite
	fut   *future.Future
}

// NewComposite builds a future bearing composite from a canonical JSON
// string and its components, at least one of which must be a future.
func NewComposite(jsonstr string, components []hash.Hashed) *Composite {
	var parents []*future.Future
	for _, comp := range components {
		if fut, ok := comp.(HashedFuture); ok {
			parents = append(parents, fut.Fut())
		}
	}
	if len(parents) == 0 {
		panic("task: composite without futures, use hash.NewComposite")
	}
	c := &Composite{inner: hash.NewComposite(jsonstr, components), fut: future.New(parents)}
	// Ready means every embedded future resolved, which is Done for a
	// composite
	c.fut.AddReadyCallback(func() {
		if err := c.fut.SetDone(); err != nil {
			panic(fmt.Sprintf("task: composite completion: %s", err))
		}
	})
	return c
}

// Fut implements HashedFuture for Composite.
func (c *Composite) Fut() *future.Future { return c.fut }

// State returns the composite's lifecycle state.
func (c *Composite) State() future.State { return c.fut.State() }

// IsDone reports whether every embedded future has completed.
func (c *Composite) IsDone() bool { return c.fut.IsDone() }

// Spec implements Hashed for Composite.
func (c *Composite) Spec() []byte { return c.inner.Spec() }

// Hashid implements Hashed for Composite.
func (c *Composite) Hashid() hash.Hash { return c.inner.Hashid() }

// TypeTag implements Hashed for Composite.
func (c *Composite) TypeTag() string { return CompositeTag }

// Label implements Hashed for Composite.
func (c *Composite) Label() string { return c.inner.Label() }

// Components implements Hashed for Composite.
func (c *Composite) Components() []hash.Hashed { return c.inner.Components() }

// Resolve decodes the composite's JSON form substituting embedded values
// through handler.
func (c *Composite) Resolve(handler func(hash.Hashed) (any, error)) (any, error) {
	return c.inner.Resolve(handler)
}

// Value implements Hashed for Composite, defined only when Done.
func (c *Composite) Value() (any, error) {
	if !c.IsDone() {
		return nil, fmt.Errorf("%w: not done: %s", future.ErrFuture, c.Label())
	}
	return c.inner.Resolve(func(comp hash.Hashed) (any, error) { return comp.Value() })
}

// DefaultResult resolves the composite substituting each embedded future's
// value or default, for speculative execution.
func (c *Composite) DefaultResult() (any, error) {
	return c.inner.Resolve(func(comp hash.Hashed) (any, error) {
		if fut, ok := comp.(HashedFuture); ok {
			return fut.ValueOrDefault()
		}
		return comp.Value()
	})
}

// ValueOrDefault returns the value when done and the default resolution
// otherwise.
func (c *Composite) ValueOrDefault() (any, error) {
	if c.IsDone() {
		return c.Value()
	}
	return c.DefaultResult()
}

// String implements Stringer for a Composite.
func (c *Composite) String() string {
	return fmt.Sprintf("%s: %s", c.Hashid().Tag(), c.Label())
}

// EnsureHashed turns any object into a Hashed one. Hashed values pass
// through unchanged, composites embedding futures wrap into a
// task.Composite, anything else JSON-like wraps into a hash.Composite.
func EnsureHashed(obj any) (hash.Hashed, error) {
	obj = hash.ApplySwaps(obj)
	if hashed, ok := obj.(hash.Hashed); ok {
		return hashed, nil
	}
	jsonstr, components, err := hash.ParseObject(obj)
	if err != nil {
		return nil, err
	}
	for _, comp := range components {
		if _, ok := comp.(HashedFuture); ok {
			return NewComposite(jsonstr, components), nil
		}
	}
	return hash.NewComposite(jsonstr, components), nil
}

// MaybeHashed turns any object into a Hashed one, or nil when the object
// is not hashable.
func MaybeHashed(obj any) (hash.Hashed, error) {
	hashed, err := EnsureHashed(obj)
	if err != nil {
		if errors.Is(err, hash.ErrComposite) {
			return nil, nil
		}
		return nil, err
	}
	return hashed, nil
}
