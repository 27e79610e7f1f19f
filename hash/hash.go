// Package hash implements warp's content addressing: every value that can
// participate in the task graph exposes a canonical byte spec and a stable
// SHA-1 digest of that spec, so that equal values collapse onto the same
// identity regardless of how they were constructed.
//
// The Hashed capability is the heart of the engine: tasks, composites, raw
// bytes and files all implement it, and the persistent cache reconstructs any
// of them from (typetag, spec) through the factory registry in this package.
package hash

import (
	"crypto/sha1" //nolint: gosec // Not used for security, only content addressing
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrHashing is the base error for values that cannot be reduced to a
// stable digest.
var ErrHashing = errors.New("hashing error")

// ErrComposite is the base error for values that are not valid JSON-like
// composites (unsupported leaf, non-string map key, cyclic structure).
var ErrComposite = errors.New("composite error")

// Hash is a 40 hex character SHA-1 digest of a canonical byte spec.
type Hash string

// Sum computes the Hash of the given bytes.
func Sum(data []byte) Hash {
	digest := sha1.Sum(data) //nolint: gosec // Content addressing, not crypto
	return Hash(hex.EncodeToString(digest[:]))
}

// Tag returns the short form of the hash used in labels and filenames.
func (h Hash) Tag() string {
	if len(h) < 6 {
		return string(h)
	}
	return string(h[:6])
}

// Resolver turns a Hash back into the live Hashed object it identifies,
// typically by looking it up in a session or the persistent cache.
type Resolver func(Hash) (Hashed, error)

// Hashed is the capability set identifying a value by a stable spec-derived
// hashid. Equality of Hashed values is equality of their hashids.
type Hashed interface {
	// Spec returns the canonical byte spec the hashid is derived from.
	Spec() []byte
	// Hashid returns the SHA-1 digest of the spec.
	Hashid() Hash
	// TypeTag names the concrete kind for the factory registry.
	TypeTag() string
	// Label returns a short human readable description.
	Label() string
	// Value returns the wrapped value, if it can be resolved.
	Value() (any, error)
	// Components enumerates sub-hashed values a reconstructor will need.
	Components() []Hashed
}

// Metadatable is the optional capability for Hashed values that carry
// side metadata (e.g. task labels and defaults) not included in the spec.
type Metadatable interface {
	Metadata() []byte
	SetMetadata(meta []byte) error
}

// Factory reconstructs a Hashed value from its spec, resolving any
// component hashids through resolve.
type Factory func(spec []byte, resolve Resolver) (Hashed, error)

// read-mostly registry of typetag to factory, populated from package
// init functions so no locking is needed after program start
var factories = make(map[string]Factory)

// RegisterSpec registers the factory for a typetag, it is intended to be
// called from init functions of the packages defining Hashed kinds.
func RegisterSpec(typetag string, factory Factory) {
	if _, ok := factories[typetag]; ok {
		panic(fmt.Sprintf("hash: duplicate spec factory registered for %q", typetag))
	}
	factories[typetag] = factory
}

// FromSpec reconstructs a Hashed value from its typetag and spec. The
// round trip law holds: the reconstructed value's Hashid equals that of
// the value the spec was taken from.
func FromSpec(typetag string, spec []byte, resolve Resolver) (Hashed, error) {
	factory, ok := factories[typetag]
	if !ok {
		return nil, fmt.Errorf("%w: no factory registered for typetag %q", ErrHashing, typetag)
	}
	return factory(spec, resolve)
}

// Bytes is the trivial Hashed wrapper around a byte string, its spec is
// the content itself.
type Bytes struct {
	content []byte
	hashid  Hash
	label   string
}

// BytesTag is the typetag Bytes values are stored under.
const BytesTag = "hash:Bytes"

func init() {
	RegisterSpec(BytesTag, func(spec []byte, _ Resolver) (Hashed, error) {
		return NewBytes(spec), nil
	})
}

// NewBytes wraps content in a Bytes.
func NewBytes(content []byte) *Bytes {
	b := &Bytes{content: content}
	b.hashid = Sum(b.Spec())
	b.label = fmt.Sprintf("%q", ShortenText(content, 20))
	return b
}

// Spec implements Hashed for Bytes.
func (b *Bytes) Spec() []byte { return b.content }

// Hashid implements Hashed for Bytes.
func (b *Bytes) Hashid() Hash { return b.hashid }

// TypeTag implements Hashed for Bytes.
func (b *Bytes) TypeTag() string { return BytesTag }

// Label implements Hashed for Bytes.
func (b *Bytes) Label() string { return b.label }

// Value implements Hashed for Bytes, it never fails.
func (b *Bytes) Value() (any, error) { return b.content, nil }

// Components implements Hashed for Bytes, raw bytes have no components.
func (b *Bytes) Components() []Hashed { return nil }

// ShortenText renders up to n characters of s for use in labels, binary
// content that does not decode as UTF-8 collapses to a placeholder.
func ShortenText(s []byte, n int) string {
	shortened := false
	if len(s) > n {
		s = s[:n-3]
		shortened = true
	}
	if !utf8.Valid(s) {
		return "<BINARY>"
	}
	text := string(s)
	if shortened {
		return text + "..."
	}
	return text
}
