// Package task implements warp's hashed futures: the Task whose fingerprint
// is derived from its function and arguments, the Component representing an
// index into a task's eventual value, and the Composite for containers that
// embed futures.
//
// A task is both Hashed (it has a canonical spec and hashid, so identical
// work collapses onto one fingerprint) and a Future (it completes when its
// body has run and any returned future has resolved).
package task

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/FollowTheProcess/warp/funchash"
	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
)

// ErrTask is the base error for illegal task operations: accessing a
// result before completion, setting results out of order, missing rules.
var ErrTask = errors.New("task error")

// Func is the signature of a task function: it receives the resolved
// argument values and returns the task's raw result.
type Func func(args []any) (any, error)

// HashedFuture is the capability shared by Task, Component and Composite:
// a Hashed value that is also a future.
type HashedFuture interface {
	hash.Hashed
	// Fut exposes the underlying future for dependency wiring.
	Fut() *future.Future
	// DefaultResult returns the configured default for speculative
	// execution, or an error when there is none.
	DefaultResult() (any, error)
	// ValueOrDefault returns the value when done, the default otherwise.
	ValueOrDefault() (any, error)
}

// TaskTag is the typetag Task values are stored under.
const TaskTag = "task:Task"

func init() {
	hash.RegisterSpec(TaskTag, func(spec []byte, resolve hash.Resolver) (hash.Hashed, error) {
		return fromSpec(spec, resolve)
	})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Task is a memoisable unit of work: a hashed future whose hashid is
// derived from (function, args).
type Task struct {
	fut      *future.Future
	fn       Func
	storage  map[string]any
	result   any
	def      any
	name     string // qualified rule name the function is registered under
	funcHash string
	label    string
	rule     string
	hashid   hash.Hash
	args     []hash.Hashed
	spec     []byte
	hasDef   bool
	hasRes   bool
	restored bool
}

// Option configures optional task attributes at construction.
type Option func(*Task)

// WithLabel overrides the derived label.
func WithLabel(label string) Option {
	return func(t *Task) { t.label = label }
}

// WithDefault provides a default result for speculative execution.
func WithDefault(def any) Option {
	return func(t *Task) { t.def, t.hasDef = def, true }
}

// WithRule records the rule name the task was created through.
func WithRule(rule string) Option {
	return func(t *Task) { t.rule = rule }
}

// New constructs a Task from a function registered under name and its
// positional arguments. Each argument is coerced through EnsureHashed;
// arguments that are futures become the task's parents.
func New(fn Func, name string, args []any, options ...Option) (*Task, error) {
	funcHash, err := funchash.Hash(fn)
	if err != nil {
		return nil, err
	}

	hashedArgs := make([]hash.Hashed, 0, len(args))
	var parents []*future.Future
	for _, arg := range args {
		hashed, err := EnsureHashed(arg)
		if err != nil {
			return nil, err
		}
		hashedArgs = append(hashedArgs, hashed)
		if fut, ok := hashed.(HashedFuture); ok {
			parents = append(parents, fut.Fut())
		}
	}

	t := &Task{
		fut:      future.New(parents),
		fn:       fn,
		name:     name,
		funcHash: funcHash,
		args:     hashedArgs,
		storage:  make(map[string]any),
	}
	for _, option := range options {
		option(t)
	}
	if t.label == "" {
		t.label = deriveLabel(name, hashedArgs)
	}
	t.spec = taskSpec(name, funcHash, hashedArgs)
	t.hashid = hash.Sum(t.spec)
	return t, nil
}

// NewCached constructs the lightweight sentinel standing in for a cached
// task when full restoration is off: same hashid, no args, and a lifecycle
// that can be driven straight to Done.
func NewCached(hashid hash.Hash) *Task {
	return &Task{
		fut:     future.New(nil),
		hashid:  hashid,
		storage: make(map[string]any),
	}
}

func taskSpec(name, funcHash string, args []hash.Hashed) []byte {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, name, funcHash)
	for _, arg := range args {
		parts = append(parts, string(arg.Hashid()))
	}
	spec, _ := json.Marshal(parts) //nolint: errcheck // Marshalling strings cannot fail
	return spec
}

func deriveLabel(name string, args []hash.Hashed) string {
	labels := make([]string, 0, len(args))
	for _, arg := range args {
		labels = append(labels, arg.Label())
	}
	argList := strings.Join(labels, ", ")
	if len(argList) >= 50 {
		argList = "..."
	}
	base := name[strings.LastIndex(name, ".")+1:]
	return fmt.Sprintf("%s(%s)", base, argList)
}

// fromSpec reconstructs a Task from its spec, the function is looked up in
// the rule registry under the persisted qualified name.
func fromSpec(spec []byte, resolve hash.Resolver) (*Task, error) {
	var parts []string
	if err := json.Unmarshal(spec, &parts); err != nil {
		return nil, fmt.Errorf("%w: invalid task spec: %s", ErrTask, err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed task spec", ErrTask)
	}
	name, funcHash := parts[0], parts[1]
	registered, ok := funchash.LookupRule(name)
	if !ok {
		return nil, fmt.Errorf("%w: no rule registered under %q", ErrTask, name)
	}
	fn, ok := registered.(Func)
	if !ok {
		return nil, fmt.Errorf("%w: rule %q is not a task function", ErrTask, name)
	}
	currentHash, err := funchash.Hash(fn)
	if err != nil {
		return nil, err
	}
	if currentHash != funcHash {
		return nil, fmt.Errorf("%w: rule %q has changed since the spec was stored", ErrTask, name)
	}
	args := make([]any, 0, len(parts)-2)
	for _, h := range parts[2:] {
		arg, err := resolve(hash.Hash(h))
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return New(fn, name, args)
}

// Fut implements HashedFuture for Task.
func (t *Task) Fut() *future.Future { return t.fut }

// State returns the task's lifecycle state.
func (t *Task) State() future.State { return t.fut.State() }

// IsDone reports whether the task has completed.
func (t *Task) IsDone() bool { return t.fut.IsDone() }

// Spec implements Hashed for Task: canonical JSON of the qualified rule
// name, the function digest and the argument hashids.
func (t *Task) Spec() []byte { return t.spec }

// Hashid implements Hashed for Task.
func (t *Task) Hashid() hash.Hash { return t.hashid }

// TypeTag implements Hashed for Task.
func (t *Task) TypeTag() string { return TaskTag }

// Label implements Hashed for Task.
func (t *Task) Label() string { return t.label }

// Rule returns the name of the rule that created this task, if any.
func (t *Task) Rule() string { return t.rule }

// Name returns the qualified name the task function is registered under.
func (t *Task) Name() string { return t.name }

// Func returns the task's function.
func (t *Task) Func() Func { return t.fn }

// Args returns the hashed wrappers of the task's positional arguments.
func (t *Task) Args() []hash.Hashed { return t.args }

// Storage is the per task string keyed dictionary for plugin side data,
// e.g. the number of cores a task wants.
func (t *Task) Storage() map[string]any { return t.storage }

// Restored reports whether the task was reinstated from the persistent
// cache rather than executed.
func (t *Task) Restored() bool { return t.restored }

// MarkRestored flags the task as reinstated from cache.
func (t *Task) MarkRestored() { t.restored = true }

// Components implements Hashed for Task, enumerating the argument
// wrappers a reconstructor needs to resolve.
func (t *Task) Components() []hash.Hashed { return t.args }

// Value implements Hashed for Task, it is defined only when Done.
func (t *Task) Value() (any, error) {
	if !t.IsDone() {
		return nil, fmt.Errorf("%w: not done: %s", future.ErrFuture, t.label)
	}
	return t.Result()
}

// Resolve unwraps the stored result: raw results are returned as is,
// hashed results go through handler.
func (t *Task) Resolve(handler func(hash.Hashed) (any, error)) (any, error) {
	if !t.hasRes {
		return nil, fmt.Errorf("%w: has not run: %s", ErrTask, t.label)
	}
	hashed, ok := t.result.(hash.Hashed)
	if !ok {
		return t.result, nil
	}
	if handler == nil {
		return hashed, nil
	}
	return handler(hashed)
}

// RawResult returns the stored result without resolving hashed values,
// or an error if the task has not run.
func (t *Task) RawResult() (any, error) {
	return t.Resolve(nil)
}

// Result returns the task's fully resolved value.
func (t *Task) Result() (any, error) {
	return t.Resolve(func(h hash.Hashed) (any, error) { return h.Value() })
}

// DefaultResult returns the configured default, recursing into an
// embedded future's default when the task itself has none.
func (t *Task) DefaultResult() (any, error) {
	if t.hasDef {
		return t.def, nil
	}
	if fut, ok := t.result.(HashedFuture); ok {
		return fut.DefaultResult()
	}
	return nil, fmt.Errorf("%w: has no default: %s", ErrTask, t.label)
}

// ValueOrDefault returns the value when done and the default otherwise,
// for speculative execution over partially failed graphs.
func (t *Task) ValueOrDefault() (any, error) {
	if t.IsDone() {
		return t.Result()
	}
	return t.DefaultResult()
}

// SetRunning transitions the task Ready -> Running.
func (t *Task) SetRunning() error { return t.fut.SetRunning() }

// SetHasRun transitions the task Running -> HasRun.
func (t *Task) SetHasRun() error { return t.fut.SetHasRun() }

// SetError transitions the task Running -> Error.
func (t *Task) SetError() error { return t.fut.SetError() }

// SetDone completes the task's future directly, used to promote an
// Awaiting task once its future result is done; other completions go
// through SetResult.
func (t *Task) SetDone() error { return t.fut.SetDone() }

// SetResult stores the task's result and completes it. It must only be
// called after the task HasRun; a future result must already be done.
func (t *Task) SetResult(result any) error {
	if t.fut.State() != future.HasRun {
		return fmt.Errorf("%w: cannot set result in state %s: %s", ErrTask, t.fut.State(), t.label)
	}
	if fut, ok := result.(HashedFuture); ok && !fut.Fut().IsDone() {
		return fmt.Errorf("%w: result future not done: %s", ErrTask, t.label)
	}
	t.result, t.hasRes = result, true
	return t.fut.SetDone()
}

// SetFutureResult records that the body returned a not yet done future,
// transitioning HasRun -> Awaiting. The caller is responsible for
// promoting the task to Done when the future completes.
func (t *Task) SetFutureResult(result HashedFuture) error {
	if result.Fut().IsDone() {
		return fmt.Errorf("%w: future result already done: %s", ErrTask, t.label)
	}
	if err := t.fut.SetAwaiting(); err != nil {
		return err
	}
	t.result, t.hasRes = result, true
	return nil
}

// FutureResult returns the embedded future while the task is Awaiting.
func (t *Task) FutureResult() (HashedFuture, error) {
	if t.fut.State() < future.Awaiting {
		return nil, fmt.Errorf("%w: does not have a future result: %s", ErrTask, t.label)
	}
	if t.fut.State() > future.Awaiting {
		return nil, fmt.Errorf("%w: already done: %s", ErrTask, t.label)
	}
	return t.result.(HashedFuture), nil
}

// Call runs the task function over the resolved argument values, futures
// among the arguments contribute their value or configured default.
func (t *Task) Call() (any, error) {
	args := make([]any, 0, len(t.args))
	for _, arg := range t.args {
		var (
			value any
			err   error
		)
		if fut, ok := arg.(HashedFuture); ok {
			value, err = fut.ValueOrDefault()
		} else {
			value, err = arg.Value()
		}
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return t.fn(args)
}

// Get returns the component of the task's eventual value under key,
// chained indexing accumulates keys.
func (t *Task) Get(key any) *Component {
	return newComponent(t, []any{key}, nil, false)
}

// GetDefault is Get with a component level default result.
func (t *Task) GetDefault(key, def any) *Component {
	return newComponent(t, []any{key}, def, true)
}

// taskMeta is the gob form of the task metadata persisted separately from
// the spec so the hashid stays stable across label changes.
type taskMeta struct {
	Default    any
	Label      string
	Rule       string
	HasDefault bool
}

// Metadata implements Metadatable for Task.
func (t *Task) Metadata() []byte {
	var buf bytes.Buffer
	meta := taskMeta{Label: t.label, Rule: t.rule, HasDefault: t.hasDef, Default: t.def}
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil
	}
	return buf.Bytes()
}

// SetMetadata implements Metadatable for Task.
func (t *Task) SetMetadata(meta []byte) error {
	var decoded taskMeta
	if err := gob.NewDecoder(bytes.NewReader(meta)).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: invalid task metadata: %s", ErrTask, err)
	}
	t.label, t.rule, t.hasDef, t.def = decoded.Label, decoded.Rule, decoded.HasDefault, decoded.Default
	return nil
}

// String implements Stringer for a Task.
func (t *Task) String() string {
	return fmt.Sprintf("%s: %s", t.hashid.Tag(), t.label)
}
