// Package rules implements the user-facing wrapper that turns a plain
// function into a rule: calling a rule creates a task in the active session
// instead of running the function.
//
// Entries bind a rule to a name plus per-argument string factories so the
// CLI can invoke it with string arguments.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/FollowTheProcess/warp/funchash"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

// ErrInvalidInput is the base error for malformed entry arguments.
var ErrInvalidInput = errors.New("invalid input")

// Rule wraps a task function so that calling it creates a Task in the
// active session. Rules register themselves with the function hasher so
// that rules referencing each other invalidate together.
type Rule struct {
	fn        task.Func
	name      string // bare rule name
	qualified string // funchash qualified name, also the persisted spec name
}

// New creates a Rule from a function, registering it under name within
// the calling package. The name should match the identifier the rule is
// bound to so that references from other rule bodies resolve to it.
func New(name string, fn task.Func) *Rule {
	return &Rule{
		fn:        fn,
		name:      name,
		qualified: funchash.RegisterRule(name, fn),
	}
}

// Name returns the rule's bare name.
func (r *Rule) Name() string { return r.name }

// Qualified returns the qualified name the rule is registered under.
func (r *Rule) Qualified() string { return r.qualified }

// FuncHash implements funchash.FuncHasher for Rule so that a rule
// referenced from another rule's body contributes its digest.
func (r *Rule) FuncHash() (string, error) {
	return funchash.Hash(r.fn)
}

// Call creates a task for the rule in the active session.
func (r *Rule) Call(args ...any) (*task.Task, error) {
	return r.CallOpts(nil, args...)
}

// CallOpts is Call with per-task options (label, default).
func (r *Rule) CallOpts(options []task.Option, args ...any) (*task.Task, error) {
	sess, err := session.Active()
	if err != nil {
		return nil, err
	}
	options = append(options, task.WithRule(r.name))
	return sess.CreateTask(r.fn, r.qualified, args, options...)
}

// ArgFactory converts a CLI string argument into a rule argument.
type ArgFactory func(arg string) (any, error)

// StringArg passes the argument through unchanged.
func StringArg(arg string) (any, error) { return arg, nil }

// IntArg parses the argument as an integer.
func IntArg(arg string) (any, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidInput, arg)
	}
	return n, nil
}

// FloatArg parses the argument as a float.
func FloatArg(arg string) (any, error) {
	f, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, arg)
	}
	return f, nil
}

// BoolArg parses the argument as a boolean.
func BoolArg(arg string) (any, error) {
	b, err := strconv.ParseBool(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidInput, arg)
	}
	return b, nil
}

// Entry binds a name to a rule plus a tuple of per-argument factories so
// the CLI can pass string arguments through.
type Entry struct {
	Rule      *Rule
	Name      string
	Factories []ArgFactory
}

// Make converts the string arguments through the factories and creates
// the entry's task.
func (e Entry) Make(args []string) (*task.Task, error) {
	if len(args) != len(e.Factories) {
		return nil, fmt.Errorf("%w: entry %q takes %d arguments, got %d", ErrInvalidInput, e.Name, len(e.Factories), len(args))
	}
	converted := make([]any, 0, len(args))
	for i, arg := range args {
		value, err := e.Factories[i](arg)
		if err != nil {
			return nil, err
		}
		converted = append(converted, value)
	}
	return e.Rule.Call(converted...)
}

var (
	entryMu sync.Mutex
	entries = make(map[string]Entry)
)

// RegisterEntry makes a rule invocable by name from the CLI.
func RegisterEntry(name string, rule *Rule, factories ...ArgFactory) {
	entryMu.Lock()
	defer entryMu.Unlock()
	entries[name] = Entry{Rule: rule, Name: name, Factories: factories}
}

// LookupEntry returns the entry registered under name.
func LookupEntry(name string) (Entry, bool) {
	entryMu.Lock()
	defer entryMu.Unlock()
	entry, ok := entries[name]
	return entry, ok
}

// Entries returns the registered entry names, sorted.
func Entries() []string {
	entryMu.Lock()
	defer entryMu.Unlock()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
