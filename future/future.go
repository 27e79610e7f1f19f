// Package future implements the state machine at the heart of warp's task
// graph. A future is a value-yet-to-be-known: it records its parent futures,
// becomes Ready exactly when the last parent completes, and notifies child
// futures and registered callbacks when it is Done.
//
// Futures are identities tied to a session, they are deliberately not
// serialisable by value.
package future

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
)

// ErrFuture is the base error for illegal future state transitions and
// accesses.
var ErrFuture = errors.New("future error")

// State is the lifecycle state of a future. States form a total order and
// only ever increase, except for an explicit reset.
type State int

// The future lifecycle.
const (
	Pending  State = iota // Waiting for parents to complete
	Ready                 // All parents done, can be executed
	Running               // Picked up by the scheduler, body in progress
	Error                 // Body raised, terminal unless reset
	HasRun                // Body returned normally
	Awaiting              // Body returned a not yet done future
	Done                  // Value available
)

// stateNames are the canonical names persisted in the cache, they must
// not change.
var stateNames = [...]string{"PENDING", "READY", "RUNNING", "ERROR", "HAS_RUN", "AWAITING", "DONE"}

// String implements Stringer for a State.
func (s State) String() string {
	if s < Pending || s > Done {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// StateFromString parses the persisted name of a state.
func StateFromString(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Pending, fmt.Errorf("%w: unknown state %q", ErrFuture, name)
}

// stateColors style each state in CLI output, states without an entry
// render unstyled.
var stateColors = map[State]*color.Color{
	Ready:    color.New(color.FgMagenta),
	Running:  color.New(color.FgYellow),
	Error:    color.New(color.FgRed),
	Awaiting: color.New(color.FgCyan),
	Done:     color.New(color.FgGreen),
}

// Color returns the display colour for the state, or nil for unstyled
// states.
func (s State) Color() *color.Color {
	return stateColors[s]
}

// Future is a value-yet-to-be-known with explicit state transitions and
// dependency edges. All mutation must happen on the session's driver
// goroutine, the Future itself holds no lock.
type Future struct {
	pending        map[*Future]struct{}
	children       map[*Future]struct{}
	parents        []*Future
	readyCallbacks []func()
	doneCallbacks  []func()
	state          State
	registered     bool
}

// New creates a Future depending on the given parents. It starts Pending
// if any parent is not yet Done and Ready otherwise.
func New(parents []*Future) *Future {
	f := &Future{
		parents:  parents,
		pending:  make(map[*Future]struct{}),
		children: make(map[*Future]struct{}),
	}
	for _, parent := range parents {
		if !parent.IsDone() {
			f.pending[parent] = struct{}{}
		}
	}
	if len(f.pending) == 0 {
		f.state = Ready
	}
	return f
}

// State returns the current lifecycle state.
func (f *Future) State() State { return f.state }

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool { return f.state == Done }

// Parents returns the frozen set of futures this one depends on.
func (f *Future) Parents() []*Future { return f.parents }

// Register links this future into its parents' child sets so completion
// notifications propagate. Registration is idempotent and recursive over
// still-pending parents.
func (f *Future) Register() {
	if f.registered {
		return
	}
	f.registered = true
	for parent := range f.pending {
		parent.Register()
		parent.addChild(f)
	}
}

func (f *Future) addChild(child *Future) {
	f.children[child] = struct{}{}
}

// AddReadyCallback registers fn to fire when the future becomes Ready. If
// the future is already at or past Ready the callback fires immediately.
func (f *Future) AddReadyCallback(fn func()) {
	if f.state >= Ready {
		fn()
		return
	}
	f.readyCallbacks = append(f.readyCallbacks, fn)
}

// AddDoneCallback registers fn to fire when the future becomes Done. It is
// an error to register one on an already completed future.
func (f *Future) AddDoneCallback(fn func()) error {
	if f.IsDone() {
		return fmt.Errorf("%w: cannot add done callback, future already done", ErrFuture)
	}
	f.doneCallbacks = append(f.doneCallbacks, fn)
	return nil
}

// parentDone records that a parent completed, promoting this future to
// Ready when the last pending parent goes away.
func (f *Future) parentDone(parent *Future) {
	if f.state != Pending {
		panic(fmt.Sprintf("future: parentDone on %s future", f.state))
	}
	delete(f.pending, parent)
	if len(f.pending) != 0 {
		return
	}
	f.state = Ready
	for _, fn := range f.readyCallbacks {
		fn()
	}
	f.readyCallbacks = nil
}

// SetDone completes the future, notifying each child exactly once and then
// firing done callbacks. The future must be at least Ready and not yet
// Done. Child sets are cleared afterwards, the session's registry owns the
// actual lifetimes.
func (f *Future) SetDone() error {
	if f.state < Ready || f.state >= Done {
		return fmt.Errorf("%w: cannot set done from state %s", ErrFuture, f.state)
	}
	f.state = Done
	for child := range f.children {
		child.parentDone(f)
	}
	f.children = make(map[*Future]struct{})
	for _, fn := range f.doneCallbacks {
		fn()
	}
	f.doneCallbacks = nil
	return nil
}

// advance moves the state forward by exactly one legal execution step,
// used by Task to enforce ordering.
func (f *Future) advance(from, to State) error {
	if f.state != from {
		return fmt.Errorf("%w: cannot move to %s from %s (need %s)", ErrFuture, to, f.state, from)
	}
	f.state = to
	return nil
}

// SetRunning transitions Ready -> Running.
func (f *Future) SetRunning() error { return f.advance(Ready, Running) }

// SetError transitions Running -> Error.
func (f *Future) SetError() error { return f.advance(Running, Error) }

// SetHasRun transitions Running -> HasRun.
func (f *Future) SetHasRun() error { return f.advance(Running, HasRun) }

// SetAwaiting transitions HasRun -> Awaiting, entered when the body
// returned a future that is not yet Done.
func (f *Future) SetAwaiting() error { return f.advance(HasRun, Awaiting) }

// GobEncode implements gob.GobEncoder by always failing: futures are
// session identities and cannot be serialised by value.
func (f *Future) GobEncode() ([]byte, error) {
	return nil, fmt.Errorf("%w: futures cannot be serialised", ErrFuture)
}

// MarshalJSON implements json.Marshaler by always failing: futures are
// session identities and cannot be serialised by value.
func (f *Future) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("%w: futures cannot be serialised", ErrFuture)
}
