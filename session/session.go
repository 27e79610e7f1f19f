// Package session implements the scope that owns warp's task DAG: the
// registry of tasks by fingerprint, the dependency, side-effect and
// backflow graphs, a general key-value storage, and the machinery that
// traverses the DAG and orchestrates execution.
//
// A session must be entered before tasks can be created; entering installs
// it as the innermost active session and exiting clears all in-memory
// state. The session API is safe for concurrent task creation from worker
// goroutines during a run, everything else happens on the driver
// goroutine.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/graph"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/task"
)

// ErrSession is the base error for session misuse: operating without an
// active session or on the wrong one.
var ErrSession = errors.New("session error")

// ErrCycle is returned when traversal ends with tasks that can never
// complete because they transitively depend on themselves.
var ErrCycle = errors.New("task dependency cycle")

// innermost-active stack of sessions, Enter pushes and Exit pops
var (
	activeMu sync.Mutex
	actives  []*Session
)

// Active returns the innermost entered session.
func Active() (*Session, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if len(actives) == 0 {
		return nil, fmt.Errorf("%w: no active session", ErrSession)
	}
	return actives[len(actives)-1], nil
}

// Session owns a task DAG, a key-value store and a set of plugins.
type Session struct {
	log         logger.Logger
	tasks       map[hash.Hash]*task.Task
	deps        map[hash.Hash][]hash.Hash
	sideEffects map[hash.Hash][]hash.Hash
	backflow    map[hash.Hash][]hash.Hash
	storage     map[string]any
	running     map[uint64]*task.Task // goroutine id -> task being run there
	plugins     []Plugin
	mu          sync.Mutex
	entered     bool
	skipped     bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithPlugin attaches a plugin to the session. Plugins are notified in
// attachment order.
func WithPlugin(p Plugin) Option {
	return func(s *Session) { s.plugins = append(s.plugins, p) }
}

// WithLogger sets the session's logger, default is silence.
func WithLogger(log logger.Logger) Option {
	return func(s *Session) { s.log = log }
}

// New builds a Session.
func New(options ...Option) *Session {
	s := &Session{
		log:         logger.Noop{},
		tasks:       make(map[hash.Hash]*task.Task),
		deps:        make(map[hash.Hash][]hash.Hash),
		sideEffects: make(map[hash.Hash][]hash.Hash),
		backflow:    make(map[hash.Hash][]hash.Hash),
		storage:     make(map[string]any),
		running:     make(map[uint64]*task.Task),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Enter installs the session as the innermost active one and notifies
// plugins. Sessions must not be entered twice.
func (s *Session) Enter() error {
	activeMu.Lock()
	if s.entered {
		activeMu.Unlock()
		return fmt.Errorf("%w: session already entered", ErrSession)
	}
	s.entered = true
	actives = append(actives, s)
	activeMu.Unlock()
	for _, p := range s.plugins {
		p.PostEnter(s)
	}
	return nil
}

// Exit notifies plugins, clears all in-memory state and restores the
// previously active session.
func (s *Session) Exit() {
	for _, p := range s.plugins {
		p.PreExit(s)
	}

	activeMu.Lock()
	for i := len(actives) - 1; i >= 0; i-- {
		if actives[i] == s {
			actives = append(actives[:i], actives[i+1:]...)
			break
		}
	}
	s.entered = false
	activeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.skipped {
		notRun := 0
		for _, t := range s.tasks {
			if t.State() < future.Running {
				notRun++
			}
		}
		if notRun > 0 {
			s.log.Info("%d tasks were created but never run", notRun)
		}
	}
	s.tasks = make(map[hash.Hash]*task.Task)
	s.deps = make(map[hash.Hash][]hash.Hash)
	s.sideEffects = make(map[hash.Hash][]hash.Hash)
	s.backflow = make(map[hash.Hash][]hash.Hash)
	s.storage = make(map[string]any)
	s.running = make(map[uint64]*task.Task)
	s.skipped = false
}

func (s *Session) checkActive() error {
	sess, err := Active()
	if err != nil {
		return err
	}
	if sess != s {
		return fmt.Errorf("%w: not the active session", ErrSession)
	}
	return nil
}

// Store puts a value into the session's key-value storage.
func (s *Session) Store(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

// Lookup fetches a value from the session's key-value storage.
func (s *Session) Lookup(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.storage[key]
	return value, ok
}

// Task returns the registered task with the given hashid.
func (s *Session) Task(hashid hash.Hash) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[hashid]
	return t, ok
}

// AllTasks returns a snapshot of every registered task.
func (s *Session) AllTasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// FilterTasks returns every registered task for which cond reports true.
func (s *Session) FilterTasks(cond func(*task.Task) bool) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*task.Task
	for _, t := range s.tasks {
		if cond(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// SideEffects returns the tasks created during the execution of t, in
// creation order.
func (s *Session) SideEffects(t *task.Task) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashids := s.sideEffects[t.Hashid()]
	tasks := make([]*task.Task, 0, len(hashids))
	for _, h := range hashids {
		tasks = append(tasks, s.tasks[h])
	}
	return tasks
}

// AddSideEffect records that callee was created during the execution of
// caller.
func (s *Session) AddSideEffect(caller, callee *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sideEffects[caller.Hashid()] = append(s.sideEffects[caller.Hashid()], callee.Hashid())
}

// RunningTask returns the task being executed on the calling goroutine,
// normally used from within a task body.
func (s *Session) RunningTask() (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.running[goid()]
	if !ok {
		return nil, fmt.Errorf("%w: no running task", ErrSession)
	}
	return t, nil
}

// RegisterTask adds a task to the registry, deduplicating by hashid: when
// a task with the same fingerprint already exists it is returned and
// isNew reports false.
func (s *Session) RegisterTask(t *task.Task) (registered *task.Task, isNew bool, err error) {
	s.mu.Lock()
	existing, objs, err := s.registerLocked(t)
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	if existing != t {
		return existing, false, nil
	}
	s.saveHashed(objs)
	return t, true, nil
}

// registerLocked does the registration under the lock, returning the
// canonical task and any non-task hashed objects that entered the graph.
func (s *Session) registerLocked(t *task.Task) (*task.Task, []hash.Hashed, error) {
	if existing, ok := s.tasks[t.Hashid()]; ok {
		return existing, nil, nil
	}
	s.tasks[t.Hashid()] = t
	t.Fut().Register()
	argTasks, objs, err := s.processObjectsLocked(t.Args())
	if err != nil {
		return nil, nil, err
	}
	depSet := make(map[hash.Hash]struct{}, len(argTasks))
	deps := make([]hash.Hash, 0, len(argTasks))
	for _, arg := range argTasks {
		if _, seen := depSet[arg.Hashid()]; !seen {
			depSet[arg.Hashid()] = struct{}{}
			deps = append(deps, arg.Hashid())
		}
	}
	s.deps[t.Hashid()] = deps
	return t, objs, nil
}

// processObjectsLocked walks the component graph of the given objects,
// collecting the tasks they reach (which must already be registered) and
// the plain hashed objects along the way.
func (s *Session) processObjectsLocked(objs []hash.Hashed) (tasks []*task.Task, others []hash.Hashed, err error) {
	reached := graph.Walk(objs,
		func(o hash.Hashed) []hash.Hashed { return o.Components() },
		func(o hash.Hashed) bool { _, isTask := o.(*task.Task); return isTask },
	)
	for _, obj := range reached {
		if t, isTask := obj.(*task.Task); isTask {
			if _, ok := s.tasks[t.Hashid()]; !ok {
				return nil, nil, fmt.Errorf("%w: not in session: %s", task.ErrTask, t)
			}
			tasks = append(tasks, t)
			continue
		}
		others = append(others, obj)
	}
	return tasks, others, nil
}

func (s *Session) saveHashed(objs []hash.Hashed) {
	if len(objs) == 0 {
		return
	}
	for _, p := range s.plugins {
		p.SaveHashed(objs)
	}
}

// CreateTask constructs a task from a function registered under name and
// its arguments, registering it with the session. Identical fingerprints
// dedupe onto the existing task; a task created from within a running
// task's body is recorded as that task's side effect either way.
func (s *Session) CreateTask(fn task.Func, name string, args []any, options ...task.Option) (*task.Task, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}

	// Construction happens under the lock: wiring a new future into its
	// parents must not race a completion cascade on another goroutine
	s.mu.Lock()
	t, err := task.New(fn, name, args, options...)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	caller := s.running[goid()]
	registered, objs, err := s.registerLocked(t)
	if err == nil && caller != nil {
		s.sideEffects[caller.Hashid()] = append(s.sideEffects[caller.Hashid()], registered.Hashid())
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if registered == t {
		s.log.Debug("registered: %s", t)
		s.saveHashed(objs)
		for _, p := range s.plugins {
			p.PostCreate(t)
		}
	}
	return registered, nil
}

// SetResult stores a task's result, deciding Done versus Awaiting: a
// result that is a not yet done future parks the task as Awaiting and
// promotes it when the future completes. The backflow graph records the
// tasks reachable through a hashed result.
func (s *Session) SetResult(t *task.Task, result any) error {
	s.mu.Lock()
	objs, err := s.setResultLocked(t, result)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.saveHashed(objs)
	return nil
}

func (s *Session) setResultLocked(t *task.Task, result any) ([]hash.Hashed, error) {
	hashed, isHashed := result.(hash.Hashed)
	if !isHashed {
		return nil, t.SetResult(result)
	}
	fut, isFut := result.(task.HashedFuture)
	if isFut && !fut.Fut().IsDone() {
		s.log.Debug("%s: has run, pending: %s", t, hashed.Label())
		if err := t.SetFutureResult(fut); err != nil {
			return nil, err
		}
		if err := fut.Fut().AddDoneCallback(func() {
			if err := t.SetDone(); err != nil {
				panic(fmt.Sprintf("session: promoting awaiting task: %s", err))
			}
		}); err != nil {
			return nil, err
		}
		fut.Fut().Register()
	} else {
		if err := t.SetResult(result); err != nil {
			return nil, err
		}
	}
	backTasks, objs, err := s.processObjectsLocked([]hash.Hashed{hashed})
	if err != nil {
		return nil, err
	}
	back := make([]hash.Hash, 0, len(backTasks))
	for _, bt := range backTasks {
		back = append(back, bt.Hashid())
	}
	s.backflow[t.Hashid()] = back
	return objs, nil
}

// Backflow returns the tasks reachable through t's result.
func (s *Session) Backflow(t *task.Task) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashids := s.backflow[t.Hashid()]
	tasks := make([]*task.Task, 0, len(hashids))
	for _, h := range hashids {
		tasks = append(tasks, s.tasks[h])
	}
	return tasks
}

// Deps returns the tasks t directly depends on through its arguments.
func (s *Session) Deps(t *task.Task) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashids := s.deps[t.Hashid()]
	tasks := make([]*task.Task, 0, len(hashids))
	for _, h := range hashids {
		tasks = append(tasks, s.tasks[h])
	}
	return tasks
}

// BeginRestore drives a cached task Ready -> HasRun without running its
// body, used by the persistent cache when reinstating stored results.
func (s *Session) BeginRestore(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := t.SetRunning(); err != nil {
		return err
	}
	return t.SetHasRun()
}

// prepareTask moves a Ready task to Running, it is safe to call from a
// worker goroutine.
func (s *Session) prepareTask(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State() < future.Ready {
		return fmt.Errorf("%w: not ready: %s", task.ErrTask, t)
	}
	if t.State() > future.Ready {
		return fmt.Errorf("%w: already run: %s", task.ErrTask, t)
	}
	return t.SetRunning()
}

// callBody runs the task function with the calling goroutine bound to the
// task, so that rules invoked by the body record side effects against it.
func (s *Session) callBody(t *task.Task) (any, error) {
	id := goid()
	s.mu.Lock()
	s.running[id] = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()
	return t.Call()
}

// finishTask moves a task whose body returned raw to completion: wraps
// the result in a Hashed when possible, sets it, and notifies plugins.
func (s *Session) finishTask(t *task.Task, raw any) error {
	s.mu.Lock()
	err := t.SetHasRun()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if effects := s.SideEffects(t); len(effects) > 0 {
		s.log.Debug("%s: created %d tasks", t, len(effects))
	}
	result := raw
	hashed, err := task.MaybeHashed(raw)
	if err != nil {
		return err
	}
	if hashed != nil {
		result = hashed
	}
	if err := s.SetResult(t, result); err != nil {
		return err
	}
	for _, p := range s.plugins {
		p.PostTaskRun(t)
	}
	return nil
}

// RunTask runs a single Ready task to completion inline, returning the
// result of its body (or its hashed wrapper). Failures in the body leave
// the task Running, mirroring how the traversal routes errors before
// marking tasks failed.
func (s *Session) RunTask(t *task.Task) (any, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	if err := s.prepareTask(t); err != nil {
		return nil, err
	}
	raw, err := s.callBody(t)
	if err != nil {
		return nil, err
	}
	if err := s.finishTask(t, raw); err != nil {
		return nil, err
	}
	return t.RawResult()
}

// DotGraph writes the session's task DAG in graphviz DOT form: solid
// edges for dependencies, dotted for side effects, bold for backflow.
func (s *Session) DotGraph(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(w, "digraph tasks {"); err != nil {
		return err
	}
	for child, parents := range s.deps {
		t := s.tasks[child]
		fmt.Fprintf(w, "  %q [label=%q,color=%q];\n", child.Tag(), t.Label(), stateColorName(t.State()))
		for _, parent := range parents {
			fmt.Fprintf(w, "  %q -> %q;\n", child.Tag(), parent.Tag())
		}
	}
	for origin, children := range s.sideEffects {
		for _, child := range children {
			fmt.Fprintf(w, "  %q -> %q [style=dotted];\n", origin.Tag(), child.Tag())
		}
	}
	for target, sources := range s.backflow {
		for _, source := range sources {
			fmt.Fprintf(w, "  %q -> %q [style=bold,dir=back];\n", source.Tag(), target.Tag())
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func stateColorName(state future.State) string {
	switch state {
	case future.Ready:
		return "magenta"
	case future.Running:
		return "yellow"
	case future.Error:
		return "red"
	case future.Awaiting:
		return "cyan"
	case future.Done:
		return "green"
	default:
		return "black"
	}
}

// infraError reports whether err is an infrastructure failure that must
// never be routed through the user's exception handler.
func infraError(err error) bool {
	return errors.Is(err, ErrSession) ||
		errors.Is(err, ErrCycle) ||
		errors.Is(err, task.ErrTask) ||
		errors.Is(err, future.ErrFuture) ||
		errors.Is(err, hash.ErrHashing) ||
		errors.Is(err, hash.ErrComposite) ||
		errors.Is(err, files.ErrFiles)
}
