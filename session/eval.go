package session

import (
	"errors"
	"fmt"

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/graph"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/task"
)

// ExceptionHandler decides whether a task's failure should be ignored:
// returning true marks the task as failed and lets the traversal
// continue, returning false propagates the error out of Eval.
type ExceptionHandler func(t *task.Task, err error) bool

// TaskFilter decides whether a discovered task should be executed,
// filtered tasks are recorded and skipped.
type TaskFilter func(t *task.Task) bool

// evalConfig holds the evaluation parameters.
type evalConfig struct {
	handler  ExceptionHandler
	filter   TaskFilter
	priority graph.Priority
	limit    int
	depth    bool
}

// EvalOption configures one evaluation.
type EvalOption func(*evalConfig)

// Depth traverses the DAG depth-first instead of breadth-first.
func Depth() EvalOption {
	return func(c *evalConfig) { c.depth = true }
}

// WithPriority overrides the action priority of the traversal.
func WithPriority(p graph.Priority) EvalOption {
	return func(c *evalConfig) { c.priority = p }
}

// WithHandler installs an exception handler for task failures.
func WithHandler(h ExceptionHandler) EvalOption {
	return func(c *evalConfig) { c.handler = h }
}

// WithFilter installs a task filter.
func WithFilter(f TaskFilter) EvalOption {
	return func(c *evalConfig) { c.filter = f }
}

// WithLimit caps the number of executed tasks; once reached no further
// executions are scheduled.
func WithLimit(n int) EvalOption {
	return func(c *evalConfig) { c.limit = n }
}

// handledKey is the storage key under which Eval records the failures
// accepted by the exception handler, as a map of hashid to error.
const handledKey = "session:handled_exceptions"

// HandledExceptions returns the task failures the exception handler
// accepted during the last evaluation.
func (s *Session) HandledExceptions() map[hash.Hash]error {
	value, ok := s.Lookup(handledKey)
	if !ok {
		return nil
	}
	return value.(map[hash.Hash]error)
}

// Eval evaluates the given object by running every task it contains as
// well as any newly generated tasks, returning the evaluated value.
//
// When the value cannot be fully resolved because tasks were filtered,
// failures were handled, or the execution limit was reached, the
// unresolved future itself is returned so the caller can inspect it; a
// dependency cycle is reported as an error.
func (s *Session) Eval(obj any, options ...EvalOption) (any, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	cfg := &evalConfig{priority: graph.DefaultPriority}
	for _, option := range options {
		option(cfg)
	}

	for _, p := range s.plugins {
		if err := p.PreRun(); err != nil {
			return nil, err
		}
	}
	value, err := s.eval(obj, cfg)
	for _, p := range s.plugins {
		if postErr := p.PostRun(); postErr != nil && err == nil {
			err = postErr
		}
	}
	return value, err
}

func (s *Session) eval(obj any, cfg *evalConfig) (any, error) {
	hashed, err := task.MaybeHashed(obj)
	if err != nil {
		return nil, err
	}
	fut, isFut := hashed.(task.HashedFuture)
	if !isFut {
		// Nothing to evaluate
		return obj, nil
	}
	fut.Fut().Register()

	s.mu.Lock()
	start, objs, err := s.processObjectsLocked([]hash.Hashed{fut})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.saveHashed(objs)

	handled := make(map[hash.Hash]error)
	s.Store(handledKey, handled)

	execute := s.baseExecute()
	for _, p := range s.plugins {
		execute = p.WrapExecute(execute)
	}

	trav := graph.NewTraversal(start, graph.Options[*task.Task]{
		EdgesFrom: func(t *task.Task) []*task.Task {
			return append(s.Deps(t), s.Backflow(t)...)
		},
		Schedule: func(t *task.Task, enqueue func(*task.Task)) {
			// Locked so callback registration cannot race a completion
			// cascade fired from a worker goroutine
			s.mu.Lock()
			defer s.mu.Unlock()
			if t.State() < future.Running {
				t.Fut().AddReadyCallback(func() { enqueue(t) })
			}
		},
		Execute: func(t *task.Task, done func(graph.Result[*task.Task])) {
			execute(t, done)
		},
		Depth:    cfg.depth,
		Priority: cfg.priority,
	})

	executed := 0
	shutdown := false
	for {
		event, ok := trav.Next()
		if !ok {
			break
		}
		switch event.Action {
		case graph.Traverse:
			t := event.Node
			do := false
			s.mu.Lock()
			done := t.IsDone()
			s.mu.Unlock()
			if !done {
				if cfg.filter == nil || cfg.filter(t) {
					do = true
				} else {
					s.log.Debug("filtered out: %s", t)
				}
			}
			if !do && !done {
				s.markSkipped()
			}
			trav.Visit(t, do)

		case graph.Execute:
			do := !shutdown
			if do {
				executed++
				if cfg.limit > 0 && executed >= cfg.limit {
					s.log.Info("maximum number of executed tasks reached (%d)", cfg.limit)
					shutdown = true
				}
				s.log.Debug("will run: %s, progress: %+v", event.Node, event.Progress)
			} else {
				s.markSkipped()
			}
			trav.Run(event.Node, do)

		case graph.Results:
			result := event.Result
			if result.Err != nil {
				if infraError(result.Err) {
					return nil, result.Err
				}
				if cfg.handler != nil && cfg.handler(result.Node, result.Err) {
					for _, p := range s.plugins {
						p.IgnoredException()
					}
					handled[result.Node.Hashid()] = result.Err
					s.mu.Lock()
					errState := result.Node.SetError()
					s.mu.Unlock()
					if errState != nil {
						return nil, errState
					}
					s.log.Info("handled %v from %s", result.Err, result.Node)
					trav.Finish(result)
					continue
				}
				return nil, result.Err
			}
			if err := s.finishTask(result.Node, result.Value); err != nil {
				return nil, err
			}
			result.NewNodes = s.Backflow(result.Node)
			trav.Finish(result)
		}
	}
	s.log.Debug("traversal finished")

	s.mu.Lock()
	value, valueErr := fut.Value()
	skipped := s.skipped
	s.mu.Unlock()
	if valueErr == nil {
		return value, nil
	}
	if !errors.Is(valueErr, future.ErrFuture) {
		return nil, valueErr
	}
	if len(handled) > 0 {
		s.log.Warn("cannot evaluate future because of %d handled errors", len(handled))
		return fut, nil
	}
	if skipped {
		s.log.Info("cannot evaluate future because tasks were skipped")
		return fut, nil
	}
	notDone := s.FilterTasks(func(t *task.Task) bool { return !t.IsDone() })
	if len(notDone) > 0 {
		labels := make([]string, 0, len(notDone))
		for _, t := range notDone {
			labels = append(labels, t.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, labels)
	}
	return nil, valueErr
}

// baseExecute is the inline executor: prepare the task, run its body on
// the calling goroutine, and deliver the raw result. Completion (result
// wrapping, plugin notification) happens on the driver when the result is
// consumed.
func (s *Session) baseExecute() Execute {
	return func(t *task.Task, done func(graph.Result[*task.Task])) {
		if err := s.prepareTask(t); err != nil {
			done(graph.Result[*task.Task]{Node: t, Err: err})
			return
		}
		raw, err := s.callBody(t)
		done(graph.Result[*task.Task]{Node: t, Err: err, Value: raw})
	}
}

func (s *Session) markSkipped() {
	s.mu.Lock()
	s.skipped = true
	s.mu.Unlock()
}
