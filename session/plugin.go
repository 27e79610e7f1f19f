package session

import (
	"github.com/FollowTheProcess/warp/graph"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/task"
)

// Execute runs a task and delivers its completion through done, possibly
// from another goroutine. The base executor runs the task body inline;
// plugins may wrap it to add dispatching or resource accounting.
type Execute func(t *task.Task, done func(graph.Result[*task.Task]))

// Plugin observes and extends a session's lifecycle. All hooks are called
// without the session's internal lock held, so they may freely call back
// into the session.
type Plugin interface {
	// Name identifies the plugin.
	Name() string
	// PostEnter fires when the session becomes active.
	PostEnter(s *Session)
	// PreExit fires just before the session clears its state.
	PreExit(s *Session)
	// PreRun fires before an evaluation starts.
	PreRun() error
	// PostRun fires after an evaluation finishes, even on error.
	PostRun() error
	// PostCreate fires when a task is first registered.
	PostCreate(t *task.Task)
	// PostTaskRun fires after a task's body ran and its result was set.
	PostTaskRun(t *task.Task)
	// SaveHashed observes non-task hashed objects entering the graph.
	SaveHashed(objs []hash.Hashed)
	// IgnoredException fires when the exception handler accepts a failure.
	IgnoredException()
	// WrapExecute may wrap the executor used by the traversal.
	WrapExecute(exe Execute) Execute
}

// NopPlugin implements Plugin with no-ops, concrete plugins embed it and
// override the hooks they care about.
type NopPlugin struct{}

// Name implements Plugin for NopPlugin.
func (NopPlugin) Name() string { return "nop" }

// PostEnter implements Plugin for NopPlugin.
func (NopPlugin) PostEnter(s *Session) {}

// PreExit implements Plugin for NopPlugin.
func (NopPlugin) PreExit(s *Session) {}

// PreRun implements Plugin for NopPlugin.
func (NopPlugin) PreRun() error { return nil }

// PostRun implements Plugin for NopPlugin.
func (NopPlugin) PostRun() error { return nil }

// PostCreate implements Plugin for NopPlugin.
func (NopPlugin) PostCreate(t *task.Task) {}

// PostTaskRun implements Plugin for NopPlugin.
func (NopPlugin) PostTaskRun(t *task.Task) {}

// SaveHashed implements Plugin for NopPlugin.
func (NopPlugin) SaveHashed(objs []hash.Hashed) {}

// IgnoredException implements Plugin for NopPlugin.
func (NopPlugin) IgnoredException() {}

// WrapExecute implements Plugin for NopPlugin.
func (NopPlugin) WrapExecute(exe Execute) Execute { return exe }
