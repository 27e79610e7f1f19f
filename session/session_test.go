package session_test

import (
	"errors"
	"math"
	"testing"

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/rules"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

var add = rules.New("add", func(args []any) (any, error) {
	return args[0].(float64) + args[1].(float64), nil
})

var fib *rules.Rule

func init() {
	fib = rules.New("fib", fibBody)
}

func fibBody(args []any) (any, error) {
	n := args[0].(float64)
	if n < 2 {
		return n, nil
	}
	a, err := fib.Call(n - 1)
	if err != nil {
		return nil, err
	}
	b, err := fib.Call(n - 2)
	if err != nil {
		return nil, err
	}
	return add.Call(a, b)
}

var recurse *rules.Rule

func init() {
	recurse = rules.New("recurse", recurseBody)
}

func recurseBody(args []any) (any, error) {
	i := args[0].(float64)
	if i < 5 {
		return recurse.Call(i + 1)
	}
	return i, nil
}

var flip *rules.Rule

func init() {
	flip = rules.New("flip", flipBody)
}

func flipBody(args []any) (any, error) {
	x := args[0].(float64)
	if x < 0 {
		return x, nil
	}
	return flip.Call(-x)
}

var identity = rules.New("identity", func(args []any) (any, error) {
	return args[0], nil
})

var multi = rules.New("multi", multiBody)

func multiBody(args []any) (any, error) {
	n := int(args[0].(float64))
	out := make([]any, 0, n)
	for x := 0; x < n; x++ {
		t, err := identity.CallOpts([]task.Option{task.WithDefault(0.0)}, x)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

var total = rules.New("total", func(args []any) (any, error) {
	var sum float64
	for _, x := range args[0].([]any) {
		sum += x.(float64)
	}
	return sum, nil
})

var boom = rules.New("boom", func(args []any) (any, error) {
	return nil, errors.New("bang")
})

var minimax *rules.Rule

func init() {
	minimax = rules.New("minimax", minimaxBody)
}

func minimaxBody(args []any) (any, error) {
	x := args[0].([]any)[0].(float64)
	y := args[1].([]any)[0].(float64)
	m := math.Min(x, y)
	if m < 0 {
		return []any{0.0}, nil
	}
	t, err := minimax.Call([]any{m}, []any{math.Max(x, y) - 1})
	if err != nil {
		return nil, err
	}
	return []any{t.Get(0)}, nil
}

// enter spins up a fresh entered session and tears it down with the test.
func enter(t *testing.T, options ...session.Option) *session.Session {
	t.Helper()
	sess := session.New(options...)
	if err := sess.Enter(); err != nil {
		t.Fatalf("Enter returned an error: %v", err)
	}
	t.Cleanup(sess.Exit)
	return sess
}

func TestEvalPassThrough(t *testing.T) {
	sess := enter(t)
	got, err := sess.Eval(10)
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if got != 10 {
		t.Errorf("got %v, wanted 10", got)
	}
}

func TestFibonacci(t *testing.T) {
	sess := enter(t)
	tsk, err := fib.Call(10)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(tsk)
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if got.(float64) != 55 {
		t.Errorf("got %v, wanted 55", got)
	}
}

func TestFibonacciDeduplicates(t *testing.T) {
	var nTasks int
	func() {
		sess := enter(t)
		tsk, err := fib.Call(10)
		if err != nil {
			t.Fatalf("Call returned an error: %v", err)
		}
		if _, err := sess.Eval(tsk); err != nil {
			t.Fatalf("Eval returned an error: %v", err)
		}
		nTasks = len(sess.AllTasks())
	}()

	sess := enter(t)
	five, err := fib.Call(5)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	ten, err := fib.Call(10)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval([]any{five, ten})
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	xs := got.([]any)
	if xs[0].(float64) != 5 || xs[1].(float64) != 55 {
		t.Errorf("got %v, wanted [5 55]", xs)
	}
	// fib(10)'s graph contains fib(5)'s entirely
	if len(sess.AllTasks()) != nTasks {
		t.Errorf("got %d tasks, wanted %d", len(sess.AllTasks()), nTasks)
	}
}

func TestRecursion(t *testing.T) {
	sess := enter(t)
	tsk, err := recurse.Call(0)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(tsk)
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if got.(float64) != 5 {
		t.Errorf("got %v, wanted 5", got)
	}
	if !tsk.IsDone() {
		t.Error("recurse(0) should be done")
	}
	value, err := tsk.Result()
	if err != nil {
		t.Fatalf("Result returned an error: %v", err)
	}
	if value.(float64) != 5 {
		t.Errorf("got result %v, wanted 5", value)
	}
	if len(sess.AllTasks()) != 6 {
		t.Errorf("got %d task instances, wanted 6", len(sess.AllTasks()))
	}
}

func TestReturnedDoneFuture(t *testing.T) {
	sess := enter(t)
	neg, err := flip.Call(-4)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if _, err := sess.Eval(neg); err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	pos, err := flip.Call(4)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(pos)
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if got.(float64) != -4 {
		t.Errorf("got %v, wanted -4", got)
	}
}

func TestIdenticalFuturesDeduplicate(t *testing.T) {
	sess := enter(t)
	first, err := minimax.Call([]any{1.0}, []any{1.0})
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	second, err := minimax.Call([]any{1.0}, []any{1.0})
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if first != second {
		t.Fatal("identical calls should dedupe onto one task instance")
	}
	expr, err := minimax.Call([]any{first.Get(0)}, []any{second.Get(0)})
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(expr.Get(0), session.Depth())
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if got.(float64) != 0 {
		t.Errorf("got %v, wanted 0", got)
	}
}

func TestPartialEvalWithDefaults(t *testing.T) {
	sess := enter(t)
	main, err := multi.Call(5)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if _, err := sess.RunTask(main); err != nil {
		t.Fatalf("RunTask returned an error: %v", err)
	}

	// Run just the identity task holding 3, everything else falls back to
	// its default
	var target *task.Task
	for _, effect := range sess.SideEffects(main) {
		value, err := effect.Args()[0].Value()
		if err != nil {
			t.Fatalf("Value returned an error: %v", err)
		}
		if value.(float64) == 3 {
			target = effect
		}
	}
	if target == nil {
		t.Fatal("could not find identity(3) among the side effects")
	}
	if _, err := sess.RunTask(target); err != nil {
		t.Fatalf("RunTask returned an error: %v", err)
	}

	speculative, err := total.Call(main)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := speculative.Call()
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if got.(float64) != 3 {
		t.Errorf("got %v, wanted 3", got)
	}
}

func TestHandledException(t *testing.T) {
	sess := enter(t)
	tsk, err := boom.Call()
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	handled := 0
	got, err := sess.Eval(tsk, session.WithHandler(func(failed *task.Task, taskErr error) bool {
		handled++
		return true
	}))
	if err != nil {
		t.Fatalf("Eval should not propagate a handled error, got %v", err)
	}
	if handled != 1 {
		t.Errorf("handler fired %d times, wanted 1", handled)
	}
	if len(sess.HandledExceptions()) != 1 {
		t.Errorf("session recorded %d handled exceptions, wanted 1", len(sess.HandledExceptions()))
	}
	if tsk.State() != future.Error {
		t.Errorf("got state %s, wanted %s", tsk.State(), future.Error)
	}
	if _, ok := got.(task.HashedFuture); !ok {
		t.Errorf("expected the unresolved future back, got %T", got)
	}
}

func TestUnhandledExceptionPropagates(t *testing.T) {
	sess := enter(t)
	tsk, err := boom.Call()
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if _, err := sess.Eval(tsk); err == nil {
		t.Fatal("expected the task failure to propagate")
	}
}

func TestEvalLimit(t *testing.T) {
	sess := enter(t)
	tsk, err := fib.Call(10)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(tsk, session.WithLimit(2))
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if _, ok := got.(task.HashedFuture); !ok {
		t.Errorf("expected the unresolved future back under a limit, got %T", got)
	}
}

func TestEvalFilter(t *testing.T) {
	sess := enter(t)
	tsk, err := fib.Call(3)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	got, err := sess.Eval(tsk, session.WithFilter(func(*task.Task) bool { return false }))
	if err != nil {
		t.Fatalf("Eval returned an error: %v", err)
	}
	if _, ok := got.(task.HashedFuture); !ok {
		t.Errorf("expected the unresolved future back when filtered, got %T", got)
	}
}

func TestTaskStorage(t *testing.T) {
	sess := enter(t)
	tsk, err := stored.Call()
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	tsk.Storage()["test"] = 3
	if _, err := sess.RunTask(tsk); err != nil {
		t.Fatalf("RunTask returned an error: %v", err)
	}
	value, err := tsk.Result()
	if err != nil {
		t.Fatalf("Result returned an error: %v", err)
	}
	if value.(float64) != 3 {
		t.Errorf("got %v, wanted 3", value)
	}
}

var stored = rules.New("stored", func(args []any) (any, error) {
	sess, err := session.Active()
	if err != nil {
		return nil, err
	}
	running, err := sess.RunningTask()
	if err != nil {
		return nil, err
	}
	return running.Storage()["test"], nil
})

func TestNoActiveSession(t *testing.T) {
	_, err := fib.Call(1)
	if !errors.Is(err, session.ErrSession) {
		t.Errorf("expected a session error, got %v", err)
	}
}

func TestRegisterTaskDeduplicates(t *testing.T) {
	sess := enter(t)
	first, err := add.Call(1, 2)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	second, err := add.Call(1.0, 2.0)
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if first != second {
		t.Error("identical fingerprints should return the same task instance")
	}
	if len(sess.AllTasks()) != 1 {
		t.Errorf("got %d tasks, wanted 1", len(sess.AllTasks()))
	}
}
