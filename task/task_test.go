package task_test

import (
	"errors"
	"testing"

	"github.com/FollowTheProcess/warp/funchash"
	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/task"
)

func identity(args []any) (any, error) {
	return args[0], nil
}

func pairSum(args []any) (any, error) {
	return args[0].(float64) + args[1].(float64), nil
}

func pairSumTweaked(args []any) (any, error) {
	return args[0].(float64) + args[1].(float64) + 0, nil
}

var (
	identityName       = funchash.RegisterRule("identity", task.Func(identity))
	pairSumName        = funchash.RegisterRule("pairSum", task.Func(pairSum))
	pairSumTweakedName = funchash.RegisterRule("pairSumTweaked", task.Func(pairSumTweaked))
)

func TestTaskHashStability(t *testing.T) {
	// Semantically equal args must fingerprint identically regardless of
	// construction path
	first, err := task.New(pairSum, pairSumName, []any{1, 2})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	second, err := task.New(pairSum, pairSumName, []any{1.0, 2.0})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if first.Hashid() != second.Hashid() {
		t.Errorf("equal tasks fingerprinted differently: %s != %s", first.Hashid(), second.Hashid())
	}
}

func TestTaskHashIgnoresMetadata(t *testing.T) {
	plain, err := task.New(identity, identityName, []any{1})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	labelled, err := task.New(identity, identityName, []any{1}, task.WithLabel("my label"), task.WithDefault(0))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if plain.Hashid() != labelled.Hashid() {
		t.Error("labels and defaults must not change the fingerprint")
	}
	if labelled.Label() != "my label" {
		t.Errorf("got label %q, wanted %q", labelled.Label(), "my label")
	}
}

func TestFunctionChangeChangesHash(t *testing.T) {
	// Editing the body of the rule re-fingerprints every task built on it
	original, err := task.New(pairSum, pairSumName, []any{3, 4})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	edited, err := task.New(pairSumTweaked, pairSumTweakedName, []any{3, 4})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if original.Hashid() == edited.Hashid() {
		t.Error("an edited function body should invalidate the fingerprint")
	}
}

func TestTaskLifecycle(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{"value"})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if tsk.State() != future.Ready {
		t.Fatalf("got %s, wanted %s", tsk.State(), future.Ready)
	}

	if _, err := tsk.Result(); !errors.Is(err, task.ErrTask) {
		t.Errorf("expected a task error before running, got %v", err)
	}
	if _, err := tsk.Value(); !errors.Is(err, future.ErrFuture) {
		t.Errorf("expected a future error before done, got %v", err)
	}

	if err := tsk.SetRunning(); err != nil {
		t.Fatalf("SetRunning returned an error: %v", err)
	}
	if err := tsk.SetHasRun(); err != nil {
		t.Fatalf("SetHasRun returned an error: %v", err)
	}
	if err := tsk.SetResult("done"); err != nil {
		t.Fatalf("SetResult returned an error: %v", err)
	}
	if !tsk.IsDone() {
		t.Fatal("task should be done after SetResult")
	}
	value, err := tsk.Value()
	if err != nil {
		t.Fatalf("Value returned an error: %v", err)
	}
	if value != "done" {
		t.Errorf("got %v, wanted done", value)
	}
}

func TestSetResultRequiresHasRun(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{1})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if err := tsk.SetResult(1); !errors.Is(err, task.ErrTask) {
		t.Errorf("expected a task error setting a result on a ready task, got %v", err)
	}
}

func TestDefaultResult(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{1}, task.WithDefault("fallback"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	value, err := tsk.ValueOrDefault()
	if err != nil {
		t.Fatalf("ValueOrDefault returned an error: %v", err)
	}
	if value != "fallback" {
		t.Errorf("got %v, wanted fallback", value)
	}

	plain, err := task.New(identity, identityName, []any{2})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if _, err := plain.ValueOrDefault(); !errors.Is(err, task.ErrTask) {
		t.Errorf("expected a task error without a default, got %v", err)
	}
}

func TestCall(t *testing.T) {
	tsk, err := task.New(pairSum, pairSumName, []any{2, 3})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	value, err := tsk.Call()
	if err != nil {
		t.Fatalf("Call returned an error: %v", err)
	}
	if value.(float64) != 5 {
		t.Errorf("got %v, wanted 5", value)
	}
}

func run(t *testing.T, tsk *task.Task, result any) {
	t.Helper()
	if err := tsk.SetRunning(); err != nil {
		t.Fatalf("SetRunning returned an error: %v", err)
	}
	if err := tsk.SetHasRun(); err != nil {
		t.Fatalf("SetHasRun returned an error: %v", err)
	}
	if err := tsk.SetResult(result); err != nil {
		t.Fatalf("SetResult returned an error: %v", err)
	}
}

func TestComponentIndexing(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{map[string]any{"xs": []any{10, 20}}})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	component := tsk.Get("xs").Get(1)
	component.Fut().Register()
	if component.IsDone() {
		t.Fatal("component done before its task")
	}

	result, err := task.EnsureHashed(map[string]any{"xs": []any{10, 20}})
	if err != nil {
		t.Fatalf("EnsureHashed returned an error: %v", err)
	}
	run(t, tsk, result)

	if !component.IsDone() {
		t.Fatal("component should complete with its task")
	}
	value, err := component.Value()
	if err != nil {
		t.Fatalf("Value returned an error: %v", err)
	}
	if value.(float64) != 20 {
		t.Errorf("got %v, wanted 20", value)
	}

	// Missing keys surface only at resolution
	missing := tsk.Get("nope")
	if _, err := missing.Value(); !errors.Is(err, task.ErrTask) {
		t.Errorf("expected a task error for a missing key, got %v", err)
	}
}

func TestCompositeCompletesWithEmbeddedFutures(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{1})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}

	hashed, err := task.EnsureHashed([]any{"before", tsk})
	if err != nil {
		t.Fatalf("EnsureHashed returned an error: %v", err)
	}
	composite, ok := hashed.(*task.Composite)
	if !ok {
		t.Fatalf("expected a future-bearing composite, got %T", hashed)
	}
	composite.Fut().Register()
	if composite.IsDone() {
		t.Fatal("composite done before its embedded future")
	}

	run(t, tsk, "inner")

	if !composite.IsDone() {
		t.Fatal("composite should complete with its embedded future")
	}
	value, err := composite.Value()
	if err != nil {
		t.Fatalf("Value returned an error: %v", err)
	}
	xs := value.([]any)
	if xs[0] != "before" || xs[1] != "inner" {
		t.Errorf("got %v, wanted [before inner]", xs)
	}
}

func TestEnsureHashedPassThrough(t *testing.T) {
	content := hash.NewBytes([]byte("raw"))
	hashed, err := task.EnsureHashed(content)
	if err != nil {
		t.Fatalf("EnsureHashed returned an error: %v", err)
	}
	if hashed != hash.Hashed(content) {
		t.Error("hashed values should pass through unchanged")
	}
}

func TestMaybeHashed(t *testing.T) {
	hashed, err := task.MaybeHashed(struct{ X int }{X: 1})
	if err != nil {
		t.Fatalf("MaybeHashed returned an error: %v", err)
	}
	if hashed != nil {
		t.Error("unhashable values should produce nil")
	}
}

func TestRoundTrip(t *testing.T) {
	tsk, err := task.New(pairSum, pairSumName, []any{7, 8})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}

	known := make(map[hash.Hash]hash.Hashed)
	var collect func(h hash.Hashed)
	collect = func(h hash.Hashed) {
		known[h.Hashid()] = h
		for _, comp := range h.Components() {
			collect(comp)
		}
	}
	collect(tsk)

	rebuilt, err := hash.FromSpec(task.TaskTag, tsk.Spec(), func(h hash.Hash) (hash.Hashed, error) {
		obj, ok := known[h]
		if !ok {
			return nil, errors.New("unknown component")
		}
		return obj, nil
	})
	if err != nil {
		t.Fatalf("FromSpec returned an error: %v", err)
	}
	if rebuilt.Hashid() != tsk.Hashid() {
		t.Errorf("round trip changed hashid: %s != %s", rebuilt.Hashid(), tsk.Hashid())
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	tsk, err := task.New(identity, identityName, []any{1}, task.WithLabel("lbl"), task.WithRule("identity"), task.WithDefault("d"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	meta := tsk.Metadata()
	if meta == nil {
		t.Fatal("expected metadata bytes")
	}

	other, err := task.New(identity, identityName, []any{1})
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if err := other.SetMetadata(meta); err != nil {
		t.Fatalf("SetMetadata returned an error: %v", err)
	}
	if other.Label() != "lbl" || other.Rule() != "identity" {
		t.Errorf("metadata did not restore label/rule: %q %q", other.Label(), other.Rule())
	}
	def, err := other.DefaultResult()
	if err != nil {
		t.Fatalf("DefaultResult returned an error: %v", err)
	}
	if def != "d" {
		t.Errorf("got default %v, wanted d", def)
	}
}
