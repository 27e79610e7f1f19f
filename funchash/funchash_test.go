package funchash_test

import (
	"strings"
	"testing"

	"github.com/FollowTheProcess/warp/funchash"
)

// Plain task-shaped functions to hash. The pairs with identical bodies
// must digest identically, anything with a different body must not.
func double(args []any) (any, error) {
	n := args[0].(float64)
	return n * 2, nil
}

func doubleAgain(args []any) (any, error) {
	n := args[0].(float64)
	return n * 2, nil
}

func triple(args []any) (any, error) {
	n := args[0].(float64)
	return n * 3, nil
}

func uppercase(args []any) (any, error) {
	s := args[0].(string)
	return strings.ToUpper(s), nil
}

var helper = func(args []any) (any, error) {
	return args[0], nil
}

var caller = func(args []any) (any, error) {
	return helper(args)
}

func recursive(args []any) (any, error) {
	n := args[0].(float64)
	if n <= 0 {
		return n, nil
	}
	return recursive([]any{n - 1})
}

func init() {
	funchash.RegisterRule("helper", helper)
	funchash.RegisterRule("recursive", recursive)
}

func TestHashDeterministic(t *testing.T) {
	first, err := funchash.Hash(double)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	if len(first) != 40 {
		t.Fatalf("digest %q is not a 40 hex char hash", first)
	}
	for i := 0; i < 10; i++ {
		got, err := funchash.Hash(double)
		if err != nil {
			t.Fatalf("Hash returned an error: %v", err)
		}
		if got != first {
			t.Errorf("digest drifted on run %d: %s != %s", i, got, first)
		}
	}
}

func TestIdenticalBodiesHashEqual(t *testing.T) {
	// The digest drops the function name, so two functions with the same
	// body and references are behaviourally identical
	first, err := funchash.Hash(double)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	second, err := funchash.Hash(doubleAgain)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	if first != second {
		t.Errorf("identical bodies hashed differently: %s != %s", first, second)
	}
}

func TestBodyEditChangesHash(t *testing.T) {
	first, err := funchash.Hash(double)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	second, err := funchash.Hash(triple)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	if first == second {
		t.Error("different bodies produced the same digest")
	}
}

func TestStdlibSelector(t *testing.T) {
	// strings.ToUpper resolves as a stdlib reference
	if _, err := funchash.Hash(uppercase); err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
}

func TestRegisteredRuleReference(t *testing.T) {
	callerHash, err := funchash.Hash(caller)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	helperHash, err := funchash.Hash(helper)
	if err != nil {
		t.Fatalf("Hash returned an error: %v", err)
	}
	if callerHash == helperHash {
		t.Error("caller and helper should not digest identically")
	}
}

func TestSelfRecursion(t *testing.T) {
	if _, err := funchash.Hash(recursive); err != nil {
		t.Fatalf("Hash returned an error for a self-recursive rule: %v", err)
	}
}

func TestHashRejectsNonFunctions(t *testing.T) {
	if _, err := funchash.Hash(42); err == nil {
		t.Error("expected an error hashing a non-function")
	}
}

func TestPkgPathOf(t *testing.T) {
	got := funchash.PkgPathOf(double)
	if !strings.Contains(got, "funchash") {
		t.Errorf("package path %q does not name this package", got)
	}
}
