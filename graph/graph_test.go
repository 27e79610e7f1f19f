package graph_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/FollowTheProcess/warp/graph"
)

func TestWalk(t *testing.T) {
	t.Parallel()
	edges := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": {},
	}
	got := graph.Walk([]string{"a"}, func(n string) []string { return edges[n] }, nil)
	want := []string{"a", "b", "c", "d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("walk mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkSentinel(t *testing.T) {
	t.Parallel()
	edges := map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}
	got := graph.Walk([]string{"a"}, func(n string) []string { return edges[n] },
		func(n string) bool { return n == "b" })
	want := []string{"a", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sentinel should stop expansion (-want +got):\n%s", diff)
	}
}

// driveAll runs a traversal to completion with every node visited and
// executed, returning the execution order.
func driveAll(t *testing.T, start []string, edges map[string][]string) []string {
	t.Helper()
	var executed []string
	trav := graph.NewTraversal(start, graph.Options[string]{
		EdgesFrom: func(n string) []string { return edges[n] },
		Schedule: func(n string, enqueue func(string)) {
			enqueue(n)
		},
		Execute: func(n string, done func(graph.Result[string])) {
			executed = append(executed, n)
			done(graph.Result[string]{Node: n})
		},
	})
	for {
		event, ok := trav.Next()
		if !ok {
			break
		}
		switch event.Action {
		case graph.Traverse:
			trav.Visit(event.Node, true)
		case graph.Execute:
			trav.Run(event.Node, true)
		case graph.Results:
			if event.Result.Err != nil {
				t.Fatalf("unexpected execution error: %v", event.Result.Err)
			}
			trav.Finish(event.Result)
		}
	}
	return executed
}

func TestTraversalExecutesEveryNodeOnce(t *testing.T) {
	t.Parallel()
	edges := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
	}
	executed := driveAll(t, []string{"a"}, edges)

	seen := make(map[string]int)
	for _, n := range executed {
		seen[n]++
	}
	for _, n := range []string{"a", "b", "c", "d"} {
		if seen[n] != 1 {
			t.Errorf("node %s executed %d times", n, seen[n])
		}
	}
}

func TestTraversalSelfExtending(t *testing.T) {
	t.Parallel()
	// Executing "a" discovers "b" through its result rather than its edges
	var executed []string
	trav := graph.NewTraversal([]string{"a"}, graph.Options[string]{
		EdgesFrom: func(n string) []string { return nil },
		Schedule:  func(n string, enqueue func(string)) { enqueue(n) },
		Execute: func(n string, done func(graph.Result[string])) {
			executed = append(executed, n)
			var newNodes []string
			if n == "a" {
				newNodes = []string{"b"}
			}
			done(graph.Result[string]{Node: n, NewNodes: newNodes})
		},
	})
	for {
		event, ok := trav.Next()
		if !ok {
			break
		}
		switch event.Action {
		case graph.Traverse:
			trav.Visit(event.Node, true)
		case graph.Execute:
			trav.Run(event.Node, true)
		case graph.Results:
			trav.Finish(event.Result)
		}
	}
	want := []string{"a", "b"}
	if diff := cmp.Diff(want, executed); diff != "" {
		t.Errorf("self-extension mismatch (-want +got):\n%s", diff)
	}
}

func TestTraversalSkippedNodesContributeNothing(t *testing.T) {
	t.Parallel()
	edges := map[string][]string{"a": {"b"}}
	var executed []string
	trav := graph.NewTraversal([]string{"a"}, graph.Options[string]{
		EdgesFrom: func(n string) []string { return edges[n] },
		Schedule:  func(n string, enqueue func(string)) { enqueue(n) },
		Execute: func(n string, done func(graph.Result[string])) {
			executed = append(executed, n)
			done(graph.Result[string]{Node: n})
		},
	})
	for {
		event, ok := trav.Next()
		if !ok {
			break
		}
		switch event.Action {
		case graph.Traverse:
			// Skip everything
			trav.Visit(event.Node, false)
		case graph.Execute:
			trav.Run(event.Node, true)
		case graph.Results:
			trav.Finish(event.Result)
		}
	}
	if len(executed) != 0 {
		t.Errorf("skipped traversal executed nodes: %v", executed)
	}
}
