package graph

import (
	"errors"
	"reflect"
	"testing"

	points "telemetry-core/internal/points/domain"
)

func mustRegister(t *testing.T, g *Graph, id string, inputs ...string) {
	t.Helper()
	if err := g.Register(id, inputs); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestGraph_RegisterUnknownInput(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	err := g.Register("vp.x", []string{"raw.a", "raw.missing"})
	var unknown *points.UnknownInputError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownInputError, got %v", err)
	}
	if unknown.InputID != "raw.missing" {
		t.Fatalf("unexpected input id %q", unknown.InputID)
	}
	// The rejected registration must leave no trace.
	if g.Contains("vp.x") {
		t.Fatal("rejected point leaked into the graph")
	}
}

func TestGraph_CycleRejectedWithPath(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	mustRegister(t, g, "vp.b", "raw.a")
	mustRegister(t, g, "vp.c", "vp.b")

	// vp.b reading vp.c would close b -> c -> b.
	err := g.Register("vp.b", []string{"vp.c"})
	var cyclic *points.CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if len(cyclic.Cycle) < 2 {
		t.Fatalf("cycle path too short: %v", cyclic.Cycle)
	}
	// The old edge set survives a rejected update.
	if got := g.Inputs("vp.b"); !reflect.DeepEqual(got, []string{"raw.a"}) {
		t.Fatalf("edges changed after rejection: %v", got)
	}
}

func TestGraph_SelfReferenceRejected(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	mustRegister(t, g, "vp.b", "raw.a")
	err := g.Register("vp.b", []string{"vp.b"})
	var cyclic *points.CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
}

func TestGraph_UnregisterWithDependents(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	mustRegister(t, g, "vp.b", "raw.a")
	mustRegister(t, g, "vp.d", "vp.b")
	mustRegister(t, g, "vp.c", "vp.b")

	err := g.Unregister("vp.b")
	var deps *points.DependentsExistError
	if !errors.As(err, &deps) {
		t.Fatalf("expected DependentsExistError, got %v", err)
	}
	if !reflect.DeepEqual(deps.Dependents, []string{"vp.c", "vp.d"}) {
		t.Fatalf("dependents not sorted: %v", deps.Dependents)
	}

	if err := g.Unregister("vp.c"); err != nil {
		t.Fatalf("unregister leaf: %v", err)
	}
	if err := g.Unregister("vp.d"); err != nil {
		t.Fatalf("unregister leaf: %v", err)
	}
	if err := g.Unregister("vp.b"); err != nil {
		t.Fatalf("unregister after leaves removed: %v", err)
	}
	if g.Contains("vp.b") {
		t.Fatal("vp.b still present after unregister")
	}
	if !g.Contains("raw.a") {
		t.Fatal("raw point lost during unregister")
	}
}

func TestGraph_TopologicalOrderDiamond(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	mustRegister(t, g, "vp.left", "raw.a")
	mustRegister(t, g, "vp.right", "raw.a")
	mustRegister(t, g, "vp.sink", "vp.left", "vp.right")

	order := g.TopologicalOrder("raw.a")
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 points", order)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		if _, dup := pos[id]; dup {
			t.Fatalf("point %s appears twice in %v", id, order)
		}
		pos[id] = i
	}
	if pos["vp.sink"] < pos["vp.left"] || pos["vp.sink"] < pos["vp.right"] {
		t.Fatalf("sink evaluated before its inputs: %v", order)
	}
	// Peers at the same depth order by id.
	if pos["vp.left"] > pos["vp.right"] {
		t.Fatalf("ties not broken by id: %v", order)
	}
}

func TestGraph_TopologicalOrderScopesToReachable(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	g.AddPoint("raw.b")
	mustRegister(t, g, "vp.fromA", "raw.a")
	mustRegister(t, g, "vp.fromB", "raw.b")

	order := g.TopologicalOrder("raw.b")
	if !reflect.DeepEqual(order, []string{"vp.fromB"}) {
		t.Fatalf("order = %v, want only vp.fromB", order)
	}
	if got := g.TopologicalOrder("raw.unknown"); got != nil {
		t.Fatalf("unknown point order = %v, want nil", got)
	}
	if got := g.TopologicalOrder("vp.fromB"); got != nil {
		t.Fatalf("leaf order = %v, want nil", got)
	}
}

func TestGraph_ReregisterReplacesEdges(t *testing.T) {
	g := New()
	g.AddPoint("raw.a")
	g.AddPoint("raw.b")
	mustRegister(t, g, "vp.x", "raw.a")
	mustRegister(t, g, "vp.x", "raw.b")

	if got := g.Inputs("vp.x"); !reflect.DeepEqual(got, []string{"raw.b"}) {
		t.Fatalf("inputs = %v, want only raw.b", got)
	}
	if order := g.TopologicalOrder("raw.a"); len(order) != 0 {
		t.Fatalf("stale edge survived re-registration: %v", order)
	}
}
