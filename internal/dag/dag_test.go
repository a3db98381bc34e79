package dag

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/dohr-michael/maestro/internal/skills"
)

func desc(id string, requires ...string) *skills.Descriptor {
	return &skills.Descriptor{
		ID:          id,
		Name:        id,
		Description: "desc",
		Version:     "latest",
		Requires:    requires,
	}
}

func TestBuild_Levels(t *testing.T) {
	// B and C depend on A; B and C are independent of each other.
	g, err := Build([]*skills.Descriptor{desc("a"), desc("b", "a"), desc("c", "a")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
}

func TestBuild_LevelTieBreakIsCandidateRank(t *testing.T) {
	// Same graph, candidates listed c before b: level 1 keeps that order.
	g, err := Build([]*skills.Descriptor{desc("a"), desc("c", "a"), desc("b", "a")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"c", "b"}}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
}

func TestBuild_Diamond(t *testing.T) {
	// a -> b, a -> c, b+c -> d
	g, err := Build([]*skills.Descriptor{
		desc("a"), desc("b", "a"), desc("c", "a"), desc("d", "b", "c"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build([]*skills.Descriptor{desc("a", "b"), desc("b", "a")}, nil)

	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if len(cycleErr.Cycle) < 3 {
		t.Errorf("expected cycle path closing the loop, got %v", cycleErr.Cycle)
	}
	if cycleErr.Cycle[0] != cycleErr.Cycle[len(cycleErr.Cycle)-1] {
		t.Errorf("expected cycle to start and end with the same node, got %v", cycleErr.Cycle)
	}
}

func TestBuild_SelfDependencyIgnored(t *testing.T) {
	g, err := Build([]*skills.Descriptor{desc("a", "a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Dependencies("a")) != 0 {
		t.Errorf("expected self dependency dropped, got %v", g.Dependencies("a"))
	}
}

func TestBuild_DeclaredDepOutsideCandidates(t *testing.T) {
	// b requires "fetch", which is not part of this run: running b without
	// its upstream would change its meaning, so the build fails.
	_, err := Build([]*skills.Descriptor{desc("a"), desc("b", "fetch", "a")}, nil)
	if err == nil {
		t.Fatal("expected error for unknown declared dependency")
	}
	if !strings.Contains(err.Error(), "fetch") {
		t.Errorf("expected error naming the unknown skill, got %v", err)
	}
}

func TestBuild_InferredEdges(t *testing.T) {
	inferred := map[string][]string{
		"b":       {"a", "ghost"}, // ghost is not a candidate
		"unknown": {"a"},          // unknown source
	}
	g, err := Build([]*skills.Descriptor{desc("a"), desc("b")}, inferred)
	if err != nil {
		t.Fatal(err)
	}

	if deps := g.Dependencies("b"); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("expected inferred edge b->a only, got %v", deps)
	}
	want := [][]string{{"a"}, {"b"}}
	if !reflect.DeepEqual(g.Levels(), want) {
		t.Errorf("levels = %v, want %v", g.Levels(), want)
	}
}

func TestBuild_InferredCycleDetected(t *testing.T) {
	inferred := map[string][]string{"a": {"b"}}
	_, err := Build([]*skills.Descriptor{desc("a"), desc("b", "a")}, inferred)

	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
}

func TestBuild_DuplicateCandidate(t *testing.T) {
	if _, err := Build([]*skills.Descriptor{desc("a"), desc("a")}, nil); err == nil {
		t.Fatal("expected error for duplicate candidate")
	}
}

func TestGraph_Descendants(t *testing.T) {
	g, err := Build([]*skills.Descriptor{
		desc("a"), desc("b", "a"), desc("c", "b"), desc("d"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := g.Descendants("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("descendants of a = %v, want [b c]", got)
	}
	if got := g.Descendants("d"); len(got) != 0 {
		t.Errorf("descendants of d = %v, want none", got)
	}
}

func TestGraph_Dependents(t *testing.T) {
	g, err := Build([]*skills.Descriptor{desc("a"), desc("b", "a"), desc("c", "a")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("dependents of a = %v, want 2", deps)
	}
}
