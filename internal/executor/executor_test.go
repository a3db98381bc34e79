package executor

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/maestro/internal/analyzer"
	"github.com/dohr-michael/maestro/internal/container"
	"github.com/dohr-michael/maestro/internal/dag"
	"github.com/dohr-michael/maestro/internal/events"
	"github.com/dohr-michael/maestro/internal/skills"
)

// fakePlanner serves canned plans and failures, keyed by skill id.
type fakePlanner struct {
	mu          sync.Mutex
	plans       map[string]*analyzer.ExecutionPlan
	planErrs    map[string][]error // consumed one per Plan call
	hydrateErrs map[string]error
	repairs     map[string]*analyzer.RepairResult
	planCalls   map[string]int
	repairCalls map[string]int
	upstreams   map[string][]analyzer.UpstreamSummary
}

func newFakePlanner() *fakePlanner {
	return &fakePlanner{
		plans:       map[string]*analyzer.ExecutionPlan{},
		planErrs:    map[string][]error{},
		hydrateErrs: map[string]error{},
		repairs:     map[string]*analyzer.RepairResult{},
		planCalls:   map[string]int{},
		repairCalls: map[string]int{},
		upstreams:   map[string][]analyzer.UpstreamSummary{},
	}
}

func (f *fakePlanner) Plan(ctx context.Context, d *skills.Descriptor, query string, upstream []analyzer.UpstreamSummary) (*analyzer.ExecutionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls[d.ID]++
	f.upstreams[d.ID] = upstream
	if errs := f.planErrs[d.ID]; len(errs) > 0 {
		err := errs[0]
		f.planErrs[d.ID] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p, ok := f.plans[d.ID]; ok {
		return p, nil
	}
	return &analyzer.ExecutionPlan{
		SkillID:   d.ID,
		CanHandle: true,
		Summary:   "run " + d.ID,
		Commands:  []analyzer.PlannedCommand{{Type: analyzer.CommandShell, Command: "true"}},
	}, nil
}

func (f *fakePlanner) Hydrate(d *skills.Descriptor, plan *analyzer.ExecutionPlan) (*analyzer.HydratedPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hydrateErrs[d.ID]; err != nil {
		return nil, err
	}
	return &analyzer.HydratedPlan{Plan: plan}, nil
}

func (f *fakePlanner) Compile(d *skills.Descriptor, hp *analyzer.HydratedPlan, upstreamOutputs map[string][]string) (*analyzer.CompiledCommands, error) {
	cc := &analyzer.CompiledCommands{SkillID: d.ID, Inputs: hp.Plan.Inputs}
	for _, pc := range hp.Plan.Commands {
		cc.Commands = append(cc.Commands, analyzer.Command{Interpreter: "sh", Command: pc.Command, Outputs: pc.Outputs})
	}
	return cc, nil
}

func (f *fakePlanner) Repair(ctx context.Context, d *skills.Descriptor, plan *analyzer.ExecutionPlan, exitCode int, stdout, stderr string) (*analyzer.RepairResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairCalls[d.ID]++
	if r, ok := f.repairs[d.ID]; ok {
		return r, nil
	}
	return &analyzer.RepairResult{Diagnosis: "transient", Fixable: true, Revised: plan}, nil
}

// fakeSandbox records invocations and pops one scripted error per call.
type fakeSandbox struct {
	mu         sync.Mutex
	outputs    map[string]*container.ExecutionOutput
	errs       map[string][]error
	calls      map[string]int
	inputs     map[string]container.ExecutionInput
	delay      time.Duration
	running    int
	maxRunning int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		outputs: map[string]*container.ExecutionOutput{},
		errs:    map[string][]error{},
		calls:   map[string]int{},
		inputs:  map[string]container.ExecutionInput{},
	}
}

func (f *fakeSandbox) Execute(ctx context.Context, cmds *analyzer.CompiledCommands, input container.ExecutionInput) (*container.ExecutionOutput, error) {
	f.mu.Lock()
	f.calls[cmds.SkillID]++
	f.inputs[cmds.SkillID] = input
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--

	if errs := f.errs[cmds.SkillID]; len(errs) > 0 {
		err := errs[0]
		f.errs[cmds.SkillID] = errs[1:]
		if err != nil {
			out := &container.ExecutionOutput{ExitCode: 1, Stderr: "boom"}
			return out, err
		}
	}
	if out, ok := f.outputs[cmds.SkillID]; ok {
		return out, nil
	}
	return &container.ExecutionOutput{Stdout: "ok " + cmds.SkillID, OutputFiles: map[string]string{}}, nil
}

func desc(id string, requires ...string) *skills.Descriptor {
	return &skills.Descriptor{ID: id, Name: id, Description: id, Requires: requires}
}

func buildGraph(t *testing.T, candidates []*skills.Descriptor) *dag.Graph {
	t.Helper()
	g, err := dag.Build(candidates, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestExecute_LevelOrder(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b", "a"), desc("c", "a")}
	g := buildGraph(t, candidates)
	sandbox := newFakeSandbox()
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 4})

	res, err := ex.Execute(context.Background(), g, candidates, "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Error("expected success")
	}

	wantLevels := [][]string{{"a"}, {"b", "c"}}
	if len(res.Levels) != len(wantLevels) {
		t.Fatalf("levels = %v", res.Levels)
	}
	for i, level := range wantLevels {
		if strings.Join(res.Levels[i], ",") != strings.Join(level, ",") {
			t.Errorf("level %d = %v, want %v", i, res.Levels[i], level)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		if res.Nodes[id].Status != StatusSucceeded {
			t.Errorf("node %s status = %s", id, res.Nodes[id].Status)
		}
		if sandbox.calls[id] != 1 {
			t.Errorf("node %s executed %d times", id, sandbox.calls[id])
		}
	}
}

func TestExecute_RetryBudget(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b", "a")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{
		&container.ExecutionFailure{SkillID: "a", ExitCode: 1},
		&container.ExecutionFailure{SkillID: "a", ExitCode: 1},
		&container.ExecutionFailure{SkillID: "a", ExitCode: 1},
		&container.ExecutionFailure{SkillID: "a", ExitCode: 1},
	}
	planner := newFakePlanner()
	ex := New(planner, sandbox, nil, Config{MaxParallel: 2, MaxRetries: 2, StopOnFailure: true})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("expected failure")
	}

	a := res.Nodes["a"]
	if a.Status != StatusFailed {
		t.Errorf("a status = %s", a.Status)
	}
	if a.Attempts != 3 {
		t.Errorf("a attempts = %d, want 3", a.Attempts)
	}
	if sandbox.calls["a"] != 3 {
		t.Errorf("a executed %d times, want 3", sandbox.calls["a"])
	}
	if planner.repairCalls["a"] != 2 {
		t.Errorf("a repaired %d times, want 2", planner.repairCalls["a"])
	}

	b := res.Nodes["b"]
	if b.Status != StatusSkipped {
		t.Errorf("b status = %s", b.Status)
	}
	if b.FailedAncestor != "a" {
		t.Errorf("b skipped because %q, want a", b.FailedAncestor)
	}
	if sandbox.calls["b"] != 0 {
		t.Errorf("b executed %d times", sandbox.calls["b"])
	}
}

func TestExecute_SecurityViolationNeverRetried(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.SecurityViolationError{SkillID: "a", Reason: "blocked"}}
	planner := newFakePlanner()
	ex := New(planner, sandbox, nil, Config{MaxParallel: 1, MaxRetries: 3})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	a := res.Nodes["a"]
	if a.Status != StatusFailed || a.ErrorKind != KindSecurityViolation {
		t.Errorf("a = %s/%s", a.Status, a.ErrorKind)
	}
	if a.Attempts != 1 {
		t.Errorf("a attempts = %d, want 1", a.Attempts)
	}
	if planner.repairCalls["a"] != 0 {
		t.Errorf("repair called %d times for a fatal error", planner.repairCalls["a"])
	}
}

func TestExecute_ResourceLoadNeverRetried(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a")}
	g := buildGraph(t, candidates)

	planner := newFakePlanner()
	planner.hydrateErrs["a"] = &skills.ResourceLoadError{SkillID: "a", Path: "missing.md"}
	ex := New(planner, newFakeSandbox(), nil, Config{MaxParallel: 1, MaxRetries: 3})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	a := res.Nodes["a"]
	if a.Status != StatusFailed || a.ErrorKind != KindResourceLoad {
		t.Errorf("a = %s/%s", a.Status, a.ErrorKind)
	}
	if a.Attempts != 1 {
		t.Errorf("a attempts = %d, want 1", a.Attempts)
	}
}

func TestExecute_PlanParseRetried(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a")}
	g := buildGraph(t, candidates)

	planner := newFakePlanner()
	planner.planErrs["a"] = []error{&analyzer.PlanParseError{SkillID: "a"}}
	ex := New(planner, newFakeSandbox(), nil, Config{MaxParallel: 1, MaxRetries: 2})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	a := res.Nodes["a"]
	if a.Status != StatusSucceeded {
		t.Errorf("a status = %s (%v)", a.Status, a.Err)
	}
	if a.Attempts != 2 {
		t.Errorf("a attempts = %d, want 2", a.Attempts)
	}
	if planner.planCalls["a"] != 2 {
		t.Errorf("a planned %d times, want 2", planner.planCalls["a"])
	}
}

func TestExecute_CannotHandleIsTerminal(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a")}
	g := buildGraph(t, candidates)

	planner := newFakePlanner()
	planner.planErrs["a"] = []error{analyzer.ErrCannotHandle}
	ex := New(planner, newFakeSandbox(), nil, Config{MaxParallel: 1, MaxRetries: 3})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	a := res.Nodes["a"]
	if a.Status != StatusFailed || a.ErrorKind != KindCannotHandle {
		t.Errorf("a = %s/%s", a.Status, a.ErrorKind)
	}
	if a.Attempts != 1 {
		t.Errorf("a attempts = %d, want 1", a.Attempts)
	}
}

func TestExecute_RepairNotFixableStopsEarly(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.ExecutionFailure{SkillID: "a", ExitCode: 2}}
	planner := newFakePlanner()
	planner.repairs["a"] = &analyzer.RepairResult{Diagnosis: "input file does not exist", Fixable: false}
	ex := New(planner, sandbox, nil, Config{MaxParallel: 1, MaxRetries: 5})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	a := res.Nodes["a"]
	if a.Status != StatusFailed {
		t.Errorf("a status = %s", a.Status)
	}
	if a.Attempts != 1 {
		t.Errorf("a attempts = %d, want 1", a.Attempts)
	}
	if a.Diagnosis != "input file does not exist" {
		t.Errorf("diagnosis = %q", a.Diagnosis)
	}
}

func TestExecute_SkipCascade(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b", "a"), desc("c", "b")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.ExecutionFailure{SkillID: "a", ExitCode: 1}}
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 2})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"b", "c"} {
		n := res.Nodes[id]
		if n.Status != StatusSkipped {
			t.Errorf("%s status = %s", id, n.Status)
		}
		if n.FailedAncestor != "a" {
			t.Errorf("%s ancestor = %q, want a", id, n.FailedAncestor)
		}
	}
}

func TestExecute_StopOnFailureHaltsIndependentBranches(t *testing.T) {
	// d does not depend on a but sits in a later level through c.
	candidates := []*skills.Descriptor{desc("a"), desc("c"), desc("d", "c")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.ExecutionFailure{SkillID: "a", ExitCode: 1}}
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 1, StopOnFailure: true})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	if res.Nodes["d"].Status != StatusSkipped {
		t.Errorf("d status = %s, want skipped after abort", res.Nodes["d"].Status)
	}
}

func TestExecute_IndependentBranchesContinue(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("c"), desc("d", "c")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.ExecutionFailure{SkillID: "a", ExitCode: 1}}
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 1, StopOnFailure: false})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	if res.Nodes["d"].Status != StatusSucceeded {
		t.Errorf("d status = %s, want succeeded", res.Nodes["d"].Status)
	}
	if res.Success {
		t.Error("a failed, run must not report success")
	}
}

func TestExecute_BestEffortRunsDependentsOfFailed(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b", "a")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.errs["a"] = []error{&container.ExecutionFailure{SkillID: "a", ExitCode: 1}}
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 1, BestEffort: true})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}

	if res.Nodes["b"].Status != StatusSucceeded {
		t.Errorf("b status = %s, want succeeded in best-effort mode", res.Nodes["b"].Status)
	}
}

func TestExecute_ParallelismBounded(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b"), desc("c"), desc("d"), desc("e")}
	g := buildGraph(t, candidates)

	sandbox := newFakeSandbox()
	sandbox.delay = 30 * time.Millisecond
	ex := New(newFakePlanner(), sandbox, nil, Config{MaxParallel: 2})

	if _, err := ex.Execute(context.Background(), g, candidates, "q"); err != nil {
		t.Fatal(err)
	}
	if sandbox.maxRunning > 2 {
		t.Errorf("max concurrent executions = %d, want <= 2", sandbox.maxRunning)
	}
}

// eventSeq extracts the monotonic sequence number from an event id.
func eventSeq(t *testing.T, e events.Event) int {
	t.Helper()
	_, seq, ok := strings.Cut(e.ID, "-")
	if !ok {
		t.Fatalf("unexpected event id %q", e.ID)
	}
	n, err := strconv.Atoi(seq)
	if err != nil {
		t.Fatalf("unexpected event id %q", e.ID)
	}
	return n
}

func TestExecute_ReportedRunningBounded(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b"), desc("c"), desc("d"), desc("e")}
	g := buildGraph(t, candidates)

	bus := events.NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var seen []events.Event
	unsubscribe := bus.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	}, events.EventNodeStatus, events.EventNodeCompleted)
	defer unsubscribe()

	sandbox := newFakeSandbox()
	sandbox.delay = 20 * time.Millisecond
	ex := New(newFakePlanner(), sandbox, bus, Config{MaxParallel: 1})

	if _, err := ex.Execute(context.Background(), g, candidates, "q"); err != nil {
		t.Fatal(err)
	}

	// ready + running + completed per node, delivered asynchronously.
	want := 3 * len(candidates)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= want || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	ordered := append([]events.Event(nil), seen...)
	mu.Unlock()
	if len(ordered) != want {
		t.Fatalf("expected %d events, got %d", want, len(ordered))
	}
	// All node status changes come from the coordinating goroutine, so the
	// event sequence numbers reflect the order they were published in.
	sort.Slice(ordered, func(i, j int) bool {
		return eventSeq(t, ordered[i]) < eventSeq(t, ordered[j])
	})

	ready, running, maxRunning := 0, 0, 0
	for _, e := range ordered {
		switch e.Type {
		case events.EventNodeStatus:
			p, ok := events.ExtractPayload[events.NodeStatusPayload](e)
			if !ok {
				t.Fatalf("bad status payload: %v", e.Payload)
			}
			switch p.Status {
			case string(StatusReady):
				ready++
			case string(StatusRunning):
				running++
				if running > maxRunning {
					maxRunning = running
				}
			}
		case events.EventNodeCompleted:
			running--
		}
	}
	if ready != len(candidates) {
		t.Errorf("expected %d ready transitions, got %d", len(candidates), ready)
	}
	if maxRunning > 1 {
		t.Errorf("observed %d simultaneously running nodes, want <= 1", maxRunning)
	}
}

func TestExecute_UpstreamOutputsFlowDownstream(t *testing.T) {
	candidates := []*skills.Descriptor{desc("fetch"), desc("convert", "fetch")}
	g := buildGraph(t, candidates)

	planner := newFakePlanner()
	planner.plans["convert"] = &analyzer.ExecutionPlan{
		SkillID:   "convert",
		CanHandle: true,
		Commands:  []analyzer.PlannedCommand{{Type: analyzer.CommandShell, Command: "true"}},
		Inputs:    map[string]string{"source": "fetch/document"},
	}
	sandbox := newFakeSandbox()
	sandbox.outputs["fetch"] = &container.ExecutionOutput{
		Stdout:      "fetched 1 document",
		OutputFiles: map[string]string{"document": "/ws/fetch/outputs/doc.pdf"},
	}
	ex := New(planner, sandbox, nil, Config{MaxParallel: 2})

	res, err := ex.Execute(context.Background(), g, candidates, "q")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Nodes["convert"])
	}

	input := sandbox.inputs["convert"]
	if input.Files["source"] != "/ws/fetch/outputs/doc.pdf" {
		t.Errorf("input files = %v", input.Files)
	}
	if input.Env["UPSTREAM_FETCH_STDOUT"] != "fetched 1 document" {
		t.Errorf("env = %v", input.Env)
	}
	if input.Env["UPSTREAM_FETCH_OUTPUT_DOCUMENT"] != "/ws/fetch/outputs/doc.pdf" {
		t.Errorf("env = %v", input.Env)
	}
	if !strings.Contains(input.Env["UPSTREAM_OUTPUTS"], `"document"`) {
		t.Errorf("UPSTREAM_OUTPUTS = %q", input.Env["UPSTREAM_OUTPUTS"])
	}

	ups := planner.upstreams["convert"]
	if len(ups) != 1 || ups[0].SkillID != "fetch" {
		t.Fatalf("upstream summaries = %+v", ups)
	}
	if ups[0].Summary != "fetched 1 document" {
		t.Errorf("summary = %q", ups[0].Summary)
	}
	if len(ups[0].Outputs) != 1 || ups[0].Outputs[0] != "document" {
		t.Errorf("outputs = %v", ups[0].Outputs)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	candidates := []*skills.Descriptor{desc("a"), desc("b", "a")}
	g := buildGraph(t, candidates)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := New(newFakePlanner(), newFakeSandbox(), nil, Config{MaxParallel: 1})
	res, err := ex.Execute(ctx, g, candidates, "q")
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res == nil {
		t.Fatal("partial result must be returned")
	}
}

func TestResult_Markdown(t *testing.T) {
	res := &Result{
		Query:  "extract tables",
		Levels: [][]string{{"fetch"}, {"convert"}},
		Nodes: map[string]*NodeState{
			"fetch": {
				SkillID:  "fetch",
				Status:   StatusSucceeded,
				Attempts: 1,
				Output:   &container.ExecutionOutput{Stdout: "done", OutputFiles: map[string]string{"document": "/x"}},
			},
			"convert": {
				SkillID:        "convert",
				Status:         StatusSkipped,
				FailedAncestor: "fetch",
			},
		},
		Success: false,
	}

	md := res.Markdown()
	for _, want := range []string{"extract tables", "fetch — succeeded", "convert — skipped", "document", "1 succeeded"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
