// Package executor runs a dependency graph of skills level by level. Within a
// level, ready nodes dispatch concurrently under a bounded in-flight count;
// workers report over a result channel and the coordinating goroutine is the
// only writer of node status.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/maestro/internal/analyzer"
	"github.com/dohr-michael/maestro/internal/container"
	"github.com/dohr-michael/maestro/internal/dag"
	"github.com/dohr-michael/maestro/internal/events"
	"github.com/dohr-michael/maestro/internal/skills"
)

// Planner is the analysis side of a node attempt.
type Planner interface {
	Plan(ctx context.Context, d *skills.Descriptor, query string, upstream []analyzer.UpstreamSummary) (*analyzer.ExecutionPlan, error)
	Hydrate(d *skills.Descriptor, plan *analyzer.ExecutionPlan) (*analyzer.HydratedPlan, error)
	Compile(d *skills.Descriptor, hp *analyzer.HydratedPlan, upstreamOutputs map[string][]string) (*analyzer.CompiledCommands, error)
	Repair(ctx context.Context, d *skills.Descriptor, plan *analyzer.ExecutionPlan, exitCode int, stdout, stderr string) (*analyzer.RepairResult, error)
}

// Sandbox executes compiled commands inside the run workspace.
type Sandbox interface {
	Execute(ctx context.Context, cmds *analyzer.CompiledCommands, input container.ExecutionInput) (*container.ExecutionOutput, error)
}

// Config bounds a run.
type Config struct {
	MaxParallel   int
	MaxRetries    int
	StopOnFailure bool
	BestEffort    bool
}

// Executor drives one graph execution. Create one per run.
type Executor struct {
	planner Planner
	sandbox Sandbox
	bus     *events.Bus
	cfg     Config
}

// New creates an executor.
func New(planner Planner, sandbox Sandbox, bus *events.Bus, cfg Config) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &Executor{planner: planner, sandbox: sandbox, bus: bus, cfg: cfg}
}

// attemptInput is everything a worker needs for one node, prepared by the
// coordinator before dispatch so workers never touch shared state.
type attemptInput struct {
	descriptor      *skills.Descriptor
	query           string
	upstream        []analyzer.UpstreamSummary
	upstreamOutputs map[string][]string          // producer id -> produced output names
	upstreamFiles   map[string]map[string]string // producer id -> output name -> host path
	env             map[string]string
}

// nodeEvent is a worker message: either "started" (the worker acquired an
// execution slot) or the terminal state. The coordinator translates these
// into status changes; workers never write node status themselves.
type nodeEvent struct {
	id      string
	started bool
	state   *NodeState
}

// Execute runs the graph and returns the per-node terminal states. A
// cancelled context returns the partial result together with the context
// error; already terminal nodes keep their state.
func (e *Executor) Execute(ctx context.Context, graph *dag.Graph, candidates []*skills.Descriptor, query string) (*Result, error) {
	byID := make(map[string]*skills.Descriptor, len(candidates))
	for _, d := range candidates {
		byID[d.ID] = d
	}

	res := &Result{
		RunID:  events.RunIDFromContext(ctx),
		Query:  query,
		Levels: graph.Levels(),
		Nodes:  make(map[string]*NodeState, len(graph.Order())),
	}
	for _, id := range graph.Order() {
		res.Nodes[id] = &NodeState{SkillID: id, Status: StatusPending}
	}

	start := time.Now()
	sem := make(chan struct{}, e.cfg.MaxParallel)
	abortCause := ""

	for _, level := range graph.Levels() {
		if ctx.Err() != nil {
			break
		}

		results := make(chan nodeEvent, 2*len(level))
		dispatched := 0

		for _, id := range level {
			if abortCause != "" {
				e.skip(ctx, res.Nodes[id], abortCause)
				continue
			}
			if ancestor, blocked := e.blockedBy(graph, res, id); blocked {
				e.skip(ctx, res.Nodes[id], ancestor)
				continue
			}

			d := byID[id]
			if d == nil {
				res.Nodes[id].Status = StatusFailed
				res.Nodes[id].Err = fmt.Errorf("no descriptor for node %q", id)
				continue
			}

			in := e.prepareInput(graph, res, d, query)
			res.Nodes[id].Status = StatusReady
			e.publish(ctx, events.NodeStatusPayload{SkillID: id, Status: string(StatusReady)})

			dispatched++
			go func(id string, in attemptInput) {
				sem <- struct{}{}
				defer func() { <-sem }()
				results <- nodeEvent{id: id, started: true}
				results <- nodeEvent{id: id, state: e.runNode(ctx, in)}
			}(id, in)
		}

		// A node only becomes running once its worker holds an execution
		// slot, so observed running nodes never exceed MaxParallel.
		for remaining := dispatched; remaining > 0; {
			ev := <-results
			if ev.started {
				res.Nodes[ev.id].Status = StatusRunning
				e.publish(ctx, events.NodeStatusPayload{SkillID: ev.id, Status: string(StatusRunning)})
				continue
			}
			res.Nodes[ev.id] = ev.state
			e.publishCompleted(ctx, ev.state)
			if ev.state.Status == StatusFailed && e.cfg.StopOnFailure && abortCause == "" {
				abortCause = ev.id
			}
			remaining--
		}
	}

	succeeded, failed, skipped := res.Counts()
	res.Success = failed == 0 && skipped == 0 && succeeded == len(res.Nodes)
	res.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// blockedBy reports whether a node must be skipped because of a dependency
// that did not succeed. In best-effort mode a terminal dependency never
// blocks, whatever its outcome.
func (e *Executor) blockedBy(graph *dag.Graph, res *Result, id string) (string, bool) {
	if e.cfg.BestEffort {
		return "", false
	}
	for _, dep := range graph.Dependencies(id) {
		ds := res.Nodes[dep]
		switch ds.Status {
		case StatusFailed:
			return dep, true
		case StatusSkipped:
			// Point at the original failure, not the intermediate skip.
			return ds.FailedAncestor, true
		}
	}
	return "", false
}

func (e *Executor) skip(ctx context.Context, state *NodeState, ancestor string) {
	state.Status = StatusSkipped
	state.FailedAncestor = ancestor
	e.publish(ctx, events.NodeSkippedPayload{SkillID: state.SkillID, FailedAncestor: ancestor})
	e.publishCompleted(ctx, state)
}

// prepareInput collects everything the node can see from its succeeded direct
// dependencies: plan summaries for the next planning call, declared output
// names for input-binding validation, produced files and env summaries.
func (e *Executor) prepareInput(graph *dag.Graph, res *Result, d *skills.Descriptor, query string) attemptInput {
	in := attemptInput{
		descriptor:      d,
		query:           query,
		upstreamOutputs: map[string][]string{},
		upstreamFiles:   map[string]map[string]string{},
		env:             map[string]string{},
	}

	allOutputs := map[string]map[string]string{}
	for _, dep := range graph.Dependencies(d.ID) {
		ds := res.Nodes[dep]
		if ds.Status != StatusSucceeded || ds.Output == nil {
			continue
		}
		out := ds.Output

		names := make([]string, 0, len(out.OutputFiles))
		files := make(map[string]string, len(out.OutputFiles))
		for name, path := range out.OutputFiles {
			names = append(names, name)
			files[name] = path
		}
		in.upstreamOutputs[dep] = names
		in.upstreamFiles[dep] = files
		allOutputs[dep] = files

		in.upstream = append(in.upstream, analyzer.UpstreamSummary{
			SkillID: dep,
			Summary: upstreamSummary(ds),
			Outputs: names,
		})

		pid := envID(dep)
		in.env["UPSTREAM_"+pid+"_EXIT_CODE"] = strconv.Itoa(out.ExitCode)
		in.env["UPSTREAM_"+pid+"_STDOUT"] = truncateEnv(out.Stdout)
		for name, path := range out.OutputFiles {
			in.env["UPSTREAM_"+pid+"_OUTPUT_"+envID(name)] = path
		}
	}

	if len(allOutputs) > 0 {
		if data, err := json.Marshal(allOutputs); err == nil {
			in.env["UPSTREAM_OUTPUTS"] = string(data)
		}
	}
	return in
}

// runNode is one worker: the full plan/hydrate/compile/execute attempt loop
// for a single node, bounded by MaxRetries+1 attempts.
func (e *Executor) runNode(ctx context.Context, in attemptInput) *NodeState {
	state := &NodeState{SkillID: in.descriptor.ID, Status: StatusRunning}
	start := time.Now()
	defer func() { state.Duration = time.Since(start) }()

	maxAttempts := e.cfg.MaxRetries + 1
	var plan *analyzer.ExecutionPlan

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state.Attempts = attempt

		if ctx.Err() != nil {
			return fail(state, KindCancelled, ctx.Err())
		}

		if plan == nil {
			p, err := e.planner.Plan(ctx, in.descriptor, in.query, in.upstream)
			if err != nil {
				switch {
				case errors.Is(err, analyzer.ErrCannotHandle):
					return fail(state, KindCannotHandle, err)
				case ctx.Err() != nil:
					return fail(state, KindCancelled, err)
				}
				// Parse and transport failures replan on the next attempt.
				state.Err, state.ErrorKind = err, KindPlanParse
				if attempt >= maxAttempts {
					state.Status = StatusFailed
					return state
				}
				e.publishRetry(ctx, in.descriptor.ID, attempt+1, state.ErrorKind, "")
				continue
			}
			plan = p
			state.Plan = plan
		}

		hp, err := e.planner.Hydrate(in.descriptor, plan)
		if err != nil {
			return fail(state, KindResourceLoad, err)
		}

		cmds, err := e.planner.Compile(in.descriptor, hp, in.upstreamOutputs)
		if err != nil {
			return fail(state, KindCompile, err)
		}

		out, err := e.sandbox.Execute(ctx, cmds, e.executionInput(in, cmds))
		if out != nil {
			state.Output = out
		}
		if err == nil {
			state.Status = StatusSucceeded
			state.Err, state.ErrorKind = nil, ""
			return state
		}

		var secErr *container.SecurityViolationError
		var timeoutErr *container.ExecutionTimeoutError
		var failure *container.ExecutionFailure
		var loadErr *skills.ResourceLoadError
		switch {
		case errors.As(err, &secErr):
			return fail(state, KindSecurityViolation, err)
		case errors.As(err, &loadErr):
			return fail(state, KindResourceLoad, err)
		case errors.As(err, &timeoutErr):
			state.Err, state.ErrorKind = err, KindTimeout
		case errors.As(err, &failure):
			state.Err, state.ErrorKind = err, KindExecution
		case ctx.Err() != nil:
			return fail(state, KindCancelled, err)
		default:
			state.Err, state.ErrorKind = err, KindExecution
		}

		if attempt >= maxAttempts {
			state.Status = StatusFailed
			return state
		}

		// Self-repair: diagnose the failure and revise the plan for the next
		// attempt. A retry always re-compiles; nothing is patched in place.
		exitCode, stdout, stderr := outputDetail(state.Output)
		rr, rerr := e.planner.Repair(ctx, in.descriptor, plan, exitCode, stdout, stderr)
		switch {
		case rerr != nil:
			slog.Warn("repair failed, replanning from scratch",
				"skill", in.descriptor.ID, "attempt", attempt, "error", rerr)
			plan = nil
		case !rr.Fixable:
			state.Diagnosis = rr.Diagnosis
			state.Status = StatusFailed
			return state
		case rr.Revised == nil:
			state.Diagnosis = rr.Diagnosis
			plan = nil
		default:
			state.Diagnosis = rr.Diagnosis
			plan = rr.Revised
			state.Plan = plan
		}
		e.publishRetry(ctx, in.descriptor.ID, attempt+1, state.ErrorKind, state.Diagnosis)
	}

	state.Status = StatusFailed
	return state
}

// executionInput resolves the compile-time input bindings against the
// upstream output files and merges the upstream env summaries.
func (e *Executor) executionInput(in attemptInput, cmds *analyzer.CompiledCommands) container.ExecutionInput {
	input := container.ExecutionInput{Env: in.env, Files: map[string]string{}}
	for name, binding := range cmds.Inputs {
		producer, output, ok := strings.Cut(binding, "/")
		if !ok {
			continue
		}
		if path, found := in.upstreamFiles[producer][output]; found {
			input.Files[name] = path
		}
	}
	return input
}

func fail(state *NodeState, kind string, err error) *NodeState {
	state.Status = StatusFailed
	state.ErrorKind = kind
	state.Err = err
	return state
}

func outputDetail(out *container.ExecutionOutput) (exitCode int, stdout, stderr string) {
	if out == nil {
		return 0, "", ""
	}
	return out.ExitCode, out.Stdout, out.Stderr
}

// upstreamSummary is the short description of a finished node fed to
// downstream planning calls.
func upstreamSummary(state *NodeState) string {
	if state.Output != nil {
		if s := strings.TrimSpace(state.Output.Stdout); s != "" {
			return truncateEnv(s)
		}
	}
	if state.Plan != nil {
		return state.Plan.Summary
	}
	return ""
}

func truncateEnv(s string) string {
	const max = 4000
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// envID maps a skill id to an env-var-safe fragment.
func envID(id string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (e *Executor) publish(ctx context.Context, payload events.EventPayload) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.NewTypedEventWithRun(events.SourceExecutor, payload, events.RunIDFromContext(ctx)))
}

func (e *Executor) publishRetry(ctx context.Context, skillID string, attempt int, kind, diagnosis string) {
	e.publish(ctx, events.NodeRetryingPayload{
		SkillID:   skillID,
		Attempt:   attempt,
		ErrorKind: kind,
		Diagnosis: diagnosis,
	})
}

func (e *Executor) publishCompleted(ctx context.Context, state *NodeState) {
	exitCode := 0
	if state.Output != nil {
		exitCode = state.Output.ExitCode
	}
	e.publish(ctx, events.NodeCompletedPayload{
		SkillID:   state.SkillID,
		Status:    string(state.Status),
		Attempts:  state.Attempts,
		ExitCode:  exitCode,
		ErrorKind: state.ErrorKind,
		Duration:  state.Duration,
	})
}
