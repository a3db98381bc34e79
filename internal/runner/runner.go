// Package runner owns the lifetime of one query execution: candidate
// selection, graph construction, workspace setup and the executor run. A Run
// value is created per query and discarded after the result returns, so
// concurrent runs share no mutable graph state.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"

	"github.com/dohr-michael/maestro/internal/analyzer"
	"github.com/dohr-michael/maestro/internal/config"
	"github.com/dohr-michael/maestro/internal/container"
	"github.com/dohr-michael/maestro/internal/dag"
	"github.com/dohr-michael/maestro/internal/events"
	"github.com/dohr-michael/maestro/internal/executor"
	"github.com/dohr-michael/maestro/internal/skills"
	"github.com/dohr-michael/maestro/internal/storage"
)

// planner-tagged providers are preferred for plan and repair calls.
const plannerTag = "planner"

// ModelResolver resolves chat models by name or tag. Satisfied by
// models.Registry.
type ModelResolver interface {
	Get(ctx context.Context, name string) (model.ToolCallingChatModel, error)
	ByTag(ctx context.Context, tag string) (model.ToolCallingChatModel, error)
}

// Options tune a single run.
type Options struct {
	SkillIDs []string // explicit candidate ids; empty selects every registered skill
	Model    string   // provider name override
}

// Runner executes queries over the registered skills.
type Runner struct {
	cfg      *config.Config
	registry *skills.Registry
	models   ModelResolver
	bus      *events.Bus
	history  *storage.RunStore // nil disables persistence
}

// New creates a runner.
func New(cfg *config.Config, registry *skills.Registry, resolver ModelResolver, bus *events.Bus, history *storage.RunStore) *Runner {
	return &Runner{
		cfg:      cfg,
		registry: registry,
		models:   resolver,
		bus:      bus,
		history:  history,
	}
}

// Run executes one query and returns the run result.
func (r *Runner) Run(ctx context.Context, query string, opts Options) (*executor.Result, error) {
	runID := uuid.New().String()
	ctx = events.ContextWithRunID(ctx, runID)

	candidates, err := r.candidates(opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	slog.Info("run started", "run", runID, "skills", len(candidates))
	r.publish(ctx, events.RunStartedPayload{Query: query, Skills: ids})

	chatModel, err := r.resolveModel(ctx, opts.Model)
	if err != nil {
		return nil, err
	}

	graph, err := r.buildGraph(ctx, chatModel, query, candidates)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.GraphBuiltPayload{Levels: graph.Levels(), Edges: graph.Edges()})

	if timeout := r.cfg.Runner.Timeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sandbox, err := r.newContainer(runID)
	if err != nil {
		return nil, err
	}

	exec := executor.New(
		analyzer.New(chatModel, skills.NewStore(), r.bus),
		sandbox,
		r.bus,
		executor.Config{
			MaxParallel:   r.cfg.Runner.MaxParallel,
			MaxRetries:    r.cfg.Runner.MaxRetries,
			StopOnFailure: r.cfg.Runner.StopOnFailure,
			BestEffort:    r.cfg.Runner.BestEffort,
		},
	)

	res, runErr := exec.Execute(ctx, graph, candidates, query)
	if res != nil {
		r.finish(ctx, res)
	}
	return res, runErr
}

func (r *Runner) candidates(opts Options) ([]*skills.Descriptor, error) {
	if len(opts.SkillIDs) > 0 {
		return r.registry.Select(opts.SkillIDs)
	}
	all := r.registry.All()
	if len(all) == 0 {
		return nil, fmt.Errorf("no skills registered")
	}
	return all, nil
}

func (r *Runner) resolveModel(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	if name != "" {
		return r.models.Get(ctx, name)
	}
	return r.models.ByTag(ctx, plannerTag)
}

// buildGraph combines declared requires with model-inferred edges. An
// inference failure falls back to declared dependencies only: a worse graph
// is still a valid graph, a failed run is not.
func (r *Runner) buildGraph(ctx context.Context, m model.ToolCallingChatModel, query string, candidates []*skills.Descriptor) (*dag.Graph, error) {
	var inferred map[string][]string
	if m != nil {
		edges, err := dag.NewInferrer(m).InferEdges(ctx, query, candidates)
		if err != nil {
			slog.Warn("edge inference failed, using declared requires only", "error", err)
		} else {
			inferred = edges
		}
	}
	return dag.Build(candidates, inferred)
}

func (r *Runner) newContainer(runID string) (*container.Container, error) {
	ws, err := container.NewWorkspace(filepath.Join(r.cfg.Storage.RunsDir, runID, "workspace"))
	if err != nil {
		return nil, err
	}

	var backend container.Backend
	switch r.cfg.Container.Backend {
	case "docker":
		backend = container.NewDockerBackend(r.cfg.Container.Image, ws.Root)
	default:
		backend = container.NewLocalBackend()
	}

	limits := container.Limits{
		Timeout:  r.cfg.Container.Timeout.Duration(),
		MemoryMB: r.cfg.Container.MemoryMB,
	}
	return container.New(backend, ws, limits, r.bus), nil
}

func (r *Runner) finish(ctx context.Context, res *executor.Result) {
	succeeded, failed, skipped := res.Counts()
	r.publish(ctx, events.RunCompletedPayload{
		Success:   res.Success,
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
		Duration:  res.Duration,
	})
	slog.Info("run completed", "run", res.RunID,
		"success", res.Success, "succeeded", succeeded, "failed", failed, "skipped", skipped)

	if r.history != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.history.SaveResult(saveCtx, res); err != nil {
			slog.Error("persist run", "run", res.RunID, "error", err)
		}
	}
}

func (r *Runner) publish(ctx context.Context, payload events.EventPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTypedEventWithRun(events.SourceRunner, payload, events.RunIDFromContext(ctx)))
}
