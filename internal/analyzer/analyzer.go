package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/maestro/internal/events"
	"github.com/dohr-michael/maestro/internal/skills"
)

// ErrCannotHandle is returned when the planner decides a skill cannot serve
// its part of the query.
var ErrCannotHandle = fmt.Errorf("skill cannot handle query")

// Analyzer plans, hydrates, compiles and repairs skill executions.
type Analyzer struct {
	model model.ToolCallingChatModel
	store *skills.Store
	bus   *events.Bus
}

// New creates an analyzer. The bus may be nil.
func New(m model.ToolCallingChatModel, store *skills.Store, bus *events.Bus) *Analyzer {
	return &Analyzer{model: m, store: store, bus: bus}
}

// Plan asks the model for an execution plan. Only the descriptor and manifest
// are sent; no bundle file content is read during this phase.
func (a *Analyzer) Plan(ctx context.Context, d *skills.Descriptor, query string, upstream []UpstreamSummary) (*ExecutionPlan, error) {
	messages := []*schema.Message{
		schema.SystemMessage(planSystemPrompt),
		schema.UserMessage(buildPlanPrompt(d, query, upstream)),
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("skill %s: plan: %w", d.ID, err)
	}

	plan, err := parsePlan(d.ID, resp.Content)
	if err != nil {
		return nil, err
	}
	if !plan.CanHandle {
		return nil, fmt.Errorf("skill %s: %w", d.ID, ErrCannotHandle)
	}
	if err := validatePlan(d, plan); err != nil {
		return nil, &PlanParseError{SkillID: d.ID, Raw: resp.Content, Cause: err}
	}

	slog.Debug("plan created", "skill", d.ID, "commands", len(plan.Commands), "paths", len(plan.RequiredPaths))
	a.publish(ctx, events.PlanCreatedPayload{
		SkillID:  d.ID,
		Summary:  plan.Summary,
		Paths:    plan.RequiredPaths,
		Commands: len(plan.Commands),
	})

	return plan, nil
}

// Hydrate loads the plan's referenced bundle files: references and resources
// into memory, scripts to absolute paths.
func (a *Analyzer) Hydrate(d *skills.Descriptor, plan *ExecutionPlan) (*HydratedPlan, error) {
	hp := &HydratedPlan{
		Plan:        plan,
		Files:       make(map[string]string),
		ScriptPaths: make(map[string]string),
	}

	for _, rel := range plan.RequiredPaths {
		content, err := a.store.Read(d, rel)
		if err != nil {
			return nil, err
		}
		hp.Files[rel] = content
	}

	for _, cmd := range plan.Commands {
		if cmd.Path == "" {
			continue
		}
		abs, err := a.store.AbsPath(d, cmd.Path)
		if err != nil {
			return nil, err
		}
		hp.ScriptPaths[cmd.Path] = abs
	}

	return hp, nil
}

// Compile turns a hydrated plan into runnable commands and validates the
// plan's input bindings against the declared outputs of upstream nodes.
func (a *Analyzer) Compile(d *skills.Descriptor, hp *HydratedPlan, upstreamOutputs map[string][]string) (*CompiledCommands, error) {
	plan := hp.Plan

	for name, binding := range plan.Inputs {
		producer, output, ok := strings.Cut(binding, "/")
		if !ok {
			return nil, fmt.Errorf("skill %s: input %q: malformed binding %q", d.ID, name, binding)
		}
		outputs, ok := upstreamOutputs[producer]
		if !ok {
			return nil, fmt.Errorf("skill %s: input %q: unknown producer %q", d.ID, name, producer)
		}
		found := false
		for _, o := range outputs {
			if o == output {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("skill %s: input %q: producer %q declares no output %q", d.ID, name, producer, output)
		}
	}

	cc := &CompiledCommands{
		SkillID:  d.ID,
		Inputs:   plan.Inputs,
		Packages: plan.Packages,
	}

	for i, pc := range plan.Commands {
		cmd, err := compileCommand(d, hp, pc)
		if err != nil {
			return nil, fmt.Errorf("skill %s: command %d: %w", d.ID, i+1, err)
		}
		cc.Commands = append(cc.Commands, cmd)
	}

	return cc, nil
}

// Repair asks the model to diagnose a failed execution and revise the plan.
func (a *Analyzer) Repair(ctx context.Context, d *skills.Descriptor, plan *ExecutionPlan, exitCode int, stdout, stderr string) (*RepairResult, error) {
	messages := []*schema.Message{
		schema.SystemMessage(repairSystemPrompt),
		schema.UserMessage(buildRepairPrompt(d, plan, exitCode, stdout, stderr)),
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("skill %s: repair: %w", d.ID, err)
	}

	result, err := parseRepair(d.ID, resp.Content)
	if err != nil {
		return nil, err
	}
	if result.Revised != nil {
		result.Revised.SkillID = d.ID
		result.Revised.CanHandle = true
		if err := validatePlan(d, result.Revised); err != nil {
			return nil, &PlanParseError{SkillID: d.ID, Raw: resp.Content, Cause: err}
		}
	}

	a.publish(ctx, events.PlanRepairedPayload{SkillID: d.ID, Diagnosis: result.Diagnosis})

	return result, nil
}

func (a *Analyzer) publish(ctx context.Context, payload events.EventPayload) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.NewTypedEventWithRun(events.SourceAnalyzer, payload, events.RunIDFromContext(ctx)))
}

// compileCommand resolves one planned command to its interpreter.
func compileCommand(d *skills.Descriptor, hp *HydratedPlan, pc PlannedCommand) (Command, error) {
	cmd := Command{Args: pc.Args, Outputs: pc.Outputs}

	switch pc.Type {
	case CommandPythonScript, CommandJavaScript:
		abs, ok := hp.ScriptPaths[pc.Path]
		if !ok {
			return cmd, fmt.Errorf("script %q not hydrated", pc.Path)
		}
		cmd.ScriptPath = abs
		cmd.Interpreter = interpreterForScript(pc.Path)
	case CommandPythonCode:
		if pc.Code == "" {
			return cmd, fmt.Errorf("inline command has no code")
		}
		cmd.Code = pc.Code
		cmd.Interpreter = "python3"
	case CommandShell:
		switch {
		case pc.Command != "":
			cmd.Command = pc.Command
		case pc.Path != "":
			abs, ok := hp.ScriptPaths[pc.Path]
			if !ok {
				return cmd, fmt.Errorf("script %q not hydrated", pc.Path)
			}
			cmd.ScriptPath = abs
		default:
			return cmd, fmt.Errorf("shell command is empty")
		}
		cmd.Interpreter = "sh"
	default:
		return cmd, fmt.Errorf("unknown command type %q", pc.Type)
	}

	return cmd, nil
}

func interpreterForScript(rel string) string {
	switch path.Ext(rel) {
	case ".py":
		return "python3"
	case ".js":
		return "node"
	case ".sh":
		return "sh"
	default:
		return "sh"
	}
}

// validatePlan checks that every referenced path exists in the manifest and
// every command is well formed.
func validatePlan(d *skills.Descriptor, plan *ExecutionPlan) error {
	for _, rel := range plan.RequiredPaths {
		if !d.HasPath(rel) {
			return fmt.Errorf("required path %q not in manifest", rel)
		}
	}
	if len(plan.Commands) == 0 {
		return fmt.Errorf("plan has no commands")
	}
	for i, cmd := range plan.Commands {
		if cmd.Path != "" && !d.HasPath(cmd.Path) {
			return fmt.Errorf("command %d: script %q not in manifest", i+1, cmd.Path)
		}
		if cmd.Path == "" && cmd.Code == "" && cmd.Command == "" {
			return fmt.Errorf("command %d: no path, code or command", i+1)
		}
	}
	return nil
}

// parsePlan decodes a model response into an ExecutionPlan.
func parsePlan(skillID, raw string) (*ExecutionPlan, error) {
	payload := extractJSON(raw)

	var plan ExecutionPlan
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, &PlanParseError{SkillID: skillID, Raw: raw, Cause: err}
	}
	plan.SkillID = skillID
	return &plan, nil
}

// parseRepair decodes a model response into a RepairResult.
func parseRepair(skillID, raw string) (*RepairResult, error) {
	payload := extractJSON(raw)

	var result RepairResult
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return nil, &PlanParseError{SkillID: skillID, Raw: raw, Cause: err}
	}
	return &result, nil
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, keeping the outermost JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}
