package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dohr-michael/maestro/internal/analyzer"
	"github.com/dohr-michael/maestro/internal/events"
)

// Container executes the compiled commands of one node. Every command passes
// the static scan before the first backend invocation; a violation means the
// backend is never called at all.
type Container struct {
	backend Backend
	ws      *Workspace
	scanner *Scanner
	limits  Limits
	bus     *events.Bus
}

// New creates a container around a backend. The bus may be nil.
func New(backend Backend, ws *Workspace, limits Limits, bus *events.Bus) *Container {
	return &Container{
		backend: backend,
		ws:      ws,
		scanner: NewScanner(),
		limits:  limits,
		bus:     bus,
	}
}

// Workspace returns the run workspace.
func (c *Container) Workspace() *Workspace {
	return c.ws
}

// Execute runs all commands of a node in order, stopping at the first
// failure. The returned output merges every command's streams.
func (c *Container) Execute(ctx context.Context, cmds *analyzer.CompiledCommands, input ExecutionInput) (*ExecutionOutput, error) {
	// Scan everything up front so a violation in command N blocks the whole
	// node before command 1 runs.
	for _, cmd := range cmds.Commands {
		if err := c.scan(ctx, cmds.SkillID, cmd); err != nil {
			return nil, err
		}
	}

	nodeDir, err := c.ws.NodeDir(cmds.SkillID)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"MAESTRO_SKILL_ID":   cmds.SkillID,
		"MAESTRO_OUTPUT_DIR": c.ws.OutputsDir(cmds.SkillID),
	}
	for k, v := range input.Env {
		env[k] = v
	}
	for name, src := range input.Files {
		staged, err := StageFile(src, c.ws.InputsDir(cmds.SkillID))
		if err != nil {
			return nil, err
		}
		env["MAESTRO_INPUT_"+envName(name)] = staged
	}

	timeout := c.limits.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	merged := &ExecutionOutput{OutputFiles: map[string]string{}}
	start := time.Now()

	for i, cmd := range cmds.Commands {
		spec, err := c.prepare(cmds.SkillID, nodeDir, i, cmd, env)
		if err != nil {
			return nil, err
		}

		c.publish(ctx, events.ExecStartedPayload{
			SkillID: cmds.SkillID,
			Backend: c.backend.Name(),
			Command: describeSpec(spec),
		})

		out, runErr := c.backend.Run(ctx, spec)
		if out != nil {
			appendOutput(merged, out)
		}
		merged.Duration = time.Since(start)

		if runErr != nil {
			if errors.Is(runErr, context.DeadlineExceeded) {
				timeoutErr := &ExecutionTimeoutError{SkillID: cmds.SkillID, Timeout: timeout, Output: merged}
				c.publishCompleted(ctx, cmds.SkillID, merged, timeoutErr.Error())
				return merged, timeoutErr
			}
			c.publishCompleted(ctx, cmds.SkillID, merged, runErr.Error())
			return merged, fmt.Errorf("skill %s: %w", cmds.SkillID, runErr)
		}

		if out.ExitCode != 0 {
			merged.ExitCode = out.ExitCode
			failure := &ExecutionFailure{SkillID: cmds.SkillID, ExitCode: out.ExitCode, Output: merged}
			c.publishCompleted(ctx, cmds.SkillID, merged, failure.Error())
			return merged, failure
		}

		// Harvest this command's declared outputs.
		for name, rel := range cmd.Outputs {
			path := filepath.Join(c.ws.OutputsDir(cmds.SkillID), filepath.FromSlash(rel))
			if _, err := os.Stat(path); err != nil {
				failure := &ExecutionFailure{
					SkillID: cmds.SkillID,
					Reason:  fmt.Sprintf("declared output %q (%s) was not produced", name, rel),
					Output:  merged,
				}
				c.publishCompleted(ctx, cmds.SkillID, merged, failure.Error())
				return merged, failure
			}
			merged.OutputFiles[name] = path
		}
	}

	c.publishCompleted(ctx, cmds.SkillID, merged, "")
	return merged, nil
}

// scan applies the static security check to one command. Bundle scripts are
// untrusted input like everything else: their bodies are read and scanned
// here, before any staging happens.
func (c *Container) scan(ctx context.Context, skillID string, cmd analyzer.Command) error {
	var v *Violation
	switch {
	case cmd.Command != "":
		v = c.scanner.ScanShell(cmd.Command)
	case cmd.Code != "":
		v = c.scanner.ScanCode(cmd.Code)
	case cmd.ScriptPath != "":
		body, err := os.ReadFile(cmd.ScriptPath)
		if err != nil {
			return fmt.Errorf("skill %s: read script %s: %w", skillID, cmd.ScriptPath, err)
		}
		if isShell(cmd.Interpreter) || strings.HasSuffix(cmd.ScriptPath, ".sh") {
			v = c.scanner.ScanShell(string(body))
		} else {
			v = c.scanner.ScanCode(string(body))
		}
	}
	if v == nil {
		return nil
	}

	slog.Warn("blocked command", "skill", skillID, "reason", v.Reason)
	c.publish(ctx, events.SecurityViolationPayload{
		SkillID: skillID,
		Pattern: v.Pattern,
		Reason:  v.Reason,
		Command: v.Command,
	})
	return &SecurityViolationError{
		SkillID: skillID,
		Reason:  v.Reason,
		Pattern: v.Pattern,
		Command: v.Command,
	}
}

// prepare stages scripts and inline code into the node directory and builds
// the backend spec. Everything a backend touches lives under the workspace.
func (c *Container) prepare(skillID, nodeDir string, idx int, cmd analyzer.Command, env map[string]string) (RunSpec, error) {
	spec := RunSpec{
		Interpreter: cmd.Interpreter,
		Command:     cmd.Command,
		Args:        cmd.Args,
		Dir:         c.ws.OutputsDir(skillID),
		Env:         env,
		Limits:      Limits{MemoryMB: c.limits.MemoryMB},
	}

	switch {
	case cmd.Code != "":
		path := filepath.Join(c.ws.ScriptsDir(skillID), fmt.Sprintf("inline_%d%s", idx+1, extensionFor(cmd.Interpreter)))
		if err := os.WriteFile(path, []byte(cmd.Code), 0o755); err != nil {
			return spec, fmt.Errorf("write inline code: %w", err)
		}
		spec.ScriptPath = path
	case cmd.ScriptPath != "":
		staged, err := StageFile(cmd.ScriptPath, c.ws.ScriptsDir(skillID))
		if err != nil {
			return spec, err
		}
		spec.ScriptPath = staged
	}

	return spec, nil
}

func (c *Container) publish(ctx context.Context, payload events.EventPayload) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewTypedEventWithRun(events.SourceContainer, payload, events.RunIDFromContext(ctx)))
}

func (c *Container) publishCompleted(ctx context.Context, skillID string, out *ExecutionOutput, errMsg string) {
	c.publish(ctx, events.ExecCompletedPayload{
		SkillID:  skillID,
		ExitCode: out.ExitCode,
		Duration: out.Duration,
		Error:    errMsg,
	})
}

func appendOutput(merged, out *ExecutionOutput) {
	if out.Stdout != "" {
		if merged.Stdout != "" {
			merged.Stdout += "\n"
		}
		merged.Stdout += out.Stdout
	}
	if out.Stderr != "" {
		if merged.Stderr != "" {
			merged.Stderr += "\n"
		}
		merged.Stderr += out.Stderr
	}
}

func describeSpec(spec RunSpec) string {
	if spec.Command != "" {
		return spec.Command
	}
	return strings.TrimSpace(spec.Interpreter + " " + filepath.Base(spec.ScriptPath) + " " + strings.Join(spec.Args, " "))
}

func extensionFor(interpreter string) string {
	switch interpreter {
	case "python3":
		return ".py"
	case "node":
		return ".js"
	default:
		return ".sh"
	}
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
