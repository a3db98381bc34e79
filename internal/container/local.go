package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LocalBackend runs commands as child processes of the current process,
// inside the node's workspace directory. The memory ceiling is applied with
// ulimit -v in the wrapping shell.
type LocalBackend struct{}

// NewLocalBackend creates a local process backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Run(ctx context.Context, spec RunSpec) (*ExecutionOutput, error) {
	if spec.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Limits.Timeout)
		defer cancel()
	}

	line := buildCommandLine(spec)
	if spec.Limits.MemoryMB > 0 {
		line = fmt.Sprintf("ulimit -v %d; %s", spec.Limits.MemoryMB*1024, line)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &ExecutionOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, context.DeadlineExceeded
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("local exec: %w", err)
	}
	return out, nil
}

// buildCommandLine renders a RunSpec as a single sh -c line.
func buildCommandLine(spec RunSpec) string {
	if spec.Command != "" {
		return spec.Command
	}

	parts := []string{spec.Interpreter, shellQuote(spec.ScriptPath)}
	for _, arg := range spec.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// mergeEnv returns a copy of base with extra key=value pairs appended.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, len(base), len(base)+len(extra))
	copy(env, base)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// shellQuote single-quotes a string for sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?[]~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
