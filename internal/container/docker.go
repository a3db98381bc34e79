package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sandboxMount = "/sandbox"

// DockerBackend runs commands in a throwaway container with the workspace
// mounted at /sandbox and the network disabled. It shells out to the docker
// CLI the same way a developer would.
type DockerBackend struct {
	Image     string
	MountRoot string // host workspace root mapped to /sandbox
}

// NewDockerBackend creates a docker backend for a workspace.
func NewDockerBackend(image, mountRoot string) *DockerBackend {
	return &DockerBackend{Image: image, MountRoot: mountRoot}
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Run(ctx context.Context, spec RunSpec) (*ExecutionOutput, error) {
	if spec.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Limits.Timeout)
		defer cancel()
	}

	workdir, err := b.containerPath(spec.Dir)
	if err != nil {
		return nil, err
	}

	args := []string{
		"run", "--rm",
		"--network", "none",
		"-v", b.MountRoot + ":" + sandboxMount,
		"-w", workdir,
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB))
	}

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	line := spec.Command
	if line == "" {
		script, err := b.containerPath(spec.ScriptPath)
		if err != nil {
			return nil, err
		}
		parts := []string{spec.Interpreter, shellQuote(script)}
		for _, arg := range spec.Args {
			parts = append(parts, shellQuote(arg))
		}
		line = strings.Join(parts, " ")
	}
	args = append(args, b.Image, "sh", "-c", line)

	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	out := &ExecutionOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, context.DeadlineExceeded
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("docker exec: %w", runErr)
	}
	return out, nil
}

// containerPath maps a host path under the mount root to its /sandbox path.
func (b *DockerBackend) containerPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(b.MountRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the workspace", hostPath)
	}
	return filepath.ToSlash(filepath.Join(sandboxMount, rel)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
