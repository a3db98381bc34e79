// Package container runs compiled skill commands inside an isolated
// workspace, behind a static security scan that is independent of the
// execution backend.
package container

import (
	"context"
	"time"
)

// Limits bounds a single node execution.
type Limits struct {
	Timeout  time.Duration
	MemoryMB int
}

// ExecutionInput carries everything a node receives from the outside:
// upstream output files and environment variables.
type ExecutionInput struct {
	// Files maps an input name to a host path; each file is staged into the
	// node's inputs directory before the first command runs.
	Files map[string]string
	Env   map[string]string
}

// ExecutionOutput is the merged result of all commands of one node.
type ExecutionOutput struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	OutputFiles map[string]string // declared output name -> host path
	Duration    time.Duration
}

// RunSpec describes one process for a backend. Paths always live under the
// workspace root so every backend can reach them.
type RunSpec struct {
	Interpreter string // "python3", "sh", "node"
	ScriptPath  string // host path of the script, empty for raw commands
	Command     string // raw shell command line, used when ScriptPath is empty
	Args        []string
	Dir         string // host working directory
	Env         map[string]string
	Limits      Limits
}

// Backend executes a single prepared process.
type Backend interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (*ExecutionOutput, error)
}
