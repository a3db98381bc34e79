// Package analyzer turns a skill bundle and a user query into executable
// commands in two phases: a planning call that selects bundle files without
// reading them, and a compile step that hydrates the selected files and binds
// upstream outputs. A repair call revises a failed plan from sandbox output.
package analyzer

import "fmt"

// CommandType names the execution style of a planned command.
type CommandType string

const (
	CommandPythonScript CommandType = "python_script"
	CommandPythonCode   CommandType = "python_code"
	CommandShell        CommandType = "shell"
	CommandJavaScript   CommandType = "javascript"
)

// PlannedCommand is one command of an execution plan, still referring to
// bundle files by manifest path.
type PlannedCommand struct {
	Type    CommandType       `json:"type"`
	Path    string            `json:"path,omitempty"`    // manifest path of a script
	Code    string            `json:"code,omitempty"`    // inline code
	Command string            `json:"command,omitempty"` // shell command line
	Args    []string          `json:"args,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"` // output name -> path under the node output dir
}

// ExecutionPlan is the result of the planning phase. No bundle file content
// has been read at this point, only manifest paths are referenced.
type ExecutionPlan struct {
	SkillID       string            `json:"skill_id"`
	CanHandle     bool              `json:"can_handle"`
	Summary       string            `json:"plan_summary"`
	RequiredPaths []string          `json:"required_paths,omitempty"`
	Commands      []PlannedCommand  `json:"commands"`
	Inputs        map[string]string `json:"inputs,omitempty"` // input name -> "producer/output"
	Packages      []string          `json:"packages,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
}

// HydratedPlan is a plan whose referenced bundle files have been resolved:
// references and resources are loaded into memory, scripts resolved to
// absolute paths.
type HydratedPlan struct {
	Plan        *ExecutionPlan
	Files       map[string]string // manifest path -> content
	ScriptPaths map[string]string // manifest path -> absolute path
}

// Command is a fully resolved, runnable command.
type Command struct {
	Interpreter string            // "python3", "sh", "node"
	ScriptPath  string            // absolute script path, empty for inline code
	Code        string            // inline code, written to a file at dispatch
	Command     string            // raw shell command line
	Args        []string
	Outputs     map[string]string
}

// CompiledCommands is the executable form of a plan for one node.
type CompiledCommands struct {
	SkillID  string
	Commands []Command
	Inputs   map[string]string // input name -> "producer/output"
	Packages []string
}

// UpstreamSummary gives the planner context about an already-planned or
// already-executed upstream node.
type UpstreamSummary struct {
	SkillID string
	Summary string
	Outputs []string // declared output names
}

// PlanParseError indicates the model response could not be decoded into a
// plan. The executor may retry the node, which replans from scratch.
type PlanParseError struct {
	SkillID string
	Raw     string
	Cause   error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("skill %s: parse plan: %v", e.SkillID, e.Cause)
}

func (e *PlanParseError) Unwrap() error { return e.Cause }

// RepairResult is the model's diagnosis of a failed execution.
type RepairResult struct {
	Diagnosis string         `json:"diagnosis"`
	Fixable   bool           `json:"fixable"`
	Revised   *ExecutionPlan `json:"revised,omitempty"`
}
