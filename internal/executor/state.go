package executor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dohr-michael/maestro/internal/analyzer"
	"github.com/dohr-michael/maestro/internal/container"
)

// Status is the lifecycle state of one node. A node is ready once the
// coordinator dispatches it and running only once its worker holds an
// execution slot. Terminal states are succeeded, failed and skipped; failed
// goes back to running only through the retry loop.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Error kinds reported in NodeState and events.
const (
	KindPlanParse         = "plan_parse"
	KindCannotHandle      = "cannot_handle"
	KindResourceLoad      = "resource_load"
	KindCompile           = "compile"
	KindSecurityViolation = "security_violation"
	KindTimeout           = "timeout"
	KindExecution         = "execution"
	KindCancelled         = "cancelled"
)

// NodeState is the terminal record of one node's run.
type NodeState struct {
	SkillID        string
	Status         Status
	Attempts       int
	Plan           *analyzer.ExecutionPlan
	Output         *container.ExecutionOutput
	Err            error
	ErrorKind      string
	Diagnosis      string // last repair diagnosis, when one was made
	FailedAncestor string // set when skipped
	Duration       time.Duration
}

// Result is the only artifact a run returns: the execution order as levels,
// every node's terminal state and the overall success flag.
type Result struct {
	RunID    string
	Query    string
	Levels   [][]string
	Nodes    map[string]*NodeState
	Success  bool
	Duration time.Duration
}

// Counts returns the number of succeeded, failed and skipped nodes.
func (r *Result) Counts() (succeeded, failed, skipped int) {
	for _, n := range r.Nodes {
		switch n.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// Markdown renders the result as a human-readable execution report.
func (r *Result) Markdown() string {
	var sb strings.Builder

	succeeded, failed, skipped := r.Counts()
	status := "success"
	if !r.Success {
		status = "failure"
	}

	sb.WriteString("# Execution Report\n\n")
	if r.Query != "" {
		sb.WriteString(fmt.Sprintf("**Query:** %s\n\n", r.Query))
	}
	sb.WriteString(fmt.Sprintf("**Status:** %s — %d succeeded, %d failed, %d skipped (%s)\n\n",
		status, succeeded, failed, skipped, r.Duration.Round(time.Millisecond)))

	sb.WriteString("## Execution order\n\n")
	for i, level := range r.Levels {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, strings.Join(level, ", ")))
	}
	sb.WriteString("\n## Nodes\n\n")

	for _, level := range r.Levels {
		for _, id := range level {
			n := r.Nodes[id]
			if n == nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("### %s — %s\n\n", id, n.Status))
			switch n.Status {
			case StatusSucceeded:
				sb.WriteString(fmt.Sprintf("- attempts: %d, duration: %s\n", n.Attempts, n.Duration.Round(time.Millisecond)))
				if n.Output != nil && len(n.Output.OutputFiles) > 0 {
					names := make([]string, 0, len(n.Output.OutputFiles))
					for name := range n.Output.OutputFiles {
						names = append(names, name)
					}
					sort.Strings(names)
					sb.WriteString(fmt.Sprintf("- outputs: %s\n", strings.Join(names, ", ")))
				}
				if n.Output != nil && strings.TrimSpace(n.Output.Stdout) != "" {
					sb.WriteString(fmt.Sprintf("\n```\n%s\n```\n", strings.TrimSpace(truncateReport(n.Output.Stdout))))
				}
			case StatusFailed:
				sb.WriteString(fmt.Sprintf("- attempts: %d, error: %s\n", n.Attempts, n.ErrorKind))
				if n.Err != nil {
					sb.WriteString(fmt.Sprintf("- %s\n", n.Err.Error()))
				}
				if n.Diagnosis != "" {
					sb.WriteString(fmt.Sprintf("- diagnosis: %s\n", n.Diagnosis))
				}
				if n.Output != nil && strings.TrimSpace(n.Output.Stderr) != "" {
					sb.WriteString(fmt.Sprintf("\n```\n%s\n```\n", strings.TrimSpace(truncateReport(n.Output.Stderr))))
				}
			case StatusSkipped:
				sb.WriteString(fmt.Sprintf("- skipped: ancestor %s failed\n", n.FailedAncestor))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func truncateReport(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
