package container

import (
	"fmt"
	"time"
)

// SecurityViolationError is returned when the static scan blocks a command.
// Nothing reaches a backend once a violation is found, and the node is never
// retried.
type SecurityViolationError struct {
	SkillID string
	Reason  string
	Pattern string
	Command string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("skill %s: blocked command (%s): %s", e.SkillID, e.Reason, e.Command)
}

// ExecutionTimeoutError is returned when a node exceeds its wall-clock limit.
// The node may be retried.
type ExecutionTimeoutError struct {
	SkillID string
	Timeout time.Duration
	Output  *ExecutionOutput
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("skill %s: execution exceeded %s", e.SkillID, e.Timeout)
}

// ExecutionFailure is returned when a command exits nonzero or a declared
// output file is missing. The node may be retried.
type ExecutionFailure struct {
	SkillID  string
	ExitCode int
	Reason   string
	Output   *ExecutionOutput
}

func (e *ExecutionFailure) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("skill %s: %s (exit %d)", e.SkillID, e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("skill %s: command exited %d", e.SkillID, e.ExitCode)
}
