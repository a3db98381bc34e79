package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN EVENTS
// =============================================================================

type RunStartedPayload struct {
	Query  string   `json:"query"`
	Skills []string `json:"skills"`
}

func (RunStartedPayload) EventType() EventType { return EventRunStarted }

type RunCompletedPayload struct {
	Success   bool          `json:"success"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

func (RunCompletedPayload) EventType() EventType { return EventRunCompleted }

type GraphBuiltPayload struct {
	Levels [][]string          `json:"levels"`
	Edges  map[string][]string `json:"edges,omitempty"`
}

func (GraphBuiltPayload) EventType() EventType { return EventGraphBuilt }

// =============================================================================
// NODE EVENTS
// =============================================================================

type NodeStatusPayload struct {
	SkillID string `json:"skill_id"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
}

func (NodeStatusPayload) EventType() EventType { return EventNodeStatus }

type NodeRetryingPayload struct {
	SkillID   string `json:"skill_id"`
	Attempt   int    `json:"attempt"`
	ErrorKind string `json:"error_kind"`
	Diagnosis string `json:"diagnosis,omitempty"`
}

func (NodeRetryingPayload) EventType() EventType { return EventNodeRetrying }

type NodeSkippedPayload struct {
	SkillID        string `json:"skill_id"`
	FailedAncestor string `json:"failed_ancestor"`
}

func (NodeSkippedPayload) EventType() EventType { return EventNodeSkipped }

type NodeCompletedPayload struct {
	SkillID   string        `json:"skill_id"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	ExitCode  int           `json:"exit_code"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (NodeCompletedPayload) EventType() EventType { return EventNodeCompleted }

// =============================================================================
// ANALYZER EVENTS
// =============================================================================

type PlanCreatedPayload struct {
	SkillID  string   `json:"skill_id"`
	Summary  string   `json:"summary"`
	Paths    []string `json:"paths,omitempty"`
	Commands int      `json:"commands"`
}

func (PlanCreatedPayload) EventType() EventType { return EventPlanCreated }

type PlanRepairedPayload struct {
	SkillID   string `json:"skill_id"`
	Attempt   int    `json:"attempt"`
	Diagnosis string `json:"diagnosis"`
}

func (PlanRepairedPayload) EventType() EventType { return EventPlanRepaired }

// =============================================================================
// SANDBOX EVENTS
// =============================================================================

type ExecStartedPayload struct {
	SkillID string `json:"skill_id"`
	Backend string `json:"backend"`
	Command string `json:"command"`
}

func (ExecStartedPayload) EventType() EventType { return EventExecStarted }

type ExecCompletedPayload struct {
	SkillID  string        `json:"skill_id"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (ExecCompletedPayload) EventType() EventType { return EventExecCompleted }

type SecurityViolationPayload struct {
	SkillID string `json:"skill_id"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
	Command string `json:"command"`
}

func (SecurityViolationPayload) EventType() EventType { return EventSecurityViolation }

// =============================================================================
// INTERNAL EVENTS
// =============================================================================

type LLMCallPayload struct {
	Phase        string        `json:"phase"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider,omitempty"`
	MessageCount int           `json:"message_count,omitempty"`
	TokensInput  int           `json:"tokens_input,omitempty"`
	TokensOutput int           `json:"tokens_output,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithRun(source EventSource, payload EventPayload, runID string) Event {
	return Event{
		ID:        generateEventID(),
		RunID:     runID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetRunCompletedPayload(e Event) (RunCompletedPayload, bool) {
	return ExtractPayload[RunCompletedPayload](e)
}

func GetNodeCompletedPayload(e Event) (NodeCompletedPayload, bool) {
	return ExtractPayload[NodeCompletedPayload](e)
}

func GetSecurityViolationPayload(e Event) (SecurityViolationPayload, bool) {
	return ExtractPayload[SecurityViolationPayload](e)
}

func GetLLMCallPayload(e Event) (LLMCallPayload, bool) {
	return ExtractPayload[LLMCallPayload](e)
}
