package schema

import "encoding/json"

// Event tags delivered on the draft-run stream, from outermost to innermost:
// workflow -> node -> iteration/loop -> token text.
const (
	EventWorkflowStarted  = "workflow_started"
	EventWorkflowFinished = "workflow_finished"

	EventNodeStarted  = "node_started"
	EventNodeFinished = "node_finished"
	EventNodeRetry    = "node_retry"

	EventIterationStarted  = "iteration_started"
	EventIterationNext     = "iteration_next"
	EventIterationFinished = "iteration_finished"

	EventLoopStarted  = "loop_started"
	EventLoopNext     = "loop_next"
	EventLoopFinished = "loop_finished"

	EventAgentLog    = "agent_log"
	EventTextChunk   = "text_chunk"
	EventTextReplace = "text_replace"
	EventError       = "error"
)

// EventEnvelope is one decoded stream event. Data keeps the raw payload so
// unknown tags pass through the router unmodified.
type EventEnvelope struct {
	Event         string          `json:"event"`
	TaskID        string          `json:"task_id,omitempty"`
	WorkflowRunID string          `json:"workflow_run_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// RunStatus is the lifecycle state of a run projection.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusPartial   RunStatus = "partial-succeeded"
)

// Terminal reports whether s admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusStopped, RunStatusPartial:
		return true
	}
	return false
}

// NodeRunStatus is the transient per-node marker driven by node_* events and
// consumed by the canvas renderer. Stored under RunningStatusKey in node data.
type NodeRunStatus string

const (
	NodeRunStatusRunning   NodeRunStatus = "running"
	NodeRunStatusSucceeded NodeRunStatus = "succeeded"
	NodeRunStatusFailed    NodeRunStatus = "failed"
	NodeRunStatusRetry     NodeRunStatus = "retry"
)

// WorkflowStartedData is the payload of workflow_started.
type WorkflowStartedData struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	InputsTruncated bool           `json:"inputs_truncated,omitempty"`
	CreatedAt       int64          `json:"created_at"`
}

// WorkflowFinishedData is the payload of workflow_finished. Status carries
// the terminal RunStatus decided by the engine.
type WorkflowFinishedData struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	Status           RunStatus      `json:"status"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	OutputsTruncated bool           `json:"outputs_truncated,omitempty"`
	Error            string         `json:"error,omitempty"`
	ElapsedTime      float64        `json:"elapsed_time,omitempty"`
	TotalTokens      int64          `json:"total_tokens,omitempty"`
	FinishedAt       int64          `json:"finished_at"`
}

// NodeStartedData is the payload of node_started, iteration_started and
// loop_started (the container variants carry the container node's id).
type NodeStartedData struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Index     int            `json:"index,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// NodeFinishedData is the payload of node_finished, iteration_finished and
// loop_finished.
type NodeFinishedData struct {
	ID                   string         `json:"id"`
	NodeID               string         `json:"node_id"`
	NodeType             string         `json:"node_type,omitempty"`
	Status               string         `json:"status"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	InputsTruncated      bool           `json:"inputs_truncated,omitempty"`
	Outputs              map[string]any `json:"outputs,omitempty"`
	OutputsTruncated     bool           `json:"outputs_truncated,omitempty"`
	ProcessData          map[string]any `json:"process_data,omitempty"`
	ProcessDataTruncated bool           `json:"process_data_truncated,omitempty"`
	Error                string         `json:"error,omitempty"`
	ElapsedTime          float64        `json:"elapsed_time,omitempty"`
}

// IterationNextData is the payload of iteration_next and loop_next. Valid
// only between the container's _started and _finished events.
type IterationNextData struct {
	ID           string `json:"id"`
	NodeID       string `json:"node_id"`
	Index        int    `json:"index"`
	PreIteration any    `json:"pre_iteration_output,omitempty"`
}

// NodeRetryData is the payload of node_retry.
type NodeRetryData struct {
	ID         string `json:"id"`
	NodeID     string `json:"node_id"`
	RetryIndex int    `json:"retry_index"`
	Error      string `json:"error,omitempty"`
}

// AgentLogData is the payload of agent_log.
type AgentLogData struct {
	ID       string         `json:"id"`
	NodeID   string         `json:"node_execution_id,omitempty"`
	Label    string         `json:"label,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Status   string         `json:"status,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
}

// TextChunkData is the payload of text_chunk; chunks are appended to the run
// projection's result text in arrival order.
type TextChunkData struct {
	Text string `json:"text"`
}

// TextReplaceData is the payload of text_replace; it overwrites the
// accumulated result text wholesale.
type TextReplaceData struct {
	Text string `json:"text"`
}

// StreamErrorData is the payload of the terminal error event.
type StreamErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
