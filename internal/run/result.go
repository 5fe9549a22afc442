package run

import (
	"strings"
	"sync"

	"github.com/rendis/draftflow/pkg/schema"
)

// Result is the mutable projection of one run, observed by the UI. It is
// created fresh at the start of every run and mutated exclusively by inbound
// stream events. Once a terminal event lands, every later mutation is a
// no-op.
type Result struct {
	mu sync.RWMutex

	status               schema.RunStatus
	workflowRunID        string
	taskID               string
	errMsg               string
	inputsTruncated      bool
	outputsTruncated     bool
	processDataTruncated bool
	tracing              []*schema.EventEnvelope
	resultText           strings.Builder
}

// View is an immutable snapshot of a Result for readers.
type View struct {
	Status               schema.RunStatus
	WorkflowRunID        string
	TaskID               string
	Error                string
	InputsTruncated      bool
	OutputsTruncated     bool
	ProcessDataTruncated bool
	Tracing              []*schema.EventEnvelope
	ResultText           string
}

// NewResult seeds a projection with status running, truncation flags false
// and empty tracing/result text.
func NewResult() *Result {
	return &Result{status: schema.RunStatusRunning}
}

// Snapshot returns a copy of the current projection state.
func (r *Result) Snapshot() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tracing := make([]*schema.EventEnvelope, len(r.tracing))
	copy(tracing, r.tracing)
	return View{
		Status:               r.status,
		WorkflowRunID:        r.workflowRunID,
		TaskID:               r.taskID,
		Error:                r.errMsg,
		InputsTruncated:      r.inputsTruncated,
		OutputsTruncated:     r.outputsTruncated,
		ProcessDataTruncated: r.processDataTruncated,
		Tracing:              tracing,
		ResultText:           r.resultText.String(),
	}
}

// Terminal reports whether the projection reached a final status.
func (r *Result) Terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Terminal()
}

// Status returns the current status.
func (r *Result) Status() schema.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Result) started(env *schema.EventEnvelope, d schema.WorkflowStartedData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.workflowRunID = d.ID
	r.taskID = env.TaskID
	r.inputsTruncated = d.InputsTruncated
	r.resultText.Reset()
}

func (r *Result) finished(d schema.WorkflowFinishedData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	status := d.Status
	if !status.Terminal() {
		status = schema.RunStatusSucceeded
	}
	r.status = status
	r.outputsTruncated = d.OutputsTruncated
	r.errMsg = d.Error
}

func (r *Result) failed(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = schema.RunStatusFailed
	r.errMsg = msg
}

func (r *Result) appendTrace(env *schema.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.tracing = append(r.tracing, env)
}

func (r *Result) noteNodeFinished(d schema.NodeFinishedData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	// Truncation flags are sticky: one truncated node marks the whole run.
	r.inputsTruncated = r.inputsTruncated || d.InputsTruncated
	r.outputsTruncated = r.outputsTruncated || d.OutputsTruncated
	r.processDataTruncated = r.processDataTruncated || d.ProcessDataTruncated
}

func (r *Result) appendText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.resultText.WriteString(text)
}

func (r *Result) replaceText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.resultText.Reset()
	r.resultText.WriteString(text)
}
