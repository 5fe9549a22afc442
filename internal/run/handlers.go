package run

import (
	"encoding/json"
	"log/slog"

	"github.com/rendis/draftflow/pkg/schema"
)

// Internal per-tag handlers. They keep the projection and the per-node
// transient markers consistent before the caller's handler for the same tag
// observes the event.

func (c *Controller) handleWorkflowStarted(res *Result, env *schema.EventEnvelope) {
	var d schema.WorkflowStartedData
	c.decode(env, &d)
	res.started(env, d)
	res.appendTrace(env)
}

func (c *Controller) handleWorkflowFinished(res *Result, env *schema.EventEnvelope) {
	var d schema.WorkflowFinishedData
	c.decode(env, &d)
	res.appendTrace(env)
	res.finished(d)
}

func (c *Controller) handleStreamError(res *Result, env *schema.EventEnvelope) {
	var d schema.StreamErrorData
	c.decode(env, &d)
	res.appendTrace(env)
	res.failed(d.Message)
}

func (c *Controller) handleNodeStarted(res *Result, env *schema.EventEnvelope) {
	var d schema.NodeStartedData
	c.decode(env, &d)
	res.appendTrace(env)
	c.setNodeStatus(d.NodeID, schema.NodeRunStatusRunning)
	c.centerNode(d.NodeID)
}

func (c *Controller) handleNodeFinished(res *Result, env *schema.EventEnvelope) {
	var d schema.NodeFinishedData
	c.decode(env, &d)
	res.appendTrace(env)
	res.noteNodeFinished(d)
	status := schema.NodeRunStatusSucceeded
	if d.Status == string(schema.RunStatusFailed) || d.Error != "" {
		status = schema.NodeRunStatusFailed
	}
	c.setNodeStatus(d.NodeID, status)
}

func (c *Controller) handleNodeRetry(res *Result, env *schema.EventEnvelope) {
	var d schema.NodeRetryData
	c.decode(env, &d)
	res.appendTrace(env)
	c.setNodeStatus(d.NodeID, schema.NodeRunStatusRetry)
}

// handleContainerStarted covers iteration_started and loop_started: the
// container node enters running state and is centered like a plain node.
func (c *Controller) handleContainerStarted(res *Result, env *schema.EventEnvelope) {
	var d schema.NodeStartedData
	c.decode(env, &d)
	res.appendTrace(env)
	c.setNodeStatus(d.NodeID, schema.NodeRunStatusRunning)
	c.centerNode(d.NodeID)
}

// handleContainerNext covers iteration_next and loop_next; tracing only, the
// container keeps its running marker between _started and _finished.
func (c *Controller) handleContainerNext(res *Result, env *schema.EventEnvelope) {
	res.appendTrace(env)
}

func (c *Controller) handleContainerFinished(res *Result, env *schema.EventEnvelope) {
	var d schema.NodeFinishedData
	c.decode(env, &d)
	res.appendTrace(env)
	res.noteNodeFinished(d)
	status := schema.NodeRunStatusSucceeded
	if d.Status == string(schema.RunStatusFailed) || d.Error != "" {
		status = schema.NodeRunStatusFailed
	}
	c.setNodeStatus(d.NodeID, status)
}

func (c *Controller) handleAgentLog(res *Result, env *schema.EventEnvelope) {
	res.appendTrace(env)
}

func (c *Controller) handleTextChunk(res *Result, env *schema.EventEnvelope) {
	var d schema.TextChunkData
	c.decode(env, &d)
	res.appendText(d.Text)
}

func (c *Controller) handleTextReplace(res *Result, env *schema.EventEnvelope) {
	var d schema.TextReplaceData
	c.decode(env, &d)
	res.replaceText(d.Text)
}

// setNodeStatus writes the transient running-status marker the canvas
// renderer reads.
func (c *Controller) setNodeStatus(nodeID string, status schema.NodeRunStatus) {
	if nodeID == "" {
		return
	}
	c.sess.UpdateNode(nodeID, func(n *schema.Node) {
		n.Data[schema.RunningStatusKey] = string(status)
	})
}

// centerNode reports the active node together with the configured viewport
// dimensions so a canvas can auto-scroll to it. Pure presentation; no-op
// without a CenterNode hook.
func (c *Controller) centerNode(nodeID string) {
	if c.cfg.CenterNode == nil || nodeID == "" {
		return
	}
	c.cfg.CenterNode(nodeID, c.cfg.ViewportSize)
}

func (c *Controller) decode(env *schema.EventEnvelope, out any) {
	if len(env.Data) == 0 {
		return
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.logger.Warn("undecodable event payload",
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
	}
}
