package services

import (
	"adalog/internal/buffer"
	"adalog/internal/models"
	"adalog/internal/stream"
)

// Status is a snapshot of the controller
type Status struct {
	State       models.SessionState `json:"state"`
	Session     *models.Session     `json:"session,omitempty"` // Current session, or the last one when idle
	Tags        []string            `json:"tags,omitempty"`    // Tags in effect
	StreamID    string              `json:"stream_id,omitempty"`
	StreamState string              `json:"stream_state"`
	Generation  uint64              `json:"generation"`
	StreamErr   error               `json:"-"` // Last read failure of the current stream
	Err         error               `json:"-"` // Fatal error of the last session
	Buffer      buffer.Stats        `json:"buffer"`
}

// Status reports the controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.run
	if run == nil {
		return Status{
			State:       models.SessionIdle,
			Session:     c.lastSession,
			StreamState: stream.StateDisconnected.String(),
			Err:         c.lastErr,
		}
	}

	st := Status{
		State:       models.SessionRecording,
		Session:     run.session,
		StreamState: stream.StateDisconnected.String(),
		Buffer:      run.buf.Stats(),
	}
	if run.client != nil {
		st.StreamState = run.client.State().String()
	}

	run.stateMu.Lock()
	st.Tags = run.tags
	st.StreamID = run.streamID
	st.Generation = run.gen
	st.StreamErr = run.streamErr
	run.stateMu.Unlock()
	return st
}
