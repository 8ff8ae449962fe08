package app

import (
	"time"

	"quotekeeper/internal/qk"
)

// Run tracks one CLI invocation. Its ID tags every log line written while
// the command runs, so interleaved processes can be told apart.
type Run struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     string    `json:"status"` // "running", "success" or "error"
	Error      string    `json:"error,omitempty"`

	clock qk.Clock
}

// NewRun creates a running invocation record.
func NewRun(command string, clock qk.Clock, ids qk.IDGenerator) *Run {
	return &Run{
		ID:        ids.New(),
		Command:   command,
		StartedAt: clock.Now(),
		Status:    "running",
		clock:     clock,
	}
}

// Finish marks the run done. A nil err means success.
func (r *Run) Finish(err error) {
	if r.Finished() {
		return
	}
	r.FinishedAt = r.clock.Now()
	r.Status = "success"
	if err != nil {
		r.Status = "error"
		r.Error = err.Error()
	}
}

// Finished returns true once Finish has been called.
func (r *Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Duration is the elapsed time, up to now for a run still in progress.
func (r *Run) Duration() time.Duration {
	if r.Finished() {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return r.clock.Now().Sub(r.StartedAt)
}
