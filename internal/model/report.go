package model

import (
	"encoding/json"
	"time"
)

// ProgressStatus is the coarse state advertised in a report's progress block.
// It mirrors JobStatus so remote pollers can detect terminal states from the
// report alone.
type ProgressStatus string

const (
	// ProgressQueued indicates work has not started.
	ProgressQueued ProgressStatus = "queued"
	// ProgressRunning indicates work is underway.
	ProgressRunning ProgressStatus = "running"
	// ProgressCompleted indicates work finished normally.
	ProgressCompleted ProgressStatus = "completed"
	// ProgressAborted indicates work stopped on an abort signal.
	ProgressAborted ProgressStatus = "aborted"
	// ProgressFailed indicates work failed.
	ProgressFailed ProgressStatus = "failed"
)

// Terminal reports whether the progress status is terminal.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressAborted || s == ProgressFailed
}

// Progress is the reserved progress sub-object of a report.
type Progress struct {
	Status  ProgressStatus `json:"status"`
	Verbose string         `json:"verbose,omitempty"`
	Percent float64        `json:"percent"`
}

// LogEntry is one timestamped message in a report log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Report is the structured output document of a job. The log is an
// append-only multimap keyed by severity-context (e.g. "error.worker").
type Report struct {
	Progress Progress              `json:"progress"`
	Log      map[string][]LogEntry `json:"log,omitempty"`
	Data     json.RawMessage       `json:"data,omitempty"`
	Children map[string]*Report    `json:"children,omitempty"`
}

// NewReport returns an empty report in the queued state.
func NewReport() *Report {
	return &Report{
		Progress: Progress{Status: ProgressQueued},
		Log:      make(map[string][]LogEntry),
	}
}

// AppendLog appends a timestamped message under the given severity-context.
func (r *Report) AppendLog(context, message string) {
	if r.Log == nil {
		r.Log = make(map[string][]LogEntry)
	}
	r.Log[context] = append(r.Log[context], LogEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
}

// SetProgress updates the progress block.
func (r *Report) SetProgress(status ProgressStatus, verbose string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.Progress = Progress{Status: status, Verbose: verbose, Percent: percent}
}

// MergeChild stores a child report fragment under the given name, replacing
// any previous fragment for that child.
func (r *Report) MergeChild(name string, child *Report) {
	if child == nil {
		return
	}
	if r.Children == nil {
		r.Children = make(map[string]*Report)
	}
	r.Children[name] = child
}

// Clone returns a deep copy of the report so readers never observe writes
// from the owning worker.
func (r *Report) Clone() *Report {
	out := &Report{
		Progress: r.Progress,
		Data:     append(json.RawMessage(nil), r.Data...),
	}
	if len(r.Log) > 0 {
		out.Log = make(map[string][]LogEntry, len(r.Log))
		for k, entries := range r.Log {
			out.Log[k] = append([]LogEntry(nil), entries...)
		}
	}
	if len(r.Children) > 0 {
		out.Children = make(map[string]*Report, len(r.Children))
		for name, child := range r.Children {
			out.Children[name] = child.Clone()
		}
	}
	return out
}
