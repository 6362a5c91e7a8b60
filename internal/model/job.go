// Package model defines the core data types shared by the overseer
// orchestration core, HTTP views, and service adapters.
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token is an opaque unique identifier for a job or subscriber.
type Token string

// NewToken generates a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// String returns the token as a plain string.
func (t Token) String() string { return string(t) }

// JobStatus represents the derived lifecycle status of a job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job finished normally.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusAborted indicates the job observed an abort signal and stopped.
	JobStatusAborted JobStatus = "aborted"
	// JobStatusFailed indicates the job body raised an error.
	JobStatusFailed JobStatus = "failed"
)

// Lifecycle event names recorded in JobRecord.Metadata. The status of a record
// is derived from which of these keys are present.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventAborted   = "aborted"
	EventFailed    = "failed"
)

// Terminal reports whether the status is one of the terminal states.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusAborted || s == JobStatusFailed
}

// ErrNoJobsQueued is returned when the queue holds no job tokens.
var ErrNoJobsQueued = errors.New("no jobs queued")

// TokenGrant is returned to a submitter when a job is accepted.
type TokenGrant struct {
	Token     Token     `json:"token"`
	ExpiresIn int64     `json:"expires"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobConfig is the immutable description of one unit of work. It is owned by
// the submitter and never mutated after creation.
type JobConfig struct {
	Type        string          `json:"type"`
	RequestBody json.RawMessage `json:"request_body,omitempty"`
	DerivedBody json.RawMessage `json:"derived_body,omitempty"`
	ParentToken Token           `json:"parent_token,omitempty"`
	ChildName   string          `json:"child_name,omitempty"`
}

// Validate validates the JobConfig fields.
func (c *JobConfig) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return errors.New("job type is required")
	}
	if c.ChildName != "" && c.ParentToken == "" {
		return errors.New("child name requires a parent token")
	}
	return nil
}

// EventStamp records who triggered a lifecycle event and when.
type EventStamp struct {
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// JobRecord is the mutable envelope describing one job. Exactly one worker
// owns write access at a time, enforced by atomic pop-from-queue. Once the
// metadata contains a terminal event the record is immutable.
type JobRecord struct {
	Config   JobConfig             `json:"config"`
	Token    Token                 `json:"token"`
	Report   *Report               `json:"report"`
	Metadata map[string]EventStamp `json:"metadata"`
}

// NewJobRecord creates a record for a fresh submission, stamping the created
// event and initializing an empty report.
func NewJobRecord(token Token, cfg JobConfig, actor string) *JobRecord {
	rec := &JobRecord{
		Config:   cfg,
		Token:    token,
		Report:   NewReport(),
		Metadata: make(map[string]EventStamp),
	}
	rec.Touch(EventCreated, actor)
	return rec
}

// Touch stamps a lifecycle event with the given actor at the current time.
func (r *JobRecord) Touch(event, actor string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]EventStamp)
	}
	r.Metadata[event] = EventStamp{Actor: actor, Timestamp: time.Now().UTC()}
}

// Status derives the job status from the recorded lifecycle events.
// A record with no status-bearing events is queued.
func (r *JobRecord) Status() JobStatus {
	switch {
	case r.has(EventCompleted):
		return JobStatusCompleted
	case r.has(EventAborted):
		return JobStatusAborted
	case r.has(EventFailed):
		return JobStatusFailed
	case r.has(EventStarted):
		return JobStatusRunning
	default:
		return JobStatusQueued
	}
}

// Terminal reports whether the record has reached a terminal state.
func (r *JobRecord) Terminal() bool {
	return r.Status().Terminal()
}

func (r *JobRecord) has(event string) bool {
	_, ok := r.Metadata[event]
	return ok
}

// Encode serializes the record for storage in a key-value backend.
func (r *JobRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeJobRecord deserializes a record read from a key-value backend.
func DecodeJobRecord(data []byte) (*JobRecord, error) {
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Report == nil {
		rec.Report = NewReport()
	}
	return &rec, nil
}
