package models

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a background task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CanTransition reports whether from -> to is an edge of the task state machine.
// The machine only moves forward: pending -> running -> succeeded|failed.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed
	default:
		return false
	}
}

// FilePayload references the uploaded file a task works on.
type FilePayload struct {
	FileName   string `json:"file_name"`
	Format     string `json:"format"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	StoredPath string `json:"-"`
}

// TaskResult is present on a task iff it succeeded.
type TaskResult struct {
	ConversationID string `json:"conversation_id,omitempty"`
	FileName       string `json:"file_name,omitempty"`
	Characters     int    `json:"characters"`
	Preview        string `json:"preview,omitempty"`
	Reply          string `json:"reply,omitempty"`
}

// StateChange records one committed transition.
type StateChange struct {
	State TaskState `json:"state"`
	At    time.Time `json:"at"`
}

// Task is a snapshot of an asynchronously executed unit of work.
type Task struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	ConversationID string        `json:"conversation_id,omitempty"`
	State          TaskState     `json:"status"`
	Payload        *FilePayload  `json:"payload,omitempty"`
	Progress       int           `json:"progress"`
	Result         *TaskResult   `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	History        []StateChange `json:"history"`
}

// Clone returns a deep copy safe to hand out to readers.
func (t *Task) Clone() Task {
	c := *t
	if t.Payload != nil {
		p := *t.Payload
		c.Payload = &p
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	c.History = append([]StateChange(nil), t.History...)
	return c
}

// Transition moves the task to the next state, stamping the change at now.
func (t *Task) Transition(to TaskState, now time.Time) error {
	if !CanTransition(t.State, to) {
		return &Error{Kind: ErrInvalidTransition, Msg: fmt.Sprintf("task %s: %s -> %s", t.ID, t.State, to)}
	}
	t.State = to
	t.UpdatedAt = now
	t.History = append(t.History, StateChange{State: to, At: now})
	return nil
}
