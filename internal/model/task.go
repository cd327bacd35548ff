package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsValid reports whether s is a known task status
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether a task may move from s to next.
// Setting the current status again is allowed for non-terminal states.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !next.IsValid() {
		return false
	}
	switch s {
	case TaskStatusPending:
		return true
	case TaskStatusInProgress:
		return next != TaskStatusPending
	case TaskStatusCompleted, TaskStatusFailed:
		return false
	}
	return false
}

// TaskPriority represents the priority level of a task.
// Priority is advisory and never changes execution order.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// IsValid reports whether p is a known priority
func (p TaskPriority) IsValid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// TaskType selects which handler runs a task
type TaskType string

const (
	TaskTypeResearch      TaskType = "research"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeCreation      TaskType = "creation"
	TaskTypeOrganization  TaskType = "organization"
	TaskTypeCommunication TaskType = "communication"
)

// IsValid reports whether t is a known task type
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeResearch, TaskTypeAnalysis, TaskTypeCreation, TaskTypeOrganization, TaskTypeCommunication:
		return true
	}
	return false
}

// Task represents a unit of work inside a plan
type Task struct {
	ID            string          `json:"id" yaml:"id"`
	Title         string          `json:"title" yaml:"title"`
	Description   string          `json:"description" yaml:"description"`
	Type          TaskType        `json:"type" yaml:"type"`
	Priority      TaskPriority    `json:"priority" yaml:"priority"`
	Status        TaskStatus      `json:"status" yaml:"status"`
	EstimatedTime *int            `json:"estimatedTime,omitempty" yaml:"estimated_time,omitempty"`
	Dependencies  []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Result        json.RawMessage `json:"result,omitempty" yaml:"-"`
	Error         string          `json:"error,omitempty" yaml:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// SetStatus moves the task to status and bumps UpdatedAt.
// The caller is responsible for checking CanTransition.
func (t *Task) SetStatus(status TaskStatus, now time.Time) {
	t.Status = status
	t.UpdatedAt = now
}

// SetResult records a successful result. Result and Error are mutually exclusive.
func (t *Task) SetResult(result json.RawMessage, now time.Time) {
	t.Result = result
	t.Error = ""
	t.UpdatedAt = now
}

// SetError records a failure message, clearing any result
func (t *Task) SetError(msg string, now time.Time) {
	t.Error = msg
	t.Result = nil
	t.UpdatedAt = now
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.EstimatedTime != nil {
		v := *t.EstimatedTime
		c.EstimatedTime = &v
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// Minutes is a helper for building EstimatedTime values
func Minutes(n int) *int {
	return &n
}
