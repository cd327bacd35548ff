package model

import (
	"encoding/json"
	"time"
)

// EventKind identifies which engine callback produced an event
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventTaskStarted   EventKind = "task_started"
	EventTaskCompleted EventKind = "task_completed"
	EventPlanCompleted EventKind = "plan_completed"
)

// PlanEvent is the wire form of an engine callback
type PlanEvent struct {
	Kind      EventKind       `json:"kind"`
	PlanID    string          `json:"planId"`
	Plan      *Plan           `json:"plan,omitempty"`
	Task      *Task           `json:"task,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
