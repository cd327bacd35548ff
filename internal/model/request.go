package model

import "encoding/json"

const (
	// DefaultMaxTasks is used when a creation request omits maxTasks
	DefaultMaxTasks = 20
	// MaxTasksLimit is the upper bound accepted for maxTasks
	MaxTasksLimit = 50
)

// CreatePlanRequest asks for a new plan built from a goal
type CreatePlanRequest struct {
	Goal                     string       `json:"goal" yaml:"goal"`
	Context                  string       `json:"context,omitempty" yaml:"context,omitempty"`
	Constraints              []string     `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Priority                 TaskPriority `json:"priority,omitempty" yaml:"priority,omitempty"`
	EstimatedTime            *int         `json:"estimatedTime,omitempty" yaml:"estimated_time,omitempty"`
	AllowAutonomousExecution *bool        `json:"allowAutonomousExecution,omitempty" yaml:"allow_autonomous_execution,omitempty"`
	MaxTasks                 int          `json:"maxTasks,omitempty" yaml:"max_tasks,omitempty"`
}

// Autonomous returns AllowAutonomousExecution, defaulting to true
func (r *CreatePlanRequest) Autonomous() bool {
	if r.AllowAutonomousExecution == nil {
		return true
	}
	return *r.AllowAutonomousExecution
}

// CreatePlanResponse is the result envelope for plan creation
type CreatePlanResponse struct {
	Success bool   `json:"success"`
	AgentID string `json:"agentId,omitempty"`
	Plan    *Plan  `json:"plan,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteTaskRequest runs one task by hand (non-autonomous mode)
type ExecuteTaskRequest struct {
	AgentID    string                 `json:"agentId"`
	TaskID     string                 `json:"taskId"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ExecuteTaskResponse is the result envelope for manual task execution
type ExecuteTaskResponse struct {
	Success bool            `json:"success"`
	TaskID  string          `json:"taskId,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Status  TaskStatus      `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TaskStatusUpdate sets a task's status and optionally its result or error
type TaskStatusUpdate struct {
	TaskID string          `json:"taskId"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TaskPriorityUpdate changes a task's priority
type TaskPriorityUpdate struct {
	TaskID   string       `json:"taskId"`
	Priority TaskPriority `json:"priority"`
}

// PlanUpdates is a batch of mutations applied to a single plan
type PlanUpdates struct {
	AddTasks         []*Task              `json:"addTasks,omitempty"`
	RemoveTasks      []string             `json:"removeTasks,omitempty"`
	UpdateTaskStatus []TaskStatusUpdate   `json:"updateTaskStatus,omitempty"`
	Reprioritize     []TaskPriorityUpdate `json:"reprioritize,omitempty"`
}

// PlanUpdateRequest applies updates to an existing plan
type PlanUpdateRequest struct {
	AgentID string      `json:"agentId"`
	Updates PlanUpdates `json:"updates"`
}

// PlanUpdateResponse is the result envelope for plan updates
type PlanUpdateResponse struct {
	Success bool   `json:"success"`
	AgentID string `json:"agentId,omitempty"`
	Plan    *Plan  `json:"plan,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ControlAction is a lifecycle command for a plan's engine
type ControlAction string

const (
	ControlStart  ControlAction = "start"
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlStop   ControlAction = "stop"
)

// ControlRequest starts, pauses, resumes, or stops a plan
type ControlRequest struct {
	AgentID string        `json:"agentId"`
	Action  ControlAction `json:"action"`
}

// GetPlanRequest looks up a plan by id
type GetPlanRequest struct {
	AgentID string `json:"agentId"`
}

// PlanResponse carries a single plan snapshot
type PlanResponse struct {
	Success bool   `json:"success"`
	Plan    *Plan  `json:"plan,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListPlansRequest pages through plan snapshots in creation order. An empty
// status list matches every plan and a zero limit means no limit.
type ListPlansRequest struct {
	Status []PlanStatus `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// ListPlansResponse carries a page of plan snapshots
type ListPlansResponse struct {
	Success bool    `json:"success"`
	Plans   []*Plan `json:"plans"`
	Error   string  `json:"error,omitempty"`
}
