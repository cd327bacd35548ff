package model

import "time"

// GoalSchedule creates a new plan from Request every time Expression fires
type GoalSchedule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Expression  string            `json:"expression"`
	Request     CreatePlanRequest `json:"request"`
	LastRunTime *time.Time        `json:"last_run_time,omitempty"`
	NextRunTime *time.Time        `json:"next_run_time,omitempty"`
	LastPlanID  string            `json:"last_plan_id,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
