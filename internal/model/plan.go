package model

import (
	"math"
	"time"
)

// PlanStatus represents the aggregate state of a plan
type PlanStatus string

const (
	PlanStatusPlanning  PlanStatus = "planning"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusPaused    PlanStatus = "paused"
)

// IsValid reports whether s is a known plan status
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusPlanning, PlanStatusExecuting, PlanStatusCompleted, PlanStatusFailed, PlanStatusPaused:
		return true
	}
	return false
}

// IsTerminal reports whether the plan has finished
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed
}

// Plan is an ordered set of tasks pursuing one goal. Task order is the
// execution order.
type Plan struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Goal        string     `json:"goal" yaml:"goal"`
	Tasks       []*Task    `json:"tasks" yaml:"tasks"`
	Status      PlanStatus `json:"status" yaml:"status"`
	Progress    int        `json:"progress" yaml:"progress"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updated_at"`
}

// Task returns the task with the given id, or nil
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// CountByStatus returns the number of tasks in the given status
func (p *Plan) CountByStatus(status TaskStatus) int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// ComputeProgress returns 100 * completed / total rounded to the nearest
// integer, or 0 for an empty plan.
func (p *Plan) ComputeProgress() int {
	if len(p.Tasks) == 0 {
		return 0
	}
	completed := p.CountByStatus(TaskStatusCompleted)
	return int(math.Round(100 * float64(completed) / float64(len(p.Tasks))))
}

// RecomputeProgress refreshes Progress and bumps UpdatedAt. A completed plan
// whose tasks are all terminal reports 100 even if some of them failed.
func (p *Plan) RecomputeProgress(now time.Time) {
	if p.Status == PlanStatusCompleted && p.AllTerminal() {
		p.Progress = 100
	} else {
		p.Progress = p.ComputeProgress()
	}
	p.UpdatedAt = now
}

// AllTerminal reports whether every task is completed or failed
func (p *Plan) AllTerminal() bool {
	for _, t := range p.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// NextPending returns the index of the first task not in a terminal
// status, or -1 when none remain.
func (p *Plan) NextPending() int {
	for i, t := range p.Tasks {
		if !t.Status.IsTerminal() {
			return i
		}
	}
	return -1
}

// DeriveStatus re-derives plan status from task states: completed if all
// tasks completed, failed if any failed, executing if any in progress,
// otherwise the current status.
func (p *Plan) DeriveStatus() PlanStatus {
	if len(p.Tasks) > 0 && p.CountByStatus(TaskStatusCompleted) == len(p.Tasks) {
		return PlanStatusCompleted
	}
	if p.CountByStatus(TaskStatusFailed) > 0 {
		return PlanStatusFailed
	}
	if p.CountByStatus(TaskStatusInProgress) > 0 {
		return PlanStatusExecuting
	}
	return p.Status
}

// Clone returns a deep copy of the plan and its tasks
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Tasks = make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}
