package executor

import "errors"

var (
	// ErrAlreadyExecuting is returned when Start is called on a running engine
	ErrAlreadyExecuting = errors.New("engine is already executing")

	// ErrEmptyPlan is returned when the plan has no tasks
	ErrEmptyPlan = errors.New("plan has no tasks")

	// ErrPlanFinished is returned when starting a plan that already reached a terminal status
	ErrPlanFinished = errors.New("plan already finished")

	// ErrStopped is returned when resuming a stopped run
	ErrStopped = errors.New("execution was stopped")

	// ErrPlanBusy is returned when another actor holds a task of the plan in progress
	ErrPlanBusy = errors.New("plan is being executed")
)
