package storage

import "errors"

var (
	// ErrPlanNotFound is returned when a plan id is unknown
	ErrPlanNotFound = errors.New("plan not found")

	// ErrTaskNotFound is returned when a task id is unknown within a plan
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicatePlan is returned when a plan id is already stored
	ErrDuplicatePlan = errors.New("duplicate plan")

	// ErrDuplicateTask is returned when an added task reuses an existing id
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidTransition is returned for a backward or unknown task status change
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrInvalidPriority is returned for an unknown priority
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidTask is returned when an added task is malformed
	ErrInvalidTask = errors.New("invalid task")

	// ErrPlanFinished is returned when adding tasks to a completed or failed plan
	ErrPlanFinished = errors.New("plan is finished")
)
