package planner

import "errors"

var (
	// ErrInvalidGoal is returned when the goal is empty
	ErrInvalidGoal = errors.New("goal must not be empty")

	// ErrInvalidMaxTasks is returned when maxTasks is outside 1..50
	ErrInvalidMaxTasks = errors.New("maxTasks must be between 1 and 50")

	// ErrInvalidPriority is returned when a request carries an unknown priority
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidAnalysis is returned when an analyzer produces an unusable task list
	ErrInvalidAnalysis = errors.New("invalid task analysis")
)
