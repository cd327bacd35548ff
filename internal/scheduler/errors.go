package scheduler

import "errors"

var (
	// ErrScheduleNotFound is returned when a schedule id is unknown
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidExpression is returned when a cron expression cannot be parsed
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrInvalidSchedule is returned when a schedule has no goal
	ErrInvalidSchedule = errors.New("invalid schedule")
)
