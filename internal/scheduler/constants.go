package scheduler

import "time"

const (
	scheduleStreamName    = "SCHEDULES"
	scheduleAddSubject    = "schedule.add"
	scheduleRemoveSubject = "schedule.remove"
	scheduleFiredSubject  = "schedule.fired"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1
)
