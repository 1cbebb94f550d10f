package domain

import (
	"fmt"
	"time"
)

type ScheduleKind string

const (
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindOnce     ScheduleKind = "once"
)

// MisfirePolicy decides what happens to firings missed while the scheduler
// was not running.
type MisfirePolicy string

const (
	// MisfireFireNow emits one event at the current time and re-anchors
	// interval schedules at that time.
	MisfireFireNow MisfirePolicy = "fire_now"
	// MisfireSkip drops missed firings and resumes at the next future occurrence.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireFireOnceImmediately coalesces all missed firings into one
	// catch-up event and keeps the original schedule phase.
	MisfireFireOnceImmediately MisfirePolicy = "fire_once_immediately"
)

// Valid reports whether p is a known policy.
func (p MisfirePolicy) Valid() bool {
	switch p {
	case MisfireFireNow, MisfireSkip, MisfireFireOnceImmediately:
		return true
	}
	return false
}

// Schedule describes when a trigger fires. Exactly one of Cron, Interval or At
// is meaningful, selected by Kind.
type Schedule struct {
	Kind     ScheduleKind
	Cron     string
	Timezone string
	Interval time.Duration
	At       time.Time
}

func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleKindCron:
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron(%s %s)", s.Cron, tz)
	case ScheduleKindInterval:
		return fmt.Sprintf("every(%s)", s.Interval)
	case ScheduleKindOnce:
		return fmt.Sprintf("once(%s)", s.At.UTC().Format(time.RFC3339))
	}
	return "unknown"
}

// JobPayload is what a trigger asks the notification gateway to do.
type JobPayload struct {
	TemplateID string
	Recipient  string
	Params     map[string]string
}

// Trigger is a scheduling rule plus the payload it dispatches.
type Trigger struct {
	ID       string
	Schedule Schedule
	Payload  JobPayload
	Misfire  MisfirePolicy

	// StartAt anchors interval schedules. Zero means the time the trigger is added.
	StartAt time.Time
}
