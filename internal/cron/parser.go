package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/tokenward/internal/domain"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// FromSchedule builds the Schedule for s. anchor is the phase origin of
// interval schedules and is ignored by the other kinds.
func (p *Parser) FromSchedule(s domain.Schedule, anchor time.Time) (Schedule, error) {
	switch s.Kind {
	case domain.ScheduleKindCron:
		return p.Parse(s.Cron, s.Timezone)
	case domain.ScheduleKindInterval:
		return Every(s.Interval, anchor)
	case domain.ScheduleKindOnce:
		if s.At.IsZero() {
			return nil, fmt.Errorf("once schedule requires a time")
		}
		return Once(s.At), nil
	}
	return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// Schedule yields fire times. Next returns the zero time once the
// schedule has no further occurrences.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// IntervalSchedule fires at anchor + k*period for k >= 1.
type IntervalSchedule struct {
	Period time.Duration
	Anchor time.Time
}

// Every returns an interval schedule. period must be at least one second.
func Every(period time.Duration, anchor time.Time) (*IntervalSchedule, error) {
	if period < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %s", period)
	}
	return &IntervalSchedule{Period: period, Anchor: anchor.UTC()}, nil
}

func (s *IntervalSchedule) Next(after time.Time) time.Time {
	if after.Before(s.Anchor) {
		return s.Anchor.Add(s.Period)
	}
	k := after.Sub(s.Anchor)/s.Period + 1
	return s.Anchor.Add(k * s.Period)
}

type onceSchedule struct {
	at time.Time
}

// Once returns a schedule with a single occurrence at t.
func Once(t time.Time) Schedule {
	return onceSchedule{at: t.UTC()}
}

func (s onceSchedule) Next(after time.Time) time.Time {
	if s.at.After(after) {
		return s.at
	}
	return time.Time{}
}
