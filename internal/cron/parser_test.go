package cron

import (
	"testing"
	"time"

	"github.com/djlord-it/tokenward/internal/domain"
)

func TestParser_Expressions(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 * * * *", false},
		{"*/5 * * * *", false},
		{"0 9-17 * * 1-5", false},
		{"0 3 * * *", false},
		{"* * * *", true},
		{"* * * * * *", true},
		{"60 * * * *", true},
		{"0 25 * * *", true},
		{"", true},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "UTC")
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) should fail", tt.expr)
				}
				return
			}
			if err != nil || sched == nil {
				t.Errorf("Parse(%q) = %v, %v", tt.expr, sched, err)
			}
		})
	}
}

func TestParser_Timezones(t *testing.T) {
	p := NewParser()

	if _, err := p.Parse("0 * * * *", "Invalid/Zone"); err == nil {
		t.Error("unknown timezone should fail")
	}

	utc, err := p.Parse("0 10 * * *", "")
	if err != nil {
		t.Fatalf("empty timezone should default to UTC: %v", err)
	}
	ref := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	if got, want := utc.Next(ref), time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}

	tokyo, err := p.Parse("0 10 * * *", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("Parse Tokyo: %v", err)
	}
	// 10:00 JST is 01:00 UTC.
	if got, want := tokyo.Next(ref), time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Tokyo Next = %v, want %v", got.UTC(), want)
	}
}

func TestParser_DSTSpringForward(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	sched, err := NewParser().Parse("30 2 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// 2:30 does not exist on 2026-03-08.
	before := time.Date(2026, 3, 8, 1, 0, 0, 0, ny)
	next := sched.Next(before)
	if next.Equal(time.Date(2026, 3, 8, 2, 30, 0, 0, ny)) {
		t.Error("scheduled inside the DST gap")
	}
	if !next.After(before) {
		t.Errorf("Next = %v, want after %v", next, before)
	}
}

func TestEvery(t *testing.T) {
	t0 := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	s, err := Every(time.Minute, t0)
	if err != nil {
		t.Fatalf("Every: %v", err)
	}

	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{t0.Add(-time.Hour), t0.Add(time.Minute)},
		{t0, t0.Add(time.Minute)},
		{t0.Add(59 * time.Second), t0.Add(time.Minute)},
		{t0.Add(time.Minute), t0.Add(2 * time.Minute)},
		{t0.Add(500 * time.Second), t0.Add(540 * time.Second)},
	}
	for _, tt := range tests {
		if got := s.Next(tt.after); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
		}
	}

	if _, err := Every(500*time.Millisecond, t0); err == nil {
		t.Error("sub-second interval should fail")
	}
}

func TestOnce(t *testing.T) {
	at := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := Once(at)

	if got := s.Next(at.Add(-time.Second)); !got.Equal(at) {
		t.Errorf("Next before = %v, want %v", got, at)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Errorf("Next at = %v, want zero", got)
	}
}

func TestFromSchedule(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

	valid := []domain.Schedule{
		{Kind: domain.ScheduleKindCron, Cron: "*/5 * * * *", Timezone: "Europe/Paris"},
		{Kind: domain.ScheduleKindInterval, Interval: 30 * time.Second},
		{Kind: domain.ScheduleKindOnce, At: anchor.Add(time.Hour)},
	}
	for _, s := range valid {
		if _, err := p.FromSchedule(s, anchor); err != nil {
			t.Errorf("FromSchedule(%s): %v", s, err)
		}
	}

	invalid := []domain.Schedule{
		{Kind: domain.ScheduleKindCron, Cron: "bogus"},
		{Kind: domain.ScheduleKindInterval},
		{Kind: domain.ScheduleKindOnce},
		{Kind: "weekly"},
	}
	for _, s := range invalid {
		if _, err := p.FromSchedule(s, anchor); err == nil {
			t.Errorf("FromSchedule(%+v) should fail", s)
		}
	}
}
