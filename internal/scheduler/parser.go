package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns the first due time after now, or nil when the schedule
// has no further runs.
func NextRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case "interval":
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}

	next = next.UTC()
	return &next
}

// FirstRun is the initial due time of a new schedule. A once schedule in
// the past is due immediately.
func FirstRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err == nil && s.Kind == "once" {
		t := time.UnixMilli(s.AtMs).UTC()
		return &t
	}
	return NextRun(scheduleJSON, now)
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04")
	default:
		return scheduleJSON
	}
}

// NormalizeSchedule accepts either schedule JSON or a plain cron
// expression and returns validated schedule JSON.
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}
	data, err := json.Marshal(Schedule{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
