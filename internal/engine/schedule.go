package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is an optional weekly recurrence, with a time zone, that
// restricts when a Policy is active (spec.md §3 "schedule"). The model
// is adopted from the original system's schedule_checker: a day-of-week
// set, a time-of-day window (which may cross midnight), and optional
// month/day-of-month restrictions, all evaluated in the schedule's own
// IANA zone.
type Schedule struct {
	// Weekdays, if non-empty, restricts to these days (0=Sunday .. 6=Saturday,
	// matching time.Weekday).
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	// TimeStart/TimeEnd are "HH:MM" or "HH:MM:SS" in Timezone. A window
	// where TimeStart > TimeEnd crosses midnight.
	TimeStart string `json:"time_start,omitempty"`
	TimeEnd   string `json:"time_end,omitempty"`
	// Months, if non-empty, restricts to these calendar months (1-12).
	Months []time.Month `json:"months,omitempty"`
	// DaysOfMonth, if non-empty, restricts to these days of month (1-31).
	DaysOfMonth []int `json:"days_of_month,omitempty"`
	// Timezone is an IANA zone name, e.g. "Europe/Warsaw". Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`
}

// MarshalSchedule serializes a Schedule for storage in Policy.ScheduleJSON.
func MarshalSchedule(s *Schedule) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal schedule: %w", err)
	}
	return string(b), nil
}

// UnmarshalSchedule parses a Policy.ScheduleJSON value. An empty string
// means no schedule restriction (always active).
func UnmarshalSchedule(raw string) (*Schedule, error) {
	if raw == "" {
		return nil, nil
	}
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &s, nil
}

// Matches reports whether at is inside the schedule's weekly window.
func (s *Schedule) Matches(at time.Time) bool {
	if s == nil {
		return true
	}

	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if len(s.Weekdays) > 0 && !containsWeekday(s.Weekdays, local.Weekday()) {
		return false
	}

	if s.TimeStart != "" || s.TimeEnd != "" {
		start := parseClock(s.TimeStart, 0, 0, 0)
		end := parseClock(s.TimeEnd, 23, 59, 59)
		cur := local.Hour()*3600 + local.Minute()*60 + local.Second()

		if start <= end {
			if cur < start || cur > end {
				return false
			}
		} else {
			// Window crosses midnight, e.g. 22:00-02:00.
			if cur < start && cur > end {
				return false
			}
		}
	}

	if len(s.Months) > 0 && !containsMonth(s.Months, local.Month()) {
		return false
	}

	if len(s.DaysOfMonth) > 0 && !containsInt(s.DaysOfMonth, local.Day()) {
		return false
	}

	return true
}

// parseClock parses "HH:MM" or "HH:MM:SS" into seconds-of-day, falling
// back to the given default h/m/sec on an empty or malformed string.
func parseClock(s string, defH, defM, defS int) int {
	if s == "" {
		return defH*3600 + defM*60 + defS
	}
	var h, m, sec int
	n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	if err != nil || n < 2 {
		n2, err2 := fmt.Sscanf(s, "%d:%d", &h, &m)
		if err2 != nil || n2 < 2 {
			return defH*3600 + defM*60 + defS
		}
		sec = 0
	}
	return h*3600 + m*60 + sec
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func containsMonth(months []time.Month, m time.Month) bool {
	for _, x := range months {
		if x == m {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
