// Package recurrence computes the next fire time of a recurring notification.
package recurrence

import (
	"sort"
	"time"
)

// ScheduleType selects how a scheduled notification repeats.
type ScheduleType string

const (
	Once    ScheduleType = "once"
	Daily   ScheduleType = "daily"
	Weekly  ScheduleType = "weekly"
	Monthly ScheduleType = "monthly"
	Custom  ScheduleType = "custom" // reserved, never reschedules
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case Once, Daily, Weekly, Monthly, Custom:
		return true
	}
	return false
}

// Recurring reports whether t can produce more than one occurrence.
func (t ScheduleType) Recurring() bool {
	return t == Daily || t == Weekly || t == Monthly
}

// Rule describes how a recurring notification repeats.
type Rule struct {
	// Frequency is the step between occurrences (days, weeks or months).
	// Values below 1 are treated as 1.
	Frequency int `json:"frequency" validate:"gte=0,lte=366"`

	// DaysOfWeek lists weekday ordinals, 0 = Sunday.
	DaysOfWeek []int `json:"days_of_week,omitempty" validate:"omitempty,dive,gte=0,lte=6"`

	// DaysOfMonth lists day-of-month ordinals 1..31.
	DaysOfMonth []int `json:"days_of_month,omitempty" validate:"omitempty,dive,gte=1,lte=31"`

	// EndDate is an exclusive upper bound for occurrences.
	EndDate *time.Time `json:"end_date,omitempty"`
}

func (r *Rule) step() int {
	if r == nil || r.Frequency < 1 {
		return 1
	}
	return r.Frequency
}

// Next returns the occurrence following current. The boolean is false when
// no more occurrences exist. Calendar arithmetic happens in current's
// location, so callers should pass current in the notification's timezone.
func Next(current time.Time, scheduleType ScheduleType, rule *Rule) (time.Time, bool) {
	if rule != nil && rule.EndDate != nil && !current.Before(*rule.EndDate) {
		return time.Time{}, false
	}

	var next time.Time
	switch scheduleType {
	case Daily:
		next = current.AddDate(0, 0, rule.step())
	case Weekly:
		next = nextWeekly(current, rule)
	case Monthly:
		next = nextMonthly(current, rule)
	default:
		// once and custom have no follow-up occurrence
		return time.Time{}, false
	}

	if rule != nil && rule.EndDate != nil && !next.Before(*rule.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

func nextWeekly(current time.Time, rule *Rule) time.Time {
	var days []int
	if rule != nil {
		days = normalize(rule.DaysOfWeek, 0, 6)
	}
	if len(days) == 0 {
		return current.AddDate(0, 0, 7*rule.step())
	}

	wd := int(current.Weekday())
	for _, d := range days {
		if d > wd {
			return current.AddDate(0, 0, d-wd)
		}
	}
	return current.AddDate(0, 0, 7-wd+days[0])
}

func nextMonthly(current time.Time, rule *Rule) time.Time {
	var days []int
	if rule != nil {
		days = normalize(rule.DaysOfMonth, 1, 31)
	}
	if len(days) == 0 {
		return current.AddDate(0, rule.step(), 0)
	}

	y, m, day := current.Date()
	h, mi, s := current.Clock()
	ns := current.Nanosecond()
	loc := current.Location()

	for _, d := range days {
		if d > day {
			return time.Date(y, m, d, h, mi, s, ns, loc)
		}
	}
	return time.Date(y, m+1, days[0], h, mi, s, ns, loc)
}

// normalize drops out-of-range ordinals and returns a sorted, de-duplicated copy.
func normalize(in []int, lo, hi int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if v < lo || v > hi {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
