package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// LookAhead bounds how far NextRun searches before giving up on an expression.
const LookAhead = 8 * 24 * time.Hour

// parser accepts the standard five fields: minute hour day-of-month month day-of-week.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule reports whether expr is a valid five-field cron expression.
func ParseSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first instant strictly after now that matches expr's
// minute, hour and day-of-week fields. Day-of-month and month are validated
// but not evaluated. It never fails: a malformed expression yields the top of
// the next hour and no match inside LookAhead yields midnight of the next day.
func NextRun(expr string, now time.Time) time.Time {
	if err := ParseSchedule(expr); err != nil {
		return TopOfNextHour(now)
	}
	sched, err := parser.Parse(weekdaySchedule(expr))
	if err != nil {
		return TopOfNextHour(now)
	}
	next := sched.Next(now)
	if next.IsZero() || next.Sub(now) > LookAhead {
		return MidnightNextDay(now)
	}
	return next
}

// weekdaySchedule rewrites day-of-month and month to "*" so that a restricted
// day-of-month can never widen the day-of-week match.
func weekdaySchedule(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	fields[2], fields[3] = "*", "*"
	return strings.Join(fields, " ")
}

// TopOfNextHour truncates now to the hour and adds one hour.
func TopOfNextHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

// MidnightNextDay returns 00:00 of the day after now, in now's location.
func MidnightNextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
