// Package schedule describes recurring run times and computes the next run.
// All arithmetic is in UTC.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Type string

const (
	Daily   Type = "daily"
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// MaxMonthDay caps monthly runs so every month has the day.
const MaxMonthDay = 28

var ErrInvalidSchedule = errors.New("invalid schedule")

// Periodicity is a recurring schedule. Day is the weekday for weekly runs
// (Monday=0 .. Sunday=6) and the day of month for monthly runs.
type Periodicity struct {
	Type Type `json:"type" yaml:"type"`
	Hour int  `json:"hour" yaml:"hour"`
	Day  *int `json:"day,omitempty" yaml:"day,omitempty"`
}

// Validate checks ranges for the periodicity type.
func (p Periodicity) Validate() error {
	switch p.Type {
	case Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("%w: type must be daily, weekly or monthly, got %q", ErrInvalidSchedule, p.Type)
	}

	if p.Hour < 0 || p.Hour > 23 {
		return fmt.Errorf("%w: hour must be 0-23, got %d", ErrInvalidSchedule, p.Hour)
	}

	switch p.Type {
	case Weekly:
		if p.Day == nil || *p.Day < 0 || *p.Day > 6 {
			return fmt.Errorf("%w: weekly day must be 0-6 (Monday=0)", ErrInvalidSchedule)
		}
	case Monthly:
		if p.Day == nil || *p.Day < 1 || *p.Day > MaxMonthDay {
			return fmt.Errorf("%w: monthly day must be 1-%d", ErrInvalidSchedule, MaxMonthDay)
		}
	}
	return nil
}

// Parse builds a validated Periodicity from loosely typed input such as
// decoded JSON or YAML numbers. Fractional values are rejected.
func Parse(typ string, hour float64, day *float64) (Periodicity, error) {
	h, ok := wholeNumber(hour)
	if !ok {
		return Periodicity{}, fmt.Errorf("%w: hour must be an integer, got %v", ErrInvalidSchedule, hour)
	}

	p := Periodicity{Type: Type(typ), Hour: h}
	if day != nil {
		d, ok := wholeNumber(*day)
		if !ok {
			return Periodicity{}, fmt.Errorf("%w: day must be an integer, got %v", ErrInvalidSchedule, *day)
		}
		p.Day = &d
	}

	if err := p.Validate(); err != nil {
		return Periodicity{}, err
	}
	return p, nil
}

func wholeNumber(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// CalculateNextRun returns the first run time strictly after now. Unknown
// types behave as daily.
func CalculateNextRun(p Periodicity, now time.Time) time.Time {
	now = now.UTC()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), p.Hour, 0, 0, 0, time.UTC)

	switch p.Type {
	case Weekly:
		target := goWeekday(p.dayOr(0))
		for candidate.Weekday() != target || !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	case Monthly:
		day := min(p.dayOr(1), MaxMonthDay)
		candidate = time.Date(now.Year(), now.Month(), day, p.Hour, 0, 0, 0, time.UTC)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 1, 0)
		}
	default:
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate
}

func (p Periodicity) dayOr(def int) int {
	if p.Day == nil {
		return def
	}
	return *p.Day
}

// goWeekday converts Monday=0 numbering to time.Weekday.
func goWeekday(d int) time.Weekday {
	return time.Weekday((d + 1) % 7)
}

var weekdayNames = [...]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func (p Periodicity) String() string {
	switch p.Type {
	case Weekly:
		d := p.dayOr(0)
		name := "?"
		if d >= 0 && d < len(weekdayNames) {
			name = weekdayNames[d]
		}
		return fmt.Sprintf("weekly on %s at %02d:00 UTC", name, p.Hour)
	case Monthly:
		return fmt.Sprintf("monthly on day %d at %02d:00 UTC", p.dayOr(1), p.Hour)
	default:
		return fmt.Sprintf("daily at %02d:00 UTC", p.Hour)
	}
}

// IntPtr is a convenience for building periodicities in code.
func IntPtr(v int) *int {
	return &v
}
