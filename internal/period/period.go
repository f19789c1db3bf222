// Package period provides pure calendar arithmetic pinned to one fixed
// civil timezone.
//
// Period keys ("YYYY-MM") identify calendar months in the engine's
// reference timezone, so they stay stable no matter where the user travels
// or how the host clock is configured. The timezone is a constructor
// parameter, never package state, so tests can substitute any zone.
package period

import (
	"fmt"
	"math"
	"time"

	engerrors "recurring-payments-engine/pkg/errors"
)

// DefaultTimezone is the engine's reference civil timezone.
const DefaultTimezone = "Europe/Warsaw"

// KeyLayout is the wire format of a period key. It is persisted and must
// not change.
const KeyLayout = "2006-01"

// Service performs calendar arithmetic in a single fixed timezone. All
// methods are referentially transparent; the service holds no mutable
// state and performs no I/O.
type Service struct {
	loc *time.Location
}

// NewService creates a Service pinned to the named timezone.
func NewService(timezone string) (*Service, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, engerrors.Configuration("timezone", timezone).WithContext("cause", err.Error())
	}
	return &Service{loc: loc}, nil
}

// MustService creates a Service or panics. Intended for tests and for the
// default timezone, which is known to exist.
func MustService(timezone string) *Service {
	s, err := NewService(timezone)
	if err != nil {
		panic(err)
	}
	return s
}

// Location returns the fixed timezone the service operates in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// PeriodKey returns the "YYYY-MM" identifier of the calendar month
// containing t, evaluated in the service timezone.
func (s *Service) PeriodKey(t time.Time) string {
	return t.In(s.loc).Format(KeyLayout)
}

// ParsePeriodKey parses a "YYYY-MM" key into its year and month.
func (s *Service) ParsePeriodKey(key string) (int, time.Month, error) {
	t, err := time.ParseInLocation(KeyLayout, key, s.loc)
	if err != nil {
		return 0, 0, engerrors.New(engerrors.CategoryStructural, engerrors.CodeInvalidPeriodKey,
			fmt.Sprintf("invalid period key %q", key)).
			WithSuggestion("period keys use the YYYY-MM format").
			WithContext("key", key)
	}
	return t.Year(), t.Month(), nil
}

// ExpectedDueDate returns the due date for a period key and a day of month,
// clamping the day to the last valid day of that specific month (day 31 in
// a 30-day month yields day 30).
func (s *Service) ExpectedDueDate(periodKey string, dayOfMonth int) (time.Time, error) {
	year, month, err := s.ParsePeriodKey(periodKey)
	if err != nil {
		return time.Time{}, err
	}
	day := dayOfMonth
	if day < 1 {
		day = 1
	}
	if last := DaysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, s.loc), nil
}

// StartOfDay truncates t to midnight in the service timezone.
func (s *Service) StartOfDay(t time.Time) time.Time {
	year, month, day := t.In(s.loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, s.loc)
}

// DaysBetween returns the number of whole civil days from a to b, negative
// when b precedes a. Both are truncated to midnight first, so times of day
// never influence the count. Rounding absorbs the one-hour skew of DST
// transition days.
func (s *Service) DaysBetween(a, b time.Time) int {
	da := s.StartOfDay(a)
	db := s.StartOfDay(b)
	return int(math.Round(db.Sub(da).Hours() / 24))
}

// AddDays returns t shifted by n civil days.
func (s *Service) AddDays(t time.Time, n int) time.Time {
	return t.In(s.loc).AddDate(0, 0, n)
}

// AddMonths returns t shifted by n calendar months, clamping the day to the
// target month's length instead of letting the date overflow (Jan 31 plus
// one month is Feb 28/29, not Mar 2).
func (s *Service) AddMonths(t time.Time, n int) time.Time {
	in := t.In(s.loc)
	year, month, day := in.Date()

	totalMonths := int(month) - 1 + n
	newYear := year + totalMonths/12
	newMonth := time.Month(totalMonths%12 + 1)
	if totalMonths < 0 && totalMonths%12 != 0 {
		newYear--
		newMonth = time.Month(totalMonths%12 + 13)
	}

	if last := DaysInMonth(newYear, newMonth); day > last {
		day = last
	}
	return time.Date(newYear, newMonth, day,
		in.Hour(), in.Minute(), in.Second(), in.Nanosecond(), s.loc)
}

// PeriodKeyOffset returns the period key n months after (or before, when n
// is negative) the month containing t.
func (s *Service) PeriodKeyOffset(t time.Time, n int) string {
	return s.PeriodKey(s.AddMonths(s.StartOfDay(t), n))
}

// DaysInMonth returns the number of days in the given civil month.
func DaysInMonth(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
