package period

import (
	"testing"
	"time"

	engerrors "recurring-payments-engine/pkg/errors"
)

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(DefaultTimezone)
	if err != nil {
		t.Fatalf("failed to create period service: %v", err)
	}
	return s
}

func TestNewServiceRejectsUnknownTimezone(t *testing.T) {
	_, err := NewService("Mars/Olympus_Mons")
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if !engerrors.Is(err, engerrors.CodeInvalidConfig) {
		t.Errorf("expected invalid_config error, got %v", err)
	}
}

func TestPeriodKey(t *testing.T) {
	s := testService(t)

	tests := []struct {
		name     string
		input    time.Time
		expected string
	}{
		{
			"plain date",
			time.Date(2025, 3, 15, 12, 0, 0, 0, s.Location()),
			"2025-03",
		},
		{
			// 23:30 UTC on Jan 31 is already Feb 1 in Warsaw.
			"UTC time crossing month boundary",
			time.Date(2025, 1, 31, 23, 30, 0, 0, time.UTC),
			"2025-02",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.PeriodKey(tt.input); got != tt.expected {
				t.Errorf("PeriodKey = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestParsePeriodKey(t *testing.T) {
	s := testService(t)

	year, month, err := s.ParsePeriodKey("2025-11")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if year != 2025 || month != time.November {
		t.Errorf("ParsePeriodKey = (%d, %s), want (2025, November)", year, month)
	}

	for _, bad := range []string{"2025-13", "2025", "garbage", ""} {
		if _, _, err := s.ParsePeriodKey(bad); err == nil {
			t.Errorf("expected error for period key %q", bad)
		} else if !engerrors.Is(err, engerrors.CodeInvalidPeriodKey) {
			t.Errorf("expected invalid_period_key for %q, got %v", bad, err)
		}
	}
}

func TestExpectedDueDateClampsToMonthLength(t *testing.T) {
	s := testService(t)

	tests := []struct {
		periodKey string
		day       int
		expected  string
	}{
		{"2025-01", 15, "2025-01-15"},
		{"2025-02", 31, "2025-02-28"},
		{"2024-02", 31, "2024-02-29"},
		{"2025-04", 31, "2025-04-30"},
		{"2025-06", 0, "2025-06-01"},
	}
	for _, tt := range tests {
		due, err := s.ExpectedDueDate(tt.periodKey, tt.day)
		if err != nil {
			t.Fatalf("ExpectedDueDate(%s, %d): %v", tt.periodKey, tt.day, err)
		}
		if got := due.Format("2006-01-02"); got != tt.expected {
			t.Errorf("ExpectedDueDate(%s, %d) = %s, want %s", tt.periodKey, tt.day, got, tt.expected)
		}
	}
}

func TestDaysBetween(t *testing.T) {
	s := testService(t)
	loc := s.Location()

	tests := []struct {
		name     string
		a, b     time.Time
		expected int
	}{
		{
			"same day ignores time of day",
			time.Date(2025, 5, 10, 1, 0, 0, 0, loc),
			time.Date(2025, 5, 10, 23, 59, 0, 0, loc),
			0,
		},
		{
			"forward",
			time.Date(2025, 5, 10, 12, 0, 0, 0, loc),
			time.Date(2025, 5, 13, 3, 0, 0, 0, loc),
			3,
		},
		{
			"backward is negative",
			time.Date(2025, 5, 13, 0, 0, 0, 0, loc),
			time.Date(2025, 5, 10, 0, 0, 0, 0, loc),
			-3,
		},
		{
			// Warsaw enters DST on 2025-03-30; that month has a 23-hour day.
			"spans spring DST transition",
			time.Date(2025, 3, 1, 0, 0, 0, 0, loc),
			time.Date(2025, 4, 1, 0, 0, 0, 0, loc),
			31,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DaysBetween(tt.a, tt.b); got != tt.expected {
				t.Errorf("DaysBetween = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAddMonthsClampsDay(t *testing.T) {
	s := testService(t)
	loc := s.Location()

	tests := []struct {
		name     string
		input    time.Time
		months   int
		expected string
	}{
		{"jan 31 plus one month", time.Date(2025, 1, 31, 0, 0, 0, 0, loc), 1, "2025-02-28"},
		{"leap february", time.Date(2024, 1, 31, 0, 0, 0, 0, loc), 1, "2024-02-29"},
		{"year rollover", time.Date(2025, 11, 15, 0, 0, 0, 0, loc), 3, "2026-02-15"},
		{"negative across year", time.Date(2025, 2, 28, 0, 0, 0, 0, loc), -3, "2024-11-28"},
		{"zero months", time.Date(2025, 7, 4, 0, 0, 0, 0, loc), 0, "2025-07-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.AddMonths(tt.input, tt.months).Format("2006-01-02"); got != tt.expected {
				t.Errorf("AddMonths = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestPeriodKeyOffset(t *testing.T) {
	s := testService(t)
	base := time.Date(2025, 11, 30, 0, 0, 0, 0, s.Location())

	tests := []struct {
		offset   int
		expected string
	}{
		{0, "2025-11"},
		{1, "2025-12"},
		{2, "2026-01"},
		{-11, "2024-12"},
	}
	for _, tt := range tests {
		if got := s.PeriodKeyOffset(base, tt.offset); got != tt.expected {
			t.Errorf("PeriodKeyOffset(%d) = %s, want %s", tt.offset, got, tt.expected)
		}
	}
}

func TestDaysInMonth(t *testing.T) {
	tests := []struct {
		year     int
		month    time.Month
		expected int
	}{
		{2025, time.January, 31},
		{2025, time.February, 28},
		{2024, time.February, 29},
		{2025, time.April, 30},
		{2025, time.December, 31},
	}
	for _, tt := range tests {
		if got := DaysInMonth(tt.year, tt.month); got != tt.expected {
			t.Errorf("DaysInMonth(%d, %s) = %d, want %d", tt.year, tt.month, got, tt.expected)
		}
	}
}
