package templates

import (
	"fmt"
)

// Config holds the template store's heuristic constants. The fuzzy-match
// bands are fixed product heuristics; they are kept as named, overridable
// values rather than re-derived.
type Config struct {
	// DefaultToleranceDays is the due-date tolerance applied to templates
	// created without an explicit tolerance.
	DefaultToleranceDays int `json:"default_tolerance_days"`

	// DefaultReminderOffsets are the reminder offsets (days before due)
	// applied to templates created without explicit offsets.
	DefaultReminderOffsets []int `json:"default_reminder_offsets"`

	// AutoMatchMaxDeviationPercent is the upper bound of the auto-match
	// band: an amount deviating at most this much from a template's
	// learned range binds without a user prompt.
	AutoMatchMaxDeviationPercent float64 `json:"auto_match_max_deviation_percent"`

	// ConfirmMaxDeviationPercent is the upper bound of the
	// needs-confirmation band; deviations beyond it are treated as a
	// different obligation entirely.
	ConfirmMaxDeviationPercent float64 `json:"confirm_max_deviation_percent"`
}

// DefaultConfig returns the production configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultToleranceDays:         3,
		DefaultReminderOffsets:       []int{7, 1},
		AutoMatchMaxDeviationPercent: 30.0,
		ConfirmMaxDeviationPercent:   50.0,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultToleranceDays < 0 {
		return fmt.Errorf("default tolerance days cannot be negative: %d", c.DefaultToleranceDays)
	}
	if c.AutoMatchMaxDeviationPercent < 0 {
		return fmt.Errorf("auto-match deviation bound cannot be negative: %f", c.AutoMatchMaxDeviationPercent)
	}
	if c.ConfirmMaxDeviationPercent < c.AutoMatchMaxDeviationPercent {
		return fmt.Errorf("confirmation band (%f) cannot end below the auto-match band (%f)",
			c.ConfirmMaxDeviationPercent, c.AutoMatchMaxDeviationPercent)
	}
	for _, offset := range c.DefaultReminderOffsets {
		if offset < 0 {
			return fmt.Errorf("reminder offset cannot be negative: %d", offset)
		}
	}
	return nil
}
