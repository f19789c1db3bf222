package integrity

import (
	"fmt"
)

// SplitConfig holds the automatic-migration gates. The defaults are fixed
// product heuristics; they are kept as named, overridable values rather than
// re-derived.
type SplitConfig struct {
	// MinDocumentsPerBucket is how many linked documents every amount
	// bucket must hold before a split is applied automatically. A single
	// outlier document must not fragment a template.
	MinDocumentsPerBucket int `json:"min_documents_per_bucket"`

	// MinAverageSeparationPercent is how far apart (as a percentage of the
	// lower one) the lowest and highest bucket averages must be before a
	// split is applied automatically.
	MinAverageSeparationPercent float64 `json:"min_average_separation_percent"`
}

// DefaultSplitConfig returns the production configuration.
func DefaultSplitConfig() *SplitConfig {
	return &SplitConfig{
		MinDocumentsPerBucket:       2,
		MinAverageSeparationPercent: 50.0,
	}
}

// Validate checks the configuration.
func (c *SplitConfig) Validate() error {
	if c.MinDocumentsPerBucket < 1 {
		return fmt.Errorf("minimum documents per bucket must be at least 1: %d", c.MinDocumentsPerBucket)
	}
	if c.MinAverageSeparationPercent < 0 {
		return fmt.Errorf("average separation cannot be negative: %f", c.MinAverageSeparationPercent)
	}
	return nil
}
