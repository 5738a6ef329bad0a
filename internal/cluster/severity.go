// Package cluster holds the lifecycle rules for exception clusters:
// severity banding and the status transition table. Storage backends
// consult these rules so both implementations agree.
package cluster

import (
	"strings"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// SeverityRules bands a cluster into a severity from its occurrence
// count and log level histogram. Recomputed on every upsert.
type SeverityRules struct {
	// CriticalCount and up, or any fatal-level occurrence, is critical.
	CriticalCount int64
	// HighCount and up, or any error-level occurrence past ErrorHighCount,
	// is high.
	HighCount      int64
	ErrorHighCount int64
	// MediumCount and up is medium. Below is low.
	MediumCount int64
}

// DefaultSeverityRules returns the default banding thresholds.
func DefaultSeverityRules() SeverityRules {
	return SeverityRules{
		CriticalCount:  1000,
		HighCount:      500,
		ErrorHighCount: 100,
		MediumCount:    10,
	}
}

// Compute derives the severity for a cluster. Level names are matched
// case-insensitively; unknown levels only contribute to count bands.
func (r SeverityRules) Compute(count int64, levels map[string]int64) models.Severity {
	var fatal, errs int64
	for level, n := range levels {
		switch strings.ToUpper(level) {
		case "FATAL", "PANIC", "EMERGENCY":
			fatal += n
		case "ERROR", "ERR", "SEVERE", "CRITICAL":
			errs += n
		}
	}

	switch {
	case fatal > 0 || count >= r.CriticalCount:
		return models.SeverityCritical
	case count >= r.HighCount || errs >= r.ErrorHighCount:
		return models.SeverityHigh
	case count >= r.MediumCount:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
