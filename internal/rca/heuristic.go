package rca

import (
	"context"
	"fmt"
	"strings"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// HeuristicAnalyzer is the built-in rule-based analyzer. It produces a
// usable baseline analysis from the cluster shape and its samples; an
// LLM-backed Analyzer can be swapped in without touching the
// coordinator.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates the rule-based analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Analyze derives a root cause statement from the exception type, the
// top stack frame and the observed frequency.
func (a *HeuristicAnalyzer) Analyze(ctx context.Context, input AnalysisInput) (*models.RCARecord, error) {
	cl := input.Cluster

	frame := topFrame(input.Samples)
	rootCause := fmt.Sprintf("%s raised repeatedly", cl.ExceptionType)
	if frame != "" {
		rootCause = fmt.Sprintf("%s raised at %s", cl.ExceptionType, frame)
	}

	recommendations := []string{
		fmt.Sprintf("inspect the code path raising %s", cl.ExceptionType),
	}
	if frame != "" {
		recommendations = append(recommendations, "review recent changes around "+frame)
	}
	if cl.Severity == models.SeverityCritical || cl.Severity == models.SeverityHigh {
		recommendations = append(recommendations, "treat as release blocker given the occurrence rate")
	}

	// Confidence grows with evidence: more samples, known frame,
	// available code index.
	confidence := 0.3
	if len(input.Samples) >= 3 {
		confidence += 0.1
	}
	if frame != "" {
		confidence += 0.1
	}
	if input.CodeIndex != nil && input.CodeIndex.Status == models.IndexCompleted {
		confidence += 0.1
	}

	return &models.RCARecord{
		ConfidenceScore: confidence,
		RootCause:       rootCause,
		Recommendations: recommendations,
		Impact: &models.ImpactAnalysis{
			AffectedServices: cl.Services,
			UserImpact:       fmt.Sprintf("%d occurrences across %d service(s)", cl.Count, len(cl.Services)),
		},
	}, nil
}

// topFrame returns the first stack frame line of the newest sample.
func topFrame(samples []*models.LogSample) string {
	for _, sample := range samples {
		if sample.StackTrace == "" {
			continue
		}
		for _, line := range strings.Split(sample.StackTrace, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "at ") {
				return strings.TrimPrefix(line, "at ")
			}
			if strings.HasPrefix(line, "File \"") {
				return line
			}
		}
	}
	return ""
}
