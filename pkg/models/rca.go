package models

import "time"

// RCARecord is the current root-cause analysis for a cluster. At most
// one current record exists per cluster; regeneration supersedes it.
type RCARecord struct {
	RCAID           string           `json:"rca_id"`
	ClusterID       string           `json:"cluster_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	ConfidenceScore float64          `json:"confidence_score"`
	RootCause       string           `json:"root_cause"`
	Recommendations []string         `json:"recommendations"`
	CodeSnippets    []CodeSnippet    `json:"code_snippets,omitempty"`
	Impact          *ImpactAnalysis  `json:"impact_analysis,omitempty"`
}

// CodeSnippet is a code reference attached to an RCA.
type CodeSnippet struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// ImpactAnalysis describes the blast radius of a cluster.
type ImpactAnalysis struct {
	AffectedServices []string `json:"affected_services"`
	UserImpact       string   `json:"user_impact,omitempty"`
	BusinessImpact   string   `json:"business_impact,omitempty"`
}

// RCAFeedback is an append-only quality signal against an RCA. It never
// mutates the record itself.
type RCAFeedback struct {
	ClusterID      string    `json:"cluster_id"`
	RCAID          string    `json:"rca_id"`
	IsHelpful      bool      `json:"is_helpful"`
	AccuracyRating *int      `json:"accuracy_rating,omitempty"`
	Comments       string    `json:"comments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
