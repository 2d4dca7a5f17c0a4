// Package trust resolves agent trust queries across a paid API, a demo API,
// and a direct contract read, collapsing every outcome into one envelope
// shape callers can branch on without inspecting raw errors.
package trust

import (
	"github.com/robomoustach/trustoracle/internal/fallback"
)

// Status describes how the query resolved.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Verdict is the categorical reading of a score.
type Verdict string

const (
	VerdictTrusted   Verdict = "TRUSTED"
	VerdictCaution   Verdict = "CAUTION"
	VerdictDangerous Verdict = "DANGEROUS"
	VerdictUnknown   Verdict = "UNKNOWN"
)

// Recommendation is the action tier derived from a verdict.
type Recommendation string

const (
	RecommendProceed      Recommendation = "proceed"
	RecommendManualReview Recommendation = "manual_review"
	RecommendAbort        Recommendation = "abort"
)

// Source names where envelope data came from, or the last source attempted
// when nothing succeeded.
type Source string

const (
	SourcePaid     Source = "api_paid"
	SourceDemo     Source = "api_demo"
	SourceContract Source = "trustscore_contract"
)

// Kind selects the query shape.
type Kind string

const (
	KindScore  Kind = "score"
	KindReport Kind = "report"
)

// Envelope is the single response shape for every trust query.
type Envelope struct {
	Status         Status         `json:"status"`
	AgentID        string         `json:"agentId"`
	Score          *float64       `json:"score"`
	Confidence     *float64       `json:"confidence"`
	Verdict        Verdict        `json:"verdict"`
	Recommendation Recommendation `json:"recommendation"`
	Source         Source         `json:"source"`
	Fallback       fallback.Code  `json:"fallback,omitempty"`
	Error          string         `json:"error,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TimingMs       int64          `json:"timingMs"`
	Timestamp      string         `json:"timestamp"`
	CorrelationID  string         `json:"correlationId"`
}

// recommendationFor maps a verdict to its action tier.
func recommendationFor(v Verdict) Recommendation {
	switch v {
	case VerdictTrusted:
		return RecommendProceed
	case VerdictDangerous:
		return RecommendAbort
	default:
		return RecommendManualReview
	}
}
