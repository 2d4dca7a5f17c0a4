// Package scoring computes trust scores from reputation feedback.
//
// The engine is a pure function over its inputs: same feedback set, config,
// and clock always produce the same result. The indexer relies on this to
// recompute scores idempotently, and the test suite relies on it byte for
// byte.
package scoring

import (
	"errors"
	"time"
)

// ErrInvalidFeedback is returned when an entry has no usable timestamp or
// sentiment. Bad input is fatal rather than skipped: a silently dropped
// entry would change the score without anyone noticing.
var ErrInvalidFeedback = errors.New("scoring: invalid feedback entry")

// Config holds the scoring knobs. Zero values are not valid; start from
// DefaultConfig and override.
type Config struct {
	// DecayWindowDays is the age boundary between recent and older feedback.
	// Fractional days are allowed.
	DecayWindowDays float64

	// RecentFeedbackWeight and OlderFeedbackWeight are the multiplicative
	// weights applied on either side of the decay boundary.
	RecentFeedbackWeight float64
	OlderFeedbackWeight  float64

	// ConfidenceThresholdFeedbackCount is the minimum number of feedback
	// entries before the confidence bonus applies.
	ConfidenceThresholdFeedbackCount int
	ConfidenceMultiplier             float64

	// RecentNegativeWindowDays bounds the window used to detect a recent
	// negative spike. Fractional days are allowed.
	RecentNegativeWindowDays float64

	// NegativeFlagThresholdBps flags an agent when the recent negative rate
	// strictly exceeds this many basis points.
	NegativeFlagThresholdBps int
	FlaggedScoreMultiplier   float64

	MaxScore int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DecayWindowDays:                  30,
		RecentFeedbackWeight:             2,
		OlderFeedbackWeight:              1,
		ConfidenceThresholdFeedbackCount: 50,
		ConfidenceMultiplier:             1.05,
		RecentNegativeWindowDays:         7,
		NegativeFlagThresholdBps:         2000,
		FlaggedScoreMultiplier:           0.9,
		MaxScore:                         1000,
	}
}

// Feedback is one rating event. Sentiment fields are checked in priority
// order: IsPositive when set, then the Sentiment label ("positive" or
// "negative", case-insensitive), then Rating (> 0 is positive). Timestamp
// fields likewise: At when non-zero, then Unix (seconds when < 1e12,
// otherwise milliseconds), then RFC3339. An entry with no usable sentiment
// or timestamp fails the whole computation with ErrInvalidFeedback.
type Feedback struct {
	IsPositive *bool
	Sentiment  string
	Rating     *float64

	At      time.Time
	Unix    float64
	RFC3339 string
}

// Positive builds an entry with an explicit sentiment at the given instant.
func Positive(at time.Time) Feedback { p := true; return Feedback{IsPositive: &p, At: at} }

// Negative builds a negative entry at the given instant.
func Negative(at time.Time) Feedback { p := false; return Feedback{IsPositive: &p, At: at} }

// Result is the full output of one computation. Score is the operative
// value; BaseScore and ConfidenceAdjustedScore are the rounded projections
// of the intermediate stages, kept for auditability.
type Result struct {
	Score                   int  `json:"score"`
	BaseScore               int  `json:"baseScore"`
	ConfidenceAdjustedScore int  `json:"confidenceAdjustedScore"`
	Flagged                 bool `json:"flagged"`
	TotalFeedback           int  `json:"totalFeedback"`
	PositiveFeedback        int  `json:"positiveFeedback"`
	RecentNegativeRateBps   int  `json:"recentNegativeRateBps"`
	RecentFeedbackCount     int  `json:"recentFeedbackCount"`
	ConfidenceApplied       bool `json:"confidenceApplied"`
}
