package trust

import (
	"math"
	"time"

	"github.com/robomoustach/trustoracle/internal/trustscore"
)

// Shaper turns raw source payloads into envelopes.
type Shaper struct {
	// ConfidenceThreshold is the feedback count treated as full confidence.
	ConfidenceThreshold int

	// NegativeFlagThresholdBps marks a report flagged above this negative rate.
	NegativeFlagThresholdBps int

	// DisableNoHistoryMask keeps a literal zero score DANGEROUS instead of
	// folding it into UNKNOWN when confidence is zero. The mask can hide a
	// real all-negative record behind "no history"; this switch exists so
	// operators can opt out without a code change.
	DisableNoHistoryMask bool
}

// Raw is the normalized input to the shaper, whatever the source was.
type Raw struct {
	Score            *float64
	Confidence       *float64
	ConfidenceBand   string // "high", "low", or "none"
	TotalFeedback    *int
	PositiveFeedback *int
	Extras           map[string]any
}

// Shape builds a success envelope from one source's payload.
func (s Shaper) Shape(agentID string, raw Raw, source Source, elapsed time.Duration, correlationID string) Envelope {
	score := normalizeScore(raw.Score)
	confidence := s.deriveConfidence(raw)
	verdict := s.verdict(score, confidence, raw)

	return Envelope{
		Status:         StatusOK,
		AgentID:        agentID,
		Score:          score,
		Confidence:     confidence,
		Verdict:        verdict,
		Recommendation: recommendationFor(verdict),
		Source:         source,
		Data:           raw.Extras,
		TimingMs:       elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		CorrelationID:  correlationID,
	}
}

// ShapeReport builds the envelope for a contract-sourced detailed report.
// The contract stores only counters, so flagging and risk factors are
// re-derived locally.
func (s Shaper) ShapeReport(agentID string, report trustscore.Report, elapsed time.Duration, correlationID string) Envelope {
	total := int(report.TotalFeedback)
	positive := int(report.PositiveFeedback)
	negative := total - positive
	if negative < 0 {
		negative = 0
	}

	negativeRateBps := 0
	if total > 0 {
		negativeRateBps = int(math.Round(float64(negative) / float64(total) * 10000))
	}
	flagged := total > 0 && negativeRateBps > s.NegativeFlagThresholdBps

	var riskFactors []string
	if total < s.ConfidenceThreshold {
		riskFactors = append(riskFactors, "low_feedback_volume")
	}
	if flagged {
		riskFactors = append(riskFactors, "high_negative_feedback_ratio")
	}
	if report.Score < 500 {
		riskFactors = append(riskFactors, "low_trust_score")
	}

	score := float64(report.Score)
	return s.Shape(agentID, Raw{
		Score:            &score,
		TotalFeedback:    &total,
		PositiveFeedback: &positive,
		Extras: map[string]any{
			"totalFeedback":    total,
			"positiveFeedback": positive,
			"lastUpdated":      report.LastUpdated,
			"flagged":          flagged,
			"negativeRateBps":  negativeRateBps,
			"riskFactors":      riskFactors,
		},
	}, SourceContract, elapsed, correlationID)
}

// normalizeScore drops negative or missing scores to null.
func normalizeScore(score *float64) *float64 {
	if score == nil || *score < 0 || math.IsNaN(*score) {
		return nil
	}
	v := *score
	return &v
}

// deriveConfidence prefers an explicit value, then the feedback-count ratio,
// then a discrete band. The result is clamped to [0, 1] at four decimals.
func (s Shaper) deriveConfidence(raw Raw) *float64 {
	if raw.Confidence != nil {
		return clampConfidence(*raw.Confidence)
	}
	if raw.TotalFeedback != nil && s.ConfidenceThreshold > 0 {
		return clampConfidence(float64(*raw.TotalFeedback) / float64(s.ConfidenceThreshold))
	}
	switch raw.ConfidenceBand {
	case "high":
		return clampConfidence(1)
	case "low":
		return clampConfidence(0.4)
	case "none":
		return clampConfidence(0)
	}
	return nil
}

func clampConfidence(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	v = math.Round(v*10000) / 10000
	return &v
}

func (s Shaper) verdict(score, confidence *float64, raw Raw) Verdict {
	if score == nil {
		return VerdictUnknown
	}
	if *score == 0 && !s.DisableNoHistoryMask && s.noHistory(confidence, raw) {
		return VerdictUnknown
	}
	switch {
	case *score > 700:
		return VerdictTrusted
	case *score >= 400:
		return VerdictCaution
	default:
		return VerdictDangerous
	}
}

// noHistory reports whether a zero score means "never rated" rather than
// "rated badly": both counters zero, or confidence exactly zero.
func (s Shaper) noHistory(confidence *float64, raw Raw) bool {
	if raw.TotalFeedback != nil && raw.PositiveFeedback != nil &&
		*raw.TotalFeedback == 0 && *raw.PositiveFeedback == 0 {
		return true
	}
	return confidence != nil && *confidence == 0
}
