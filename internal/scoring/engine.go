package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	dayMs = 24 * 60 * 60 * 1000

	// Numeric timestamps below this are seconds since epoch, at or above it
	// milliseconds. 1e12 ms is 2001-09-09; 1e12 s is the year 33658.
	millisBoundary = 1e12
)

// Compute folds a feedback set into a Result at the given clock (epoch
// milliseconds). It never mutates its inputs and performs no I/O.
func Compute(feedbacks []Feedback, cfg Config, nowMs int64) (Result, error) {
	cutoffRecent := nowMs - int64(cfg.DecayWindowDays*dayMs)
	cutoffNeg := nowMs - int64(cfg.RecentNegativeWindowDays*dayMs)

	var (
		weightedTotal    float64
		weightedPositive float64
		res              Result
		recentNegative   int
	)

	for i, fb := range feedbacks {
		t, err := effectiveTimeMs(fb)
		if err != nil {
			return Result{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidFeedback, i, err)
		}
		positive, err := sentiment(fb)
		if err != nil {
			return Result{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidFeedback, i, err)
		}

		w := cfg.OlderFeedbackWeight
		if t >= cutoffRecent {
			w = cfg.RecentFeedbackWeight
		}
		weightedTotal += w
		if positive {
			weightedPositive += w
			res.PositiveFeedback++
		}
		res.TotalFeedback++

		if t >= cutoffNeg {
			res.RecentFeedbackCount++
			if !positive {
				recentNegative++
			}
		}
	}

	if weightedTotal == 0 {
		return Result{}, nil
	}

	baseRaw := weightedPositive / weightedTotal * float64(cfg.MaxScore)

	res.ConfidenceApplied = res.TotalFeedback >= cfg.ConfidenceThresholdFeedbackCount
	confidenceRaw := baseRaw
	if res.ConfidenceApplied {
		confidenceRaw = baseRaw * cfg.ConfidenceMultiplier
	}

	if res.RecentFeedbackCount > 0 {
		res.RecentNegativeRateBps = int(math.Round(float64(recentNegative) / float64(res.RecentFeedbackCount) * 10000))
	}
	res.Flagged = res.RecentFeedbackCount > 0 && res.RecentNegativeRateBps > cfg.NegativeFlagThresholdBps

	penalizedRaw := confidenceRaw
	if res.Flagged {
		penalizedRaw = confidenceRaw * cfg.FlaggedScoreMultiplier
	}

	res.BaseScore = roundClamp(baseRaw, cfg.MaxScore)
	res.ConfidenceAdjustedScore = roundClamp(confidenceRaw, cfg.MaxScore)
	res.Score = roundClamp(penalizedRaw, cfg.MaxScore)

	return res, nil
}

func roundClamp(v float64, max int) int {
	v = math.Max(0, math.Min(v, float64(max)))
	return int(math.Round(v))
}

// effectiveTimeMs derives the entry's instant in epoch milliseconds.
func effectiveTimeMs(fb Feedback) (int64, error) {
	switch {
	case !fb.At.IsZero():
		return fb.At.UnixMilli(), nil
	case fb.Unix != 0:
		if fb.Unix < millisBoundary {
			return int64(fb.Unix * 1000), nil
		}
		return int64(fb.Unix), nil
	case fb.RFC3339 != "":
		t, err := time.Parse(time.RFC3339, fb.RFC3339)
		if err != nil {
			return 0, fmt.Errorf("unparsable timestamp %q", fb.RFC3339)
		}
		return t.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("missing timestamp")
	}
}

// sentiment derives positivity: explicit flag, then label, then rating.
func sentiment(fb Feedback) (bool, error) {
	switch {
	case fb.IsPositive != nil:
		return *fb.IsPositive, nil
	case fb.Sentiment != "":
		switch strings.ToLower(fb.Sentiment) {
		case "positive":
			return true, nil
		case "negative":
			return false, nil
		default:
			return false, fmt.Errorf("unknown sentiment label %q", fb.Sentiment)
		}
	case fb.Rating != nil:
		return *fb.Rating > 0, nil
	default:
		return false, fmt.Errorf("missing sentiment")
	}
}
