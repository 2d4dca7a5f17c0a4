package scoring

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"
)

// fixed clock for deterministic tests
var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func nowMs() int64 { return now.UnixMilli() }

func ageDays(days float64) time.Time {
	return now.Add(-time.Duration(days * 24 * float64(time.Hour)))
}

func entries(positive, negative int, at time.Time) []Feedback {
	var fbs []Feedback
	for i := 0; i < positive; i++ {
		fbs = append(fbs, Positive(at))
	}
	for i := 0; i < negative; i++ {
		fbs = append(fbs, Negative(at))
	}
	return fbs
}

func TestEmptyFeedback(t *testing.T) {
	res, err := Compute(nil, DefaultConfig(), nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Result{}
	if res != want {
		t.Errorf("empty feedback = %+v, want zero result", res)
	}
}

func TestWeightedRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayWindowDays = 30
	cfg.RecentFeedbackWeight = 2
	cfg.OlderFeedbackWeight = 1
	cfg.ConfidenceThresholdFeedbackCount = 100
	cfg.FlaggedScoreMultiplier = 1
	cfg.NegativeFlagThresholdBps = 10000

	fbs := []Feedback{Positive(ageDays(40)), Negative(ageDays(2))}
	res, err := Compute(fbs, cfg, nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// weighted positives 1 / weighted total 3 * 1000
	if res.Score != 333 {
		t.Errorf("Score = %d, want 333", res.Score)
	}
	if res.TotalFeedback != 2 || res.PositiveFeedback != 1 {
		t.Errorf("counters = %d/%d, want 2/1", res.TotalFeedback, res.PositiveFeedback)
	}
}

func TestFractionalDecayWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayWindowDays = 0.5
	cfg.RecentFeedbackWeight = 2
	cfg.OlderFeedbackWeight = 1
	cfg.ConfidenceThresholdFeedbackCount = 100
	cfg.FlaggedScoreMultiplier = 1
	cfg.NegativeFlagThresholdBps = 10000

	// 6h old is inside the half-day window, 18h old is outside.
	fbs := []Feedback{Positive(ageDays(0.25)), Negative(ageDays(0.75))}
	res, err := Compute(fbs, cfg, nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// weighted positives 2 / weighted total 3 * 1000
	if res.Score != 667 {
		t.Errorf("Score = %d, want 667", res.Score)
	}
}

func TestConfidenceBonusAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentFeedbackWeight = 1
	cfg.OlderFeedbackWeight = 1
	cfg.ConfidenceThresholdFeedbackCount = 50
	cfg.ConfidenceMultiplier = 1.1
	cfg.FlaggedScoreMultiplier = 1
	cfg.NegativeFlagThresholdBps = 10000

	res, err := Compute(entries(30, 20, ageDays(10)), cfg, nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.BaseScore != 600 {
		t.Errorf("BaseScore = %d, want 600", res.BaseScore)
	}
	if !res.ConfidenceApplied {
		t.Error("ConfidenceApplied should be true at exactly the threshold")
	}
	if res.Score != 660 {
		t.Errorf("Score = %d, want 660", res.Score)
	}
}

func TestFlaggingPenalty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentNegativeWindowDays = 7
	cfg.NegativeFlagThresholdBps = 2000
	cfg.FlaggedScoreMultiplier = 0.8
	cfg.ConfidenceThresholdFeedbackCount = 999

	res, err := Compute(entries(5, 2, ageDays(1)), cfg, nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.BaseScore != 714 {
		t.Errorf("BaseScore = %d, want 714", res.BaseScore)
	}
	if !res.Flagged {
		t.Error("should be flagged at 2857 bps > 2000 bps")
	}
	if res.RecentNegativeRateBps != 2857 {
		t.Errorf("RecentNegativeRateBps = %d, want 2857", res.RecentNegativeRateBps)
	}
	if res.Score != 571 {
		t.Errorf("Score = %d, want 571", res.Score)
	}
}

func TestFlagThresholdIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NegativeFlagThresholdBps = 5000
	cfg.ConfidenceThresholdFeedbackCount = 999

	// Exactly 50% negative: 5000 bps, not strictly greater, no flag.
	res, err := Compute(entries(1, 1, ageDays(1)), cfg, nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Flagged {
		t.Error("exactly-at-threshold must not flag (strict >)")
	}
}

func TestTimestampShapes(t *testing.T) {
	at := ageDays(1)

	tests := []struct {
		name string
		fb   Feedback
	}{
		{"instant", Positive(at)},
		{"unix seconds", Feedback{IsPositive: boolPtr(true), Unix: float64(at.Unix())}},
		{"unix millis", Feedback{IsPositive: boolPtr(true), Unix: float64(at.UnixMilli())}},
		{"rfc3339", Feedback{IsPositive: boolPtr(true), RFC3339: at.Format(time.RFC3339)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Compute([]Feedback{tc.fb}, DefaultConfig(), nowMs())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Score != 1000 {
				t.Errorf("single recent positive should score 1000, got %d", res.Score)
			}
			if res.RecentFeedbackCount != 1 {
				t.Errorf("entry should land inside the recent window, count = %d", res.RecentFeedbackCount)
			}
		})
	}
}

func TestSentimentPriority(t *testing.T) {
	rating := -3.0
	at := ageDays(1)

	// Explicit flag wins over a contradicting label and rating.
	fb := Feedback{IsPositive: boolPtr(true), Sentiment: "negative", Rating: &rating, At: at}
	res, err := Compute([]Feedback{fb}, DefaultConfig(), nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PositiveFeedback != 1 {
		t.Error("explicit IsPositive flag should take priority")
	}

	// Label wins over rating.
	fb = Feedback{Sentiment: "NEGATIVE", Rating: boolToRating(true), At: at}
	res, err = Compute([]Feedback{fb}, DefaultConfig(), nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PositiveFeedback != 0 {
		t.Error("label should take priority over rating and be case-insensitive")
	}

	// Rating alone: zero is negative.
	zero := 0.0
	res, err = Compute([]Feedback{{Rating: &zero, At: at}}, DefaultConfig(), nowMs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PositiveFeedback != 0 {
		t.Error("rating of zero should count as negative")
	}
}

func TestInvalidFeedback(t *testing.T) {
	tests := []struct {
		name string
		fb   Feedback
	}{
		{"no timestamp", Feedback{IsPositive: boolPtr(true)}},
		{"no sentiment", Feedback{At: ageDays(1)}},
		{"bad rfc3339", Feedback{IsPositive: boolPtr(true), RFC3339: "yesterday"}},
		{"bad label", Feedback{Sentiment: "meh", At: ageDays(1)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compute([]Feedback{tc.fb}, DefaultConfig(), nowMs())
			if !errors.Is(err, ErrInvalidFeedback) {
				t.Errorf("error = %v, want ErrInvalidFeedback", err)
			}
		})
	}
}

func TestScoreBoundsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(8004))
	cfg := DefaultConfig()

	for trial := 0; trial < 200; trial++ {
		var fbs []Feedback
		n := rng.Intn(120)
		for i := 0; i < n; i++ {
			fbs = append(fbs, Feedback{
				IsPositive: boolPtr(rng.Intn(2) == 0),
				At:         ageDays(rng.Float64() * 90),
			})
		}

		res, err := Compute(fbs, cfg, nowMs())
		if err != nil {
			t.Fatalf("trial %d: unexpected error: %v", trial, err)
		}

		for _, s := range []int{res.Score, res.BaseScore, res.ConfidenceAdjustedScore} {
			if s < 0 || s > cfg.MaxScore {
				t.Fatalf("trial %d: score %d out of [0, %d]", trial, s, cfg.MaxScore)
			}
		}
		if res.PositiveFeedback > res.TotalFeedback {
			t.Fatalf("trial %d: positive %d > total %d", trial, res.PositiveFeedback, res.TotalFeedback)
		}
		if res.TotalFeedback != n {
			t.Fatalf("trial %d: total %d, want %d", trial, res.TotalFeedback, n)
		}
	}
}

func TestMonotonicityRecentPositive(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 100; trial++ {
		var fbs []Feedback
		for i := 0; i < rng.Intn(60)+1; i++ {
			fbs = append(fbs, Feedback{
				IsPositive: boolPtr(rng.Intn(3) > 0),
				At:         ageDays(rng.Float64() * 60),
			})
		}

		before, err := Compute(fbs, cfg, nowMs())
		if err != nil {
			t.Fatal(err)
		}
		after, err := Compute(append(fbs, Positive(ageDays(0.5))), cfg, nowMs())
		if err != nil {
			t.Fatal(err)
		}

		// Holding flagged fixed, one more recent positive never lowers the score.
		if before.Flagged == after.Flagged && after.Score < before.Score {
			t.Fatalf("trial %d: adding recent positive dropped score %d -> %d", trial, before.Score, after.Score)
		}
	}
}

func TestConfidenceIdempotentBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThresholdFeedbackCount = 50

	fbs := entries(20, 10, ageDays(5))

	withBonus, err := Compute(fbs, cfg, nowMs())
	if err != nil {
		t.Fatal(err)
	}

	cfg.ConfidenceMultiplier = 99
	withHugeBonus, err := Compute(fbs, cfg, nowMs())
	if err != nil {
		t.Fatal(err)
	}

	if withBonus.Score != withHugeBonus.Score {
		t.Errorf("multiplier leaked below threshold: %d vs %d", withBonus.Score, withHugeBonus.Score)
	}
	if withHugeBonus.ConfidenceApplied {
		t.Error("ConfidenceApplied should be false below threshold")
	}
}

func TestDeterminism(t *testing.T) {
	fbs := entries(13, 7, ageDays(3))
	fbs = append(fbs, entries(4, 9, ageDays(45))...)
	cfg := DefaultConfig()

	first, err := Compute(fbs, cfg, nowMs())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)

	for i := 0; i < 10; i++ {
		res, err := Compute(fbs, cfg, nowMs())
		if err != nil {
			t.Fatal(err)
		}
		b, _ := json.Marshal(res)
		if string(a) != string(b) {
			t.Fatalf("nondeterministic result: %s vs %s", a, b)
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func boolToRating(positive bool) *float64 {
	v := -1.0
	if positive {
		v = 1.0
	}
	return &v
}
