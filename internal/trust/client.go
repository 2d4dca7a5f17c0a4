package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robomoustach/trustoracle/internal/agentid"
	"github.com/robomoustach/trustoracle/internal/fallback"
	"github.com/robomoustach/trustoracle/internal/traces"
	"github.com/robomoustach/trustoracle/internal/trustscore"
	"github.com/robomoustach/trustoracle/internal/wallet"
	"github.com/robomoustach/trustoracle/pkg/x402"
)

// DefaultTimeout bounds one HTTP source attempt.
const DefaultTimeout = 8 * time.Second

// DefaultBaseURL is the production oracle API.
const DefaultBaseURL = "https://robomoustach.io"

var fallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trustoracle",
	Subsystem: "trust",
	Name:      "fallbacks_total",
	Help:      "Source attempts that returned a fallback code, by source and code.",
}, []string{"source", "code"})

func init() {
	prometheus.MustRegister(fallbacksTotal)
}

// Fetcher executes one HTTP request. The paid path uses an x402-wrapped
// client that settles 402 challenges; the demo path uses a plain client.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ContractReader is the on-chain read surface the client falls back to.
type ContractReader interface {
	DetailedReport(ctx context.Context, agentID *big.Int) (trustscore.Report, error)
}

// Options configures a Client.
type Options struct {
	BaseURL              string
	DefaultMode          Source
	AllowDemoFallback    bool
	AllowOnchainFallback bool
	Timeout              time.Duration
	Shaper               Shaper
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:              DefaultBaseURL,
		DefaultMode:          SourcePaid,
		AllowDemoFallback:    true,
		AllowOnchainFallback: true,
		Timeout:              DefaultTimeout,
		Shaper: Shaper{
			ConfidenceThreshold:      50,
			NegativeFlagThresholdBps: 2000,
		},
	}
}

// Client resolves trust queries with sequential source fallback. It is safe
// for concurrent use; the paid fetcher is built once on first use and never
// mutated afterwards.
type Client struct {
	opts   Options
	demo   Fetcher
	reader ContractReader
	logger *slog.Logger

	paidOnce  sync.Once
	paid      Fetcher
	paidBuild func() (Fetcher, error)
	paidErr   error
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithPaidFetcher installs an eagerly-built paid fetcher.
func WithPaidFetcher(f Fetcher) ClientOption {
	return func(c *Client) {
		c.paidBuild = func() (Fetcher, error) { return f, nil }
	}
}

// WithLazyPaidFetcher defers paid fetcher construction (wallet dial, key
// load) to the first paid attempt.
func WithLazyPaidFetcher(build func() (Fetcher, error)) ClientOption {
	return func(c *Client) { c.paidBuild = build }
}

// WithPayer builds the paid fetcher from a settling wallet. maxAtomic caps
// each payment in USDC atomic units; zero means uncapped.
func WithPayer(p wallet.Payer, maxAtomic int64) ClientOption {
	return func(c *Client) {
		c.paidBuild = func() (Fetcher, error) {
			xc := x402.NewClient(p)
			xc.MaxPaymentAtomic = maxAtomic
			return xc, nil
		}
	}
}

// WithDemoFetcher overrides the plain HTTP client used for demo calls.
func WithDemoFetcher(f Fetcher) ClientOption {
	return func(c *Client) { c.demo = f }
}

// NewClient creates a trust client. reader may be nil when on-chain fallback
// is disabled.
func NewClient(opts Options, reader ContractReader, logger *slog.Logger, copts ...ClientOption) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = SourcePaid
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	c := &Client{
		opts:   opts,
		demo:   &http.Client{},
		reader: reader,
		logger: logger,
	}
	for _, opt := range copts {
		opt(c)
	}
	if c.paidBuild == nil {
		demo := c.demo
		c.paidBuild = func() (Fetcher, error) { return demo, nil }
	}
	return c
}

// Score resolves a score query using the client's default mode.
func (c *Client) Score(ctx context.Context, rawAgentID string) Envelope {
	return c.Query(ctx, KindScore, rawAgentID, c.opts.DefaultMode)
}

// Report resolves a detailed report query using the client's default mode.
func (c *Client) Report(ctx context.Context, rawAgentID string) Envelope {
	return c.Query(ctx, KindReport, rawAgentID, c.opts.DefaultMode)
}

// Query resolves one (kind, agentId) lookup in the given mode. Sources are
// attempted strictly in sequence; a failure is classified and the walk
// continues. No raw error ever crosses this boundary.
func (c *Client) Query(ctx context.Context, kind Kind, rawAgentID string, mode Source) Envelope {
	start := time.Now()
	correlationID := uuid.NewString()

	ctx, span := traces.StartSpan(ctx, "trust.query",
		attribute.String("trust.kind", string(kind)),
		attribute.String("trust.mode", string(mode)),
		attribute.String("trust.correlation_id", correlationID),
	)
	defer span.End()

	sequence := c.sourceSequence(mode)

	id, err := agentid.Parse(rawAgentID)
	if err != nil {
		return c.failure(rawAgentID, sequence[0], fallback.InvalidAgentID,
			StatusError, err.Error(), start, correlationID)
	}
	agentID := id.String()
	span.SetAttributes(traces.AgentID(agentID))

	var firstFailure, lastFailure fallback.Code
	var lastErr string
	lastSource := sequence[0]
	for _, source := range sequence {
		if ctx.Err() != nil {
			break
		}
		lastSource = source

		raw, code, message := c.attempt(ctx, source, kind, id)
		if code == fallback.None {
			env := c.shape(agentID, source, raw, start, correlationID)
			if firstFailure != fallback.None {
				env.Status = StatusDegraded
				env.Fallback = firstFailure
				env.Error = lastErr
			}
			span.SetAttributes(traces.Source(string(source)), traces.Verdict(string(env.Verdict)))
			return env
		}

		fallbacksTotal.WithLabelValues(string(source), string(code)).Inc()
		c.logger.Warn("trust source failed",
			"source", source, "fallback", code, "agentId", agentID,
			"correlationId", correlationID, "error", message)
		if firstFailure == fallback.None {
			firstFailure = code
			lastErr = message
		}
		lastFailure = code
	}

	if lastFailure == fallback.None {
		// The walk ended before any source failed: the caller's context
		// expired. A degraded envelope always carries a code.
		lastFailure = fallback.APITimeout
	}
	status := StatusDegraded
	if lastFailure == fallback.AgentNotFound {
		status = StatusError
	}
	span.SetAttributes(traces.Source(string(lastSource)), traces.Verdict(string(VerdictUnknown)))
	return c.failure(agentID, lastSource, lastFailure, status,
		fmt.Sprintf("all sources failed, last: %s", lastFailure), start, correlationID)
}

// sourceSequence orders the sources to try for one query mode.
func (c *Client) sourceSequence(mode Source) []Source {
	switch mode {
	case SourceContract:
		return []Source{SourceContract}
	case SourceDemo:
		seq := []Source{SourceDemo}
		if c.opts.AllowOnchainFallback {
			seq = append(seq, SourceContract)
		}
		return seq
	default:
		seq := []Source{SourcePaid}
		if c.opts.AllowDemoFallback {
			seq = append(seq, SourceDemo)
		}
		if c.opts.AllowOnchainFallback {
			seq = append(seq, SourceContract)
		}
		return seq
	}
}

// attempted payload of one source; contractReport is set for contract reads.
type rawResult struct {
	api            *apiPayload
	contractReport *trustscore.Report
}

// apiPayload is the oracle API's response shape for both query kinds.
type apiPayload struct {
	AgentID          string          `json:"agentId"`
	Score            *float64        `json:"score"`
	Confidence       *float64        `json:"confidence"`
	ConfidenceBand   string          `json:"confidenceBand"`
	TotalFeedback    *int            `json:"totalFeedback"`
	PositiveFeedback *int            `json:"positiveFeedback"`
	LastUpdated      *int64          `json:"lastUpdated"`
	RecentTrend      string          `json:"recentTrend"`
	Flagged          *bool           `json:"flagged"`
	RiskFactors      []string        `json:"riskFactors"`
	NegativeRateBps  *int            `json:"negativeRateBps"`
	Demo             bool            `json:"demo"`
	Note             string          `json:"note"`
	Meta             json.RawMessage `json:"meta"`
}

// attempt runs one source call. A nil fallback code means success.
func (c *Client) attempt(ctx context.Context, source Source, kind Kind, id agentid.ID) (rawResult, fallback.Code, string) {
	if source == SourceContract {
		if c.reader == nil {
			return rawResult{}, fallback.OracleUnavailable, "no contract reader configured"
		}
		// Contract reads get the same per-attempt bound as HTTP sources.
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		report, err := c.reader.DetailedReport(ctx, id.BigInt())
		if err != nil {
			return rawResult{}, fallback.ClassifyContract(err), err.Error()
		}
		if !report.Exists {
			return rawResult{}, fallback.AgentNotFound, "agent has no on-chain record"
		}
		return rawResult{contractReport: &report}, fallback.None, ""
	}

	payload, code, message := c.fetch(ctx, source, kind, id)
	if code != fallback.None {
		return rawResult{}, code, message
	}
	return rawResult{api: payload}, fallback.None, ""
}

// fetch performs one single-shot HTTP attempt, bounded by the configured
// timeout. There are no per-source retries; fallback is the retry.
func (c *Client) fetch(ctx context.Context, source Source, kind Kind, id agentid.ID) (*apiPayload, fallback.Code, string) {
	url := fmt.Sprintf("%s/%s/%s", c.opts.BaseURL, kind, id)
	if source == SourceDemo {
		url += "?demo=true"
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fallback.OracleUnavailable, err.Error()
	}
	req.Header.Set("Accept", "application/json")

	fetcher := c.demo
	if source == SourcePaid {
		fetcher, err = c.paidFetcher()
		if err != nil {
			return nil, fallback.PaymentUnavailable, err.Error()
		}
	}

	resp, err := fetcher.Do(req)
	if err != nil {
		return nil, fallback.ClassifyHTTP(0, err), err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fallback.ClassifyHTTP(resp.StatusCode, nil),
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)
	}

	var payload apiPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fallback.OracleUnavailable, fmt.Sprintf("decode response: %v", err)
	}
	return &payload, fallback.None, ""
}

// paidFetcher builds the payment-capable fetcher on first use.
func (c *Client) paidFetcher() (Fetcher, error) {
	c.paidOnce.Do(func() {
		c.paid, c.paidErr = c.paidBuild()
	})
	return c.paid, c.paidErr
}

func (c *Client) shape(agentID string, source Source, raw rawResult, start time.Time, correlationID string) Envelope {
	elapsed := time.Since(start)
	if raw.contractReport != nil {
		return c.opts.Shaper.ShapeReport(agentID, *raw.contractReport, elapsed, correlationID)
	}

	p := raw.api
	extras := map[string]any{}
	if p.TotalFeedback != nil {
		extras["totalFeedback"] = *p.TotalFeedback
	}
	if p.PositiveFeedback != nil {
		extras["positiveFeedback"] = *p.PositiveFeedback
	}
	if p.LastUpdated != nil {
		extras["lastUpdated"] = *p.LastUpdated
	}
	if p.Flagged != nil {
		extras["flagged"] = *p.Flagged
	}
	if p.RiskFactors != nil {
		extras["riskFactors"] = p.RiskFactors
	}
	if p.NegativeRateBps != nil {
		extras["negativeRateBps"] = *p.NegativeRateBps
	}
	if p.RecentTrend != "" {
		extras["recentTrend"] = p.RecentTrend
	}
	if p.Note != "" {
		extras["note"] = p.Note
	}
	if p.Demo {
		extras["demo"] = true
	}
	if len(extras) == 0 {
		extras = nil
	}

	return c.opts.Shaper.Shape(agentID, Raw{
		Score:            p.Score,
		Confidence:       p.Confidence,
		ConfidenceBand:   p.ConfidenceBand,
		TotalFeedback:    p.TotalFeedback,
		PositiveFeedback: p.PositiveFeedback,
		Extras:           extras,
	}, source, elapsed, correlationID)
}

func (c *Client) failure(agentID string, source Source, code fallback.Code, status Status,
	message string, start time.Time, correlationID string) Envelope {
	return Envelope{
		Status:         status,
		AgentID:        agentID,
		Score:          nil,
		Confidence:     nil,
		Verdict:        VerdictUnknown,
		Recommendation: RecommendManualReview,
		Source:         source,
		Fallback:       code,
		Error:          message,
		TimingMs:       time.Since(start).Milliseconds(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		CorrelationID:  correlationID,
	}
}
