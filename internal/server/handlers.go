package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/robomoustach/trustoracle/internal/agentid"
	"github.com/robomoustach/trustoracle/internal/history"
	"github.com/robomoustach/trustoracle/internal/logging"
	"github.com/robomoustach/trustoracle/internal/metrics"
	"github.com/robomoustach/trustoracle/internal/pagination"
	"github.com/robomoustach/trustoracle/internal/trustscore"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// scoreHandler serves GET /score/:agentId.
func (s *Server) scoreHandler(c *gin.Context) {
	report, id, ok := s.lookup(c)
	if !ok {
		return
	}

	resp := gin.H{
		"agentId":          id,
		"score":            float64(report.Score),
		"totalFeedback":    int(report.TotalFeedback),
		"positiveFeedback": int(report.PositiveFeedback),
		"lastUpdated":      int64(report.LastUpdated),
	}
	s.annotateDemo(c, resp)
	metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "ok").Inc()
	c.JSON(http.StatusOK, resp)
}

// reportHandler serves GET /report/:agentId with full derived analytics.
func (s *Server) reportHandler(c *gin.Context) {
	report, id, ok := s.lookup(c)
	if !ok {
		return
	}

	env := s.shaper.ShapeReport(id, report, 0, uuid.NewString())

	resp := gin.H{
		"agentId":    id,
		"score":      env.Score,
		"confidence": env.Confidence,
		"verdict":    env.Verdict,
	}
	for k, v := range env.Data {
		resp[k] = v
	}
	s.annotateDemo(c, resp)
	metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "ok").Inc()
	c.JSON(http.StatusOK, resp)
}

// historyHandler serves GET /history/:agentId from the snapshot store.
func (s *Server) historyHandler(c *gin.Context) {
	id, err := agentid.Parse(c.Param("agentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_agent_id",
			"message": err.Error(),
		})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit),
			})
			return
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not a valid page token",
		})
		return
	}

	q := history.Query{
		AgentID: id.String(),
		Limit:   limit + 1, // one extra row decides has_more
	}
	if cursor != nil {
		q.Before = cursor.CreatedAt
	}

	snaps, err := s.histories.History(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("history query failed", "agentId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load score history",
		})
		return
	}

	snaps, nextCursor, hasMore := pagination.ComputePage(snaps, limit, func(s *history.Snapshot) (time.Time, int64) {
		return s.CreatedAt, int64(s.ID)
	})
	if snaps == nil {
		snaps = []*history.Snapshot{}
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId":    id.String(),
		"snapshots":  snaps,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// lookup resolves the agent path parameter and reads its contract report.
// On failure it writes the error response and returns ok=false.
func (s *Server) lookup(c *gin.Context) (trustscore.Report, string, bool) {
	id, err := agentid.Parse(c.Param("agentId"))
	if err != nil {
		metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "invalid_agent_id").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_agent_id",
			"message": err.Error(),
		})
		return trustscore.Report{}, "", false
	}

	if s.reader == nil {
		metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "error").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "oracle_unavailable",
			"message": "Contract reader is not configured",
		})
		return trustscore.Report{}, "", false
	}

	report, err := s.reader.DetailedReport(c.Request.Context(), id.BigInt())
	if err != nil {
		logging.L(c.Request.Context()).Error("contract read failed", "agentId", id, "error", err)
		metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "oracle_unavailable",
			"message": "Failed to read the TrustScore contract",
		})
		return trustscore.Report{}, "", false
	}
	if !report.Exists {
		metrics.ScoreLookupsTotal.WithLabelValues(tierOf(c), "agent_not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "agent_not_found",
			"message": "No score recorded for this agent",
		})
		return trustscore.Report{}, "", false
	}

	return report, id.String(), true
}

func (s *Server) annotateDemo(c *gin.Context, resp gin.H) {
	if c.Query("demo") == "true" {
		resp["demo"] = true
		resp["note"] = "Demo tier. Paid lookups return the same data without rate limits."
	}
}

func tierOf(c *gin.Context) string {
	if c.Query("demo") == "true" {
		return "demo"
	}
	return "paid"
}

// healthHandler serves GET /healthz by running all registered checkers.
func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "trustoracle",
		"description": "ERC-8004 reputation oracle for AI agents",
		"version":     "0.1.0",
		"chain":       "base",
		"chainId":     s.cfg.ChainID,
		"endpoints": gin.H{
			"score":   "/score/:agentId (paid, or ?demo=true)",
			"report":  "/report/:agentId (paid, or ?demo=true)",
			"history": "/history/:agentId",
		},
	})
}
