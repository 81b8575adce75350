package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/cache"
	"github.com/alphawhale/guardian/internal/logging"
	"github.com/alphawhale/guardian/internal/pagination"
	"github.com/alphawhale/guardian/internal/risk"
)

const apiVersion = "v1"

// envelope wraps every v1 response body
func envelope(data interface{}) gin.H {
	return gin.H{
		"apiVersion": apiVersion,
		"data":       data,
		"ts":         time.Now().UTC().Format(time.RFC3339),
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"apiVersion": apiVersion,
		"error":      code,
		"message":    message,
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := http.StatusOK
	state := "healthy"
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":     state,
		"chain":      s.cfg.Chain,
		"subsystems": statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "guardian",
		"version": apiVersion,
		"chain":   s.cfg.Chain,
		"endpoints": []string{
			"GET /v1/wallets/:address/approvals",
			"GET /v1/wallets/:address/snapshot",
			"GET /v1/wallets/:address/actions",
			"GET /v1/wallets/:address/history",
			"POST /v1/score",
			"POST /v1/events",
			"GET /v1/policy/weights",
			"PUT /v1/policy/weights",
			"GET /ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Wallet views
// -----------------------------------------------------------------------------

func (s *Server) getApprovals(c *gin.Context) {
	wallet := c.Param("address")

	risks, err := s.aggregates.GetApprovals(c.Request.Context(), wallet)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get approvals", "wallet", wallet, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to compute approvals")
		return
	}

	c.JSON(http.StatusOK, envelope(gin.H{
		"wallet":    strings.ToLower(wallet),
		"approvals": risks,
		"count":     len(risks),
	}))
}

func (s *Server) getSnapshot(c *gin.Context) {
	wallet := c.Param("address")

	snap, err := s.aggregates.GetSnapshot(c.Request.Context(), wallet)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get snapshot", "wallet", wallet, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to compute snapshot")
		return
	}

	c.JSON(http.StatusOK, envelope(snap))
}

func (s *Server) getActions(c *gin.Context) {
	wallet := c.Param("address")

	actions, err := s.aggregates.GetActions(c.Request.Context(), wallet)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get actions", "wallet", wallet, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to compute actions")
		return
	}

	c.JSON(http.StatusOK, envelope(gin.H{
		"wallet":  strings.ToLower(wallet),
		"actions": actions,
		"count":   len(actions),
	}))
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// getHistory returns historical risk snapshots for a wallet, newest first,
// with cursor pagination.
func (s *Server) getHistory(c *gin.Context) {
	wallet := c.Param("address")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	q := risk.HistoryQuery{
		Wallet: wallet,
		Chain:  s.cfg.Chain,
		Limit:  limit + 1, // fetch one extra to detect more pages
	}

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		q.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}
		q.To = t
	}

	// Cursor narrows the window: results strictly older than the cursor.
	if raw := c.Query("cursor"); raw != "" {
		cur, err := pagination.Decode(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
			return
		}
		if q.To.IsZero() || cur.CreatedAt.Before(q.To) {
			// To is inclusive; step back so the cursor row is excluded.
			q.To = cur.CreatedAt.Add(-time.Nanosecond)
		}
	}

	snaps, err := s.snapshots.Query(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("history query failed", "wallet", wallet, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to query history")
		return
	}

	page, nextCursor, hasMore := pagination.ComputePage(snaps, limit, func(sn *risk.Snapshot) (time.Time, string) {
		return sn.CreatedAt, sn.ID
	})

	c.JSON(http.StatusOK, envelope(gin.H{
		"wallet":     strings.ToLower(wallet),
		"snapshots":  page,
		"count":      len(page),
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	}))
}

// -----------------------------------------------------------------------------
// Scoring
// -----------------------------------------------------------------------------

// scoreApproval computes risk for a single approval without persisting it.
// Factor values may be supplied directly; otherwise they are derived from
// the raw signals on the record.
func (s *Server) scoreApproval(c *gin.Context) {
	var rec approval.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "request body must be an approval record")
		return
	}

	if rec.Wallet == "" || rec.Token == "" || rec.Spender == "" {
		respondError(c, http.StatusBadRequest, "missing_fields", "wallet, token and spender are required")
		return
	}
	if rec.Chain == "" {
		rec.Chain = s.cfg.Chain
	}

	if err := rec.ValidateFactors(); err != nil {
		s.normalizer.Normalize(&rec)
	}

	result, err := s.aggregates.ScoreApproval(c.Request.Context(), &rec)
	if err != nil {
		var incomplete *approval.IncompleteRecordError
		if errors.As(err, &incomplete) {
			respondError(c, http.StatusUnprocessableEntity, "incomplete_record", err.Error())
			return
		}
		logging.L(c.Request.Context()).Error("scoring failed", "wallet", rec.Wallet, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to score approval")
		return
	}

	c.JSON(http.StatusOK, envelope(result))
}

// -----------------------------------------------------------------------------
// Cache events
// -----------------------------------------------------------------------------

type eventRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Wallet string `json:"wallet"`
}

func (s *Server) postEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "kind is required")
		return
	}

	ev := cache.Event{Kind: cache.EventKind(req.Kind), Wallet: req.Wallet}

	purged, err := s.aggregates.ApplyEvent(c.Request.Context(), ev)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	c.JSON(http.StatusOK, envelope(gin.H{
		"kind":   req.Kind,
		"purged": purged,
	}))
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

func (s *Server) getWeights(c *gin.Context) {
	c.JSON(http.StatusOK, envelope(gin.H{
		"weights":           s.aggregates.Scorer().Weights(),
		"trustFloor":        s.aggregates.Scorer().TrustFloor(),
		"verifiedOperators": s.aggregates.Scorer().VerifiedOperators(),
	}))
}

// putWeights replaces the scoring weights and purges all policy-derived
// cache entries.
func (s *Server) putWeights(c *gin.Context) {
	var weights risk.FactorWeights
	if err := c.ShouldBindJSON(&weights); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "request body must be factor weights")
		return
	}

	if err := s.aggregates.UpdateWeights(c.Request.Context(), weights); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_weights", err.Error())
		return
	}

	logging.L(c.Request.Context()).Info("scoring weights updated")
	c.JSON(http.StatusOK, envelope(gin.H{
		"weights": s.aggregates.Scorer().Weights(),
	}))
}

// -----------------------------------------------------------------------------
// Realtime
// -----------------------------------------------------------------------------

func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, envelope(s.realtimeHub.Stats()))
}
