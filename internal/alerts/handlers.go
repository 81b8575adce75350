package alerts

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alphawhale/guardian/internal/idgen"
	"github.com/alphawhale/guardian/internal/risk"
	"github.com/alphawhale/guardian/internal/security"
)

// Handler provides HTTP endpoints for alert subscription management
type Handler struct {
	store Store
}

// NewHandler creates a new alert handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up alert routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:address/alerts", h.CreateSubscription)
	r.GET("/wallets/:address/alerts", h.ListSubscriptions)
	r.DELETE("/wallets/:address/alerts/:alertId", h.DeleteSubscription)
}

// CreateSubscriptionRequest for creating an alert subscription
type CreateSubscriptionRequest struct {
	URL         string   `json:"url" binding:"required"`
	Events      []string `json:"events" binding:"required"`
	MinSeverity string   `json:"minSeverity"`
}

var validEvents = map[EventType]bool{
	EventRiskUpdated:  true,
	EventRiskCritical: true,
	EventCachePurged:  true,
}

// CreateSubscription handles POST /wallets/:address/alerts
func (h *Handler) CreateSubscription(c *gin.Context) {
	wallet := c.Param("address")

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	// Reject URLs pointing at internal infrastructure
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	minSev := risk.Severity(req.MinSeverity)
	if req.MinSeverity != "" && !minSev.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_severity",
			"message": "minSeverity must be one of low, medium, high, critical",
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		et := EventType(e)
		if !validEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "unknown event type: " + e,
			})
			return
		}
		events[i] = et
	}

	sub := &Subscription{
		ID:          idgen.WithPrefix("alrt_"),
		Wallet:      wallet,
		URL:         req.URL,
		Secret:      generateSecret(),
		Events:      events,
		MinSeverity: minSev,
		Active:      true,
		CreatedAt:   time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create alert subscription",
		})
		return
	}

	// The secret is shown once, at creation.
	c.JSON(http.StatusCreated, gin.H{
		"id":          sub.ID,
		"wallet":      sub.Wallet,
		"url":         sub.URL,
		"secret":      sub.Secret,
		"events":      sub.Events,
		"minSeverity": sub.MinSeverity,
		"createdAt":   sub.CreatedAt,
	})
}

// ListSubscriptions handles GET /wallets/:address/alerts
func (h *Handler) ListSubscriptions(c *gin.Context) {
	wallet := c.Param("address")

	subs, err := h.store.GetByWallet(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list alert subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": subs,
		"count":  len(subs),
	})
}

// DeleteSubscription handles DELETE /wallets/:address/alerts/:alertId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	wallet := c.Param("address")
	id := c.Param("alertId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Alert subscription not found",
		})
		return
	}
	if !strings.EqualFold(sub.Wallet, wallet) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Subscription belongs to a different wallet",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete alert subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}
