package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alphawhale/guardian/internal/idgen"
	"github.com/alphawhale/guardian/internal/risk"
)

var (
	alertEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "alerts",
		Name:      "emit_total",
		Help:      "Total alert emit attempts by event type.",
	}, []string{"event_type"})

	alertEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "alerts",
		Name:      "emit_errors_total",
		Help:      "Total alert emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(alertEmitTotal, alertEmitErrors)
}

// Emitter wraps a Dispatcher to emit risk events from the scoring path.
// All methods are fire-and-forget: errors are logged but never returned.
// It satisfies the aggregate service's Publisher interface.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new alert emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(wallet string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	alertEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Wallet:    wallet,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		alertEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("alert emit failed", "event", eventType, "wallet", wallet, "error", err)
	}
}

// PublishRiskUpdated emits risk.updated, plus risk.critical when any
// approval scored critical.
func (e *Emitter) PublishRiskUpdated(wallet string, risks []*risk.ApprovalRisk) {
	maxSev := risk.SeverityLow
	var critical []map[string]interface{}
	for _, r := range risks {
		maxSev = risk.MaxSeverity(maxSev, r.Severity)
		if r.Severity == risk.SeverityCritical {
			critical = append(critical, map[string]interface{}{
				"token":     r.Token,
				"spender":   r.Spender,
				"riskScore": r.RiskScore,
			})
		}
	}

	e.emit(wallet, EventRiskUpdated, map[string]interface{}{
		"wallet":    wallet,
		"severity":  string(maxSev),
		"approvals": len(risks),
	})

	if len(critical) > 0 {
		e.emit(wallet, EventRiskCritical, map[string]interface{}{
			"wallet":   wallet,
			"severity": string(risk.SeverityCritical),
			"critical": critical,
		})
	}
}

// PublishCachePurged emits cache.purged.
func (e *Emitter) PublishCachePurged(kind, wallet string, purged int) {
	e.emit(wallet, EventCachePurged, map[string]interface{}{
		"kind":   kind,
		"wallet": wallet,
		"purged": purged,
	})
}
