package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/models"
)

const (
	recentAlertsWindow = 24 * time.Hour
	recentAlertsLimit  = 20
	watchlistLimit     = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// Store is the read side the WebSocket groups serve from.
type Store interface {
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.AnomalyAlert, error)
	ListWatchlist(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.WatchlistEntry, error)
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
}

// Watchlist removes customers from the watchlist and publishes the change.
type Watchlist interface {
	RemoveFromWatchlist(ctx context.Context, customerID string) error
}

// PredictionTrigger queues a churn re-prediction.
type PredictionTrigger interface {
	SubmitPredict(customerID string, anomalyContext models.JSONMap, alertID string) error
}

// Handler upgrades connections into a group and answers client requests.
type Handler struct {
	hub       *Hub
	store     Store
	watchlist Watchlist
	predict   PredictionTrigger
	ctx       context.Context
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a new WebSocket handler. predict may be nil, which
// disables trigger_prediction.
func NewHandler(ctx context.Context, hub *Hub, store Store, watchlist Watchlist, predict PredictionTrigger) *Handler {
	return &Handler{
		hub:       hub,
		store:     store,
		watchlist: watchlist,
		predict:   predict,
		ctx:       ctx,
		logger:    hub.logger,
		now:       time.Now,
	}
}

// ServeAlerts serves the "alerts" group.
func (h *Handler) ServeAlerts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, models.GroupAlerts)
}

// ServeWatchlist serves the "watchlist" group.
func (h *Handler) ServeWatchlist(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, models.GroupWatchlist)
}

// ServePredictions serves the "predictions" group.
func (h *Handler) ServePredictions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, models.GroupPredictions)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, group string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("group", group), zap.Error(err))
		return
	}

	client := NewClient(h.ctx, h.hub, h, conn, group, uuid.New().String())
	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	client.logger.Info("websocket client connected")
}

type inbound struct {
	Type       string `json:"type"`
	CustomerID string `json:"customer_id,omitempty"`
}

type reply map[string]interface{}

func errorReply(msg string) reply {
	return reply{"type": "error", "message": msg}
}

// handle answers one client message. A nil reply sends nothing.
func (h *Handler) handle(ctx context.Context, group string, raw []byte) interface{} {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorReply("Invalid JSON format")
	}

	switch group {
	case models.GroupAlerts:
		switch msg.Type {
		case "subscribe_alerts":
			return reply{"type": "subscription_confirmed", "message": "Subscribed to real-time alerts"}
		case "get_recent_alerts":
			alerts, err := h.recentAlerts(ctx)
			if err != nil {
				h.logger.Error("load recent alerts", zap.Error(err))
				return errorReply("Server error")
			}
			return reply{"type": "recent_alerts", "alerts": alerts}
		}

	case models.GroupWatchlist:
		switch msg.Type {
		case "subscribe_watchlist":
			return reply{"type": "subscription_confirmed", "message": "Subscribed to real-time watchlist updates"}
		case "get_current_watchlist":
			entries, err := h.store.ListWatchlist(ctx, true, watchlistLimit, 0)
			if err != nil {
				h.logger.Error("load current watchlist", zap.Error(err))
				return errorReply("Server error")
			}
			return reply{"type": "current_watchlist", "watchlist": watchlistView(entries)}
		case "remove_from_watchlist":
			if msg.CustomerID == "" {
				return nil
			}
			success := true
			if err := h.watchlist.RemoveFromWatchlist(ctx, msg.CustomerID); err != nil {
				h.logger.Warn("remove from watchlist", zap.String("customer_id", msg.CustomerID), zap.Error(err))
				success = false
			}
			return reply{"type": "removal_result", "success": success, "customer_id": msg.CustomerID}
		}

	case models.GroupPredictions:
		switch msg.Type {
		case "subscribe_predictions":
			return reply{"type": "subscription_confirmed", "message": "Subscribed to real-time churn predictions"}
		case "trigger_prediction":
			if msg.CustomerID == "" || h.predict == nil {
				return nil
			}
			if err := h.predict.SubmitPredict(msg.CustomerID, nil, ""); err != nil {
				h.logger.Warn("trigger prediction", zap.String("customer_id", msg.CustomerID), zap.Error(err))
				return errorReply("Server error")
			}
			return reply{"type": "prediction_triggered", "customer_id": msg.CustomerID, "message": "Churn prediction triggered"}
		}
	}
	return nil
}

func (h *Handler) recentAlerts(ctx context.Context) ([]reply, error) {
	since := h.now().Add(-recentAlertsWindow)
	alerts, err := h.store.ListAlerts(ctx, models.AlertFilter{Since: &since, Limit: recentAlertsLimit})
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	out := make([]reply, 0, len(alerts))
	for _, a := range alerts {
		name, ok := names[a.CustomerID]
		if !ok {
			if c, err := h.store.GetCustomer(ctx, a.CustomerID); err == nil {
				name = c.Name
			}
			names[a.CustomerID] = name
		}
		out = append(out, reply{
			"id":            a.ID,
			"customer_name": name,
			"customer_id":   a.CustomerID,
			"alert_type":    a.AlertType,
			"severity":      a.Severity,
			"description":   a.Description,
			"anomaly_score": a.AnomalyScore,
			"detected_at":   a.DetectedAt,
			"status":        a.Status,
			"is_resolved":   a.Status.IsTerminal(),
		})
	}
	return out, nil
}

func watchlistView(entries []*models.WatchlistEntry) []reply {
	out := make([]reply, 0, len(entries))
	for _, e := range entries {
		name := ""
		if e.Customer != nil {
			name = e.Customer.Name
		}
		out = append(out, reply{
			"id":                e.ID,
			"customer_name":     name,
			"customer_id":       e.CustomerID,
			"churn_probability": e.ChurnProbability,
			"risk_level":        e.RiskLevel,
			"anomaly_context":   e.AnomalyContext,
			"added_at":          e.AddedAt,
			"last_updated":      e.LastUpdated,
		})
	}
	return out
}
