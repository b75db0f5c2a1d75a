package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type recordingWatchlist struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *recordingWatchlist) RemoveFromWatchlist(_ context.Context, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.removed = append(r.removed, customerID)
	return nil
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) SubmitPredict(customerID string, _ models.JSONMap, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, customerID)
	return nil
}

func TestNewHub(t *testing.T) {
	hub := NewHub(context.Background(), nil)

	assert.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
}

func TestHubRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	hub := NewHub(ctx, nil)
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop with its context")
	}
}

func TestHubClientRegistration(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	go hub.Run()
	defer hub.Stop()

	assert.Equal(t, 0, hub.GetClientCount())

	client := &Client{send: make(chan []byte, 256), group: models.GroupAlerts}
	hub.register <- client
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.GroupCount(models.GroupAlerts))
	assert.Equal(t, 0, hub.GroupCount(models.GroupWatchlist))

	hub.unregister <- client
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastByGroup(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	go hub.Run()
	defer hub.Stop()

	alerts := &Client{send: make(chan []byte, 4), group: models.GroupAlerts}
	watch := &Client{send: make(chan []byte, 4), group: models.GroupWatchlist}
	hub.register <- alerts
	hub.register <- watch

	hub.Broadcast(models.GroupAlerts, models.WebSocketMessage{
		Type:      models.NotifyAnomalyDetected,
		Group:     models.GroupAlerts,
		Data:      map[string]interface{}{"customer_id": "c1"},
		Timestamp: time.Now(),
	})

	select {
	case data := <-alerts.send:
		var msg models.WebSocketMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, models.NotifyAnomalyDetected, msg.Type)
		assert.Equal(t, "c1", msg.Data.(map[string]interface{})["customer_id"])
	case <-time.After(time.Second):
		t.Fatal("alerts client did not receive the broadcast")
	}

	select {
	case <-watch.send:
		t.Fatal("watchlist client received an alerts message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	// hub not running: the queue fills and further messages are dropped
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Broadcast(models.GroupAlerts, models.WebSocketMessage{Type: "x"})
	}
	assert.Len(t, hub.broadcast, cap(hub.broadcast))
}

func TestHandle_Alerts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := &models.Customer{ExternalID: "ext-ws", Name: "Ada"}
	require.NoError(t, repo.CreateCustomer(ctx, c))

	now := time.Now()
	for _, at := range []time.Time{now.Add(-time.Hour), now.Add(-48 * time.Hour)} {
		_, err := repo.CreateAlertUnlessRecent(ctx, &models.AnomalyAlert{
			CustomerID:   c.ID,
			AlertType:    models.AlertLoginDrop,
			Severity:     models.SeverityHigh,
			Description:  "Login frequency dropped",
			AnomalyScore: -0.6,
			DetectedAt:   at,
		}, at)
		require.NoError(t, err)
	}

	h := NewHandler(ctx, NewHub(ctx, nil), repo, &recordingWatchlist{}, nil)

	got := h.handle(ctx, models.GroupAlerts, []byte(`{"type":"subscribe_alerts"}`)).(reply)
	assert.Equal(t, "subscription_confirmed", got["type"])

	got = h.handle(ctx, models.GroupAlerts, []byte(`{"type":"get_recent_alerts"}`)).(reply)
	assert.Equal(t, "recent_alerts", got["type"])
	alerts := got["alerts"].([]reply)
	require.Len(t, alerts, 1, "only the last 24h")
	assert.Equal(t, "Ada", alerts[0]["customer_name"])
	assert.Equal(t, false, alerts[0]["is_resolved"])

	got = h.handle(ctx, models.GroupAlerts, []byte(`not json`)).(reply)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "Invalid JSON format", got["message"])

	assert.Nil(t, h.handle(ctx, models.GroupAlerts, []byte(`{"type":"subscribe_watchlist"}`)))
}

func TestHandle_Watchlist(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := &models.Customer{ExternalID: "ext-wl", Name: "Grace"}
	require.NoError(t, repo.CreateCustomer(ctx, c))
	_, err := repo.UpsertWatchlistEntry(ctx, &models.WatchlistEntry{CustomerID: c.ID, ChurnProbability: 0.7, RiskLevel: models.RiskHigh})
	require.NoError(t, err)

	wl := &recordingWatchlist{}
	h := NewHandler(ctx, NewHub(ctx, nil), repo, wl, nil)

	got := h.handle(ctx, models.GroupWatchlist, []byte(`{"type":"get_current_watchlist"}`)).(reply)
	assert.Equal(t, "current_watchlist", got["type"])
	entries := got["watchlist"].([]reply)
	require.Len(t, entries, 1)
	assert.Equal(t, "Grace", entries[0]["customer_name"])
	assert.Equal(t, models.RiskHigh, entries[0]["risk_level"])

	got = h.handle(ctx, models.GroupWatchlist, []byte(`{"type":"remove_from_watchlist","customer_id":"`+c.ID+`"}`)).(reply)
	assert.Equal(t, "removal_result", got["type"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, []string{c.ID}, wl.removed)

	wl.err = repository.ErrNotFound
	got = h.handle(ctx, models.GroupWatchlist, []byte(`{"type":"remove_from_watchlist","customer_id":"missing"}`)).(reply)
	assert.Equal(t, false, got["success"])

	assert.Nil(t, h.handle(ctx, models.GroupWatchlist, []byte(`{"type":"remove_from_watchlist"}`)))
}

func TestHandle_Predictions(t *testing.T) {
	ctx := context.Background()
	trigger := &recordingTrigger{}
	h := NewHandler(ctx, NewHub(ctx, nil), newTestRepo(t), &recordingWatchlist{}, trigger)

	got := h.handle(ctx, models.GroupPredictions, []byte(`{"type":"trigger_prediction","customer_id":"c9"}`)).(reply)
	assert.Equal(t, "prediction_triggered", got["type"])
	assert.Equal(t, []string{"c9"}, trigger.ids)
}

func TestServeWatchlist_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, nil)
	go hub.Run()
	defer hub.Stop()

	h := NewHandler(ctx, hub, newTestRepo(t), &recordingWatchlist{err: errors.New("boom")}, nil)
	router := mux.NewRouter()
	router.HandleFunc("/ws/watchlist", h.ServeWatchlist)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/watchlist"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe_watchlist"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var confirmed map[string]interface{}
	require.NoError(t, conn.ReadJSON(&confirmed))
	assert.Equal(t, "subscription_confirmed", confirmed["type"])

	require.Eventually(t, func() bool { return hub.GroupCount(models.GroupWatchlist) == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast(models.GroupWatchlist, models.WebSocketMessage{
		Type:      models.NotifyWatchlistUpdate,
		Group:     models.GroupWatchlist,
		Data:      map[string]interface{}{"action": "removed", "customer_id": "c1"},
		Timestamp: time.Now(),
	})

	var pushed models.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, models.NotifyWatchlistUpdate, pushed.Type)
	assert.Equal(t, "removed", pushed.Data.(map[string]interface{})["action"])
}
