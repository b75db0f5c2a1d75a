// Package notifications delivers alert notifications to configured webhook
// and Slack channels. Deliveries are fire-and-forget so they never block
// detection or the monitor pass.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

// ChannelLoader returns the channels to consider for each delivery.
type ChannelLoader func(ctx context.Context) ([]models.NotificationChannel, error)

// StaticChannels serves a fixed channel list, typically from configuration.
func StaticChannels(channels []models.NotificationChannel) ChannelLoader {
	return func(context.Context) ([]models.NotificationChannel, error) {
		return channels, nil
	}
}

// Notifier delivers NotifyEvent payloads to every enabled channel that
// subscribes to the event type.
type Notifier struct {
	channels ChannelLoader
	client   *http.Client
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewNotifier creates a Notifier backed by the given channel loader.
func NewNotifier(loader ChannelLoader, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		channels: loader,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.Named("notifications"),
	}
}

// Notify dispatches ev asynchronously and returns immediately.
func (n *Notifier) Notify(ev models.NotifyEvent) {
	if ev.OccurredAt == "" {
		ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ev)
	}()
}

// Flush waits for in-flight deliveries.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ev models.NotifyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channels, err := n.channels(ctx)
	if err != nil {
		n.logger.Warn("failed to load notification channels", zap.Error(err))
		return
	}

	for _, ch := range channels {
		if !ch.Enabled || !ch.Subscribes(ev.EventType) {
			continue
		}
		if err := n.send(ctx, ch, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(ch.Type), "error").Inc()
			n.logger.Warn("notification delivery failed",
				zap.String("channel_id", ch.ID),
				zap.String("channel_type", string(ch.Type)),
				zap.String("event_type", ev.EventType),
				zap.Error(err),
			)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(ch.Type), "ok").Inc()
	}
}

// send posts ev to one channel; Slack gets a text message, webhooks the full event.
func (n *Notifier) send(ctx context.Context, ch models.NotificationChannel, ev models.NotifyEvent) error {
	var payload interface{}
	switch ch.Type {
	case models.NotificationChannelSlack:
		payload = map[string]string{"text": slackText(ev)}
	default:
		payload = ev
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "churnwatch-notifier/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s channel", resp.StatusCode, ch.Type)
	}
	return nil
}

func slackText(ev models.NotifyEvent) string {
	text := fmt.Sprintf("*[churnwatch/%s]* customer `%s`", ev.EventType, ev.CustomerID)
	if ev.Severity != "" {
		text += fmt.Sprintf(" (%s)", ev.Severity)
	}
	if ev.Title != "" {
		text += "\n*" + ev.Title + "*"
	}
	if ev.Message != "" {
		text += "\n> " + ev.Message
	}
	return text
}
