package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
)

const userAgent = "videogen/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventRunAborted   Event = "run_aborted"
	EventError        Event = "error"
	EventTest         Event = "test"
)

// Payload carries event fields. Known keys: runID, spreadsheetID, items,
// succeeded, failed, status, duration (time.Duration), error, context.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventRunStarted:   cfg.Notifications.RunStarted,
			EventRunCompleted: cfg.Notifications.RunCompleted,
			EventRunAborted:   cfg.Notifications.Errors,
			EventError:        cfg.Notifications.Errors,
			EventTest:         true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return fmt.Errorf("unknown notification event %q", event)
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	runID := shortID(payload.text("runID"))
	switch event {
	case EventRunStarted:
		return message{
			title: "Videogen - Run Started",
			body:  fmt.Sprintf("▶️ Run %s started with %d items from %s", runID, payload.number("items"), payload.text("spreadsheetID")),
			tags:  []string{"videogen", "run", "started"},
		}, true
	case EventRunCompleted:
		succeeded, failed := payload.number("succeeded"), payload.number("failed")
		duration := payload.duration("duration")
		if failed == 0 {
			return message{
				title: "Videogen - Run Complete",
				body:  fmt.Sprintf("✅ Run %s complete: %d videos in %s", runID, succeeded, duration),
				tags:  []string{"videogen", "run", "completed"},
			}, true
		}
		return message{
			title:    "Videogen - Run Complete (with failures)",
			body:     fmt.Sprintf("⚠️ Run %s finished: %d succeeded, %d failed in %s", runID, succeeded, failed, duration),
			tags:     []string{"videogen", "run", "partial"},
			priority: "high",
		}, true
	case EventRunAborted:
		return message{
			title:    "Videogen - Run Aborted",
			body:     fmt.Sprintf("🛑 Run %s aborted: %s", runID, fallback(payload.text("error"), "cancelled")),
			tags:     []string{"videogen", "run", "aborted"},
			priority: "high",
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("❌ Error")
		if label := payload.text("context"); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		b.WriteString(fallback(payload.text("error"), "unknown"))
		return message{
			title:    "Videogen - Error",
			body:     b.String(),
			tags:     []string{"videogen", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Videogen - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"videogen", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) number(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func (p Payload) duration(key string) string {
	d, _ := p[key].(time.Duration)
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return fallback(id, "?")
}

func fallback(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// Noop returns a Service that drops every event.
func Noop() Service { return noopService{} }
