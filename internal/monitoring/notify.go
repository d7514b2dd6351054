package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Provider delivers one Alert to an external channel. Implemented by
// webhook/slack/telegram (all three are HTTP POSTs with a different
// payload shape) and email (SMTP); grounded on the teacher's
// AlertManager.sendWebhook in internal/heuristics/alert_system.go,
// generalized from a single webhook shape to a Provider interface with
// one implementation per channel kind.
type Provider interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// ChannelStats is the per-channel delivery statistics spec.md §4.7
// requires: sent/successful/failed/averageResponseTime.
type ChannelStats struct {
	Sent                int64
	Successful          int64
	Failed              int64
	AverageResponseTime time.Duration
}

// Notifier fans an alert out to every registered Provider, retrying
// each with exponential backoff up to MaxRetries before recording it
// failed (spec.md §4.7: "exponential backoff retry, default ≤ 3").
type Notifier struct {
	mu         sync.Mutex
	providers  []Provider
	stats      map[string]*ChannelStats
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger
}

// NewNotifier builds a Notifier with the configured retry budget.
func NewNotifier(maxRetries int, baseDelay time.Duration, log zerolog.Logger) *Notifier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Notifier{
		stats:      make(map[string]*ChannelStats),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		log:        log,
	}
}

// Register adds a delivery channel.
func (n *Notifier) Register(p Provider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.providers = append(n.providers, p)
	n.stats[p.Name()] = &ChannelStats{}
}

// Dispatch sends a to every registered provider concurrently. Each
// provider's send is retried up to maxRetries times with exponential
// backoff before being recorded as failed; Dispatch itself never
// returns an error — notification delivery is best-effort and must
// never block or fail the caller's alert-triggering path.
func (n *Notifier) Dispatch(ctx context.Context, a *Alert) {
	n.mu.Lock()
	providers := make([]Provider, len(n.providers))
	copy(providers, n.providers)
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			n.sendWithRetry(ctx, p, a)
		}(p)
	}
	wg.Wait()
}

func (n *Notifier) sendWithRetry(ctx context.Context, p Provider, a *Alert) {
	delay := n.baseDelay
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		start := time.Now()
		err := p.Send(ctx, a)
		elapsed := time.Since(start)
		n.recordAttempt(p.Name(), elapsed, err == nil)
		if err == nil {
			return
		}
		lastErr = err
		if attempt < n.maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
		}
	}
	n.log.Warn().Str("provider", p.Name()).Err(lastErr).Msg("notification delivery exhausted retry budget")
}

func (n *Notifier) recordAttempt(provider string, elapsed time.Duration, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, exists := n.stats[provider]
	if !exists {
		s = &ChannelStats{}
		n.stats[provider] = s
	}
	s.Sent++
	if ok {
		s.Successful++
	} else {
		s.Failed++
	}
	if s.Sent == 1 {
		s.AverageResponseTime = elapsed
	} else {
		s.AverageResponseTime += (elapsed - s.AverageResponseTime) / time.Duration(s.Sent)
	}
}

// Stats returns a snapshot of every channel's delivery statistics.
func (n *Notifier) Stats() map[string]ChannelStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]ChannelStats, len(n.stats))
	for name, s := range n.stats {
		out[name] = *s
	}
	return out
}

// webhookPayload is the common JSON shape compatible with generic
// webhook receivers, Slack incoming webhooks, and SIEM ingestion —
// the same compatibility goal the teacher's Alert/WebhookEndpoint
// documented.
type webhookPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}

func toPayload(a *Alert) webhookPayload {
	return webhookPayload{
		ID: a.ID, Type: a.Type, Source: a.Source, Severity: a.Severity,
		Title: a.Title, Description: a.Description, Timestamp: a.TriggeredAt.UnixMilli(),
	}
}

// WebhookProvider posts the common payload to an arbitrary HTTP endpoint.
type WebhookProvider struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookProvider builds a generic webhook channel.
func NewWebhookProvider(name, url string, headers map[string]string) *WebhookProvider {
	return &WebhookProvider{name: name, url: url, headers: headers, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookProvider) Name() string { return w.name }

func (w *WebhookProvider) Send(ctx context.Context, a *Alert) error {
	body, err := json.Marshal(toPayload(a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d", w.name, resp.StatusCode)
	}
	return nil
}

// SlackProvider posts a Slack-formatted message via an incoming webhook URL.
type SlackProvider struct {
	*WebhookProvider
}

// NewSlackProvider wraps a Slack incoming-webhook URL.
func NewSlackProvider(webhookURL string) *SlackProvider {
	return &SlackProvider{WebhookProvider: NewWebhookProvider("slack", webhookURL, nil)}
}

func (s *SlackProvider) Send(ctx context.Context, a *Alert) error {
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s — %s", a.Severity, a.Type, a.Title, a.Description),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack: status %d", resp.StatusCode)
	}
	return nil
}

// TelegramProvider posts to a Telegram bot's sendMessage API.
type TelegramProvider struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramProvider builds a Telegram channel for the given bot token
// and destination chat.
func NewTelegramProvider(botToken, chatID string) *TelegramProvider {
	return &TelegramProvider{botToken: botToken, chatID: chatID, client: &http.Client{Timeout: 5 * time.Second}}
}

func (t *TelegramProvider) Name() string { return "telegram" }

func (t *TelegramProvider) Send(ctx context.Context, a *Alert) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    fmt.Sprintf("[%s] %s: %s — %s", a.Severity, a.Type, a.Title, a.Description),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram: status %d", resp.StatusCode)
	}
	return nil
}
