package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"go.uber.org/zap"
)

// Sink receives delivered outbox events. Deliveries are at-least-once, so
// sinks must tolerate the same event ID more than once.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.OutboxEvent) error
}

// LogSink writes every event to the log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: logger.OrNop(log)} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev model.OutboxEvent) error {
	s.log.Info("outbox event",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

// ClickHouseSink appends events to the user_events projection.
type ClickHouseSink struct {
	repo repository.CHUserEventsRepository
	now  func() time.Time
}

func NewClickHouseSink(repo repository.CHUserEventsRepository) *ClickHouseSink {
	return &ClickHouseSink{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	return s.repo.Append(ctx, repository.UserEventRow{
		EventID:     ev.ID,
		UserID:      ev.AggregateID,
		Type:        ev.Type,
		Payload:     string(ev.Payload),
		OccurredAt:  ev.OccurredAt,
		DeliveredAt: s.now(),
	})
}

// WebhookSink POSTs the event payload to a subscriber endpoint behind a
// circuit breaker.
type WebhookSink struct {
	name   string
	url    string
	secret []byte
	client *http.Client
	br     *MicroBreaker
}

func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	openForMs := cfg.Breaker.OpenForMs
	if openForMs <= 0 {
		openForMs = 15000
	}

	return &WebhookSink{
		name:   cfg.Name,
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(cfg.Breaker.FailThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.name }

func (s *WebhookSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	if !s.br.TryAcquire() {
		return fmt.Errorf("webhook=%s: %w", s.name, ErrBreakerOpen)
	}
	if err := s.post(ctx, ev); err != nil {
		s.br.OnFailure()
		return err
	}

	s.br.OnSuccess()

	return nil
}

func (s *WebhookSink) post(ctx context.Context, ev model.OutboxEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(ev.Payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)
	req.Header.Set("X-Event-Type", ev.Type)
	if len(s.secret) > 0 {
		req.Header.Set("X-Signature", "sha256="+Sign(s.secret, ev.Payload))
	}

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("webhook=%s status=%d", s.name, res.StatusCode)
	}

	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// BuildSinks returns the log sink, the ClickHouse sink when ch is non-nil,
// and one webhook sink per enabled subscriber.
func BuildSinks(hooks []config.WebhookConfig, ch repository.CHUserEventsRepository, log *zap.Logger) []Sink {
	sinks := []Sink{NewLogSink(log)}
	if ch != nil {
		sinks = append(sinks, NewClickHouseSink(ch))
	}
	for _, h := range hooks {
		if !h.Enabled || h.URL == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(h))
	}
	return sinks
}
