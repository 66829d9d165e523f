package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

type SenderConfig struct {
	RoutingNumber int
	APIKey        string
	MaxRetries    int
	RetryDelay    time.Duration
}

// Sender delivers interbank messages to partner banks. Every message becomes an OUTGOING event and
// every attempt an EventDelivery.
type Sender struct {
	events EventStore
	client *http.Client
	cfg    SenderConfig
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSender(events EventStore, client *http.Client, cfg SenderConfig, log *zap.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{events: events, client: client, cfg: cfg, log: log, ctx: ctx, cancel: cancel}
}

// Send records the message and starts delivering it in the background.
func (s *Sender) Send(ctx context.Context, req domain.OutboundRequest) (*domain.Event, error) {
	if !req.MessageType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrMalformed, req.MessageType)
	}
	envelope := domain.InterbankMessage{
		IdempotenceKey: domain.NewIdempotenceKey(s.cfg.RoutingNumber),
		MessageType:    req.MessageType,
		Message:        req.Message,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	// The slot is taken before the event is stored so Close never waits on a counter that can still grow.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sender is closed", domain.ErrTransient)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	event := &domain.Event{
		Key:         envelope.IdempotenceKey,
		MessageType: req.MessageType,
		Payload:     body,
		URL:         req.URL,
		Direction:   domain.DirectionOutgoing,
	}
	if err := s.events.CreateEvent(ctx, event); err != nil {
		s.wg.Done()
		return nil, err
	}

	go func() {
		defer s.wg.Done()
		if err := s.Deliver(s.ctx, event); err != nil {
			s.log.Error("outbound delivery abandoned", zap.Stringer("key", event.Key),
				zap.String("url", event.URL), zap.Error(err))
		}
	}()
	return event, nil
}

// Deliver posts the event until the partner answers 2xx or the attempts run out.
func (s *Sender) Deliver(ctx context.Context, event *domain.Event) error {
	for attempt := 1; ; attempt++ {
		status, err := s.attempt(ctx, event)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		s.log.Warn("outbound delivery failed", zap.Stringer("key", event.Key),
			zap.Int("attempt", attempt), zap.Int("status", status), zap.Error(err))

		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%w: %s not delivered after %d attempts", domain.ErrTransient, event.Key, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

func (s *Sender) attempt(ctx context.Context, event *domain.Event) (int, error) {
	start := time.Now()
	status, body, err := s.post(ctx, event)

	delivery := &domain.EventDelivery{
		EventID:      event.ID,
		Status:       domain.StatusFor(status),
		HTTPStatus:   status,
		ResponseBody: body,
		DurationMs:   time.Since(start).Milliseconds(),
		SentAt:       start,
	}
	if err != nil {
		delivery.ResponseBody = domain.Fail(err.Error()).Encode()
	}
	if rerr := s.events.AppendDelivery(context.WithoutCancel(ctx), delivery); rerr != nil {
		s.log.Error("delivery not recorded", zap.Stringer("key", event.Key), zap.Error(rerr))
	}
	outboundAttempts.WithLabelValues(string(delivery.Status)).Inc()
	return status, err
}

func (s *Sender) post(ctx context.Context, event *domain.Event) (int, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil, nil
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		return resp.StatusCode, quoted, nil
	}
	return resp.StatusCode, raw, nil
}

// Close waits for background deliveries. Once ctx is done, pending retries are abandoned.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
