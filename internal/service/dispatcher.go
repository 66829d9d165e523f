package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

// EventStore is the Event/EventDelivery audit log.
type EventStore interface {
	// ClaimEvent inserts e unless its key exists; on a lost claim e is replaced by the stored event.
	ClaimEvent(ctx context.Context, e *domain.Event) (created bool, err error)
	CreateEvent(ctx context.Context, e *domain.Event) error
	FindEvent(ctx context.Context, key domain.IdempotenceKey) (*domain.Event, error)
	AppendDelivery(ctx context.Context, d *domain.EventDelivery) error
	FirstDelivery(ctx context.Context, eventID int64) (*domain.EventDelivery, error)
	ListDeliveries(ctx context.Context, eventID int64) ([]domain.EventDelivery, error)
}

// OutcomeCache answers replays ahead of the event store. Misses return domain.ErrNotFound.
type OutcomeCache interface {
	Get(ctx context.Context, key domain.IdempotenceKey) (*domain.EventDelivery, error)
	Put(ctx context.Context, key domain.IdempotenceKey, d *domain.EventDelivery) error
}

var ErrInProgress = fmt.Errorf("%w: request in progress", domain.ErrConflict)

// Outcome is what the caller of Receive answers with.
type Outcome struct {
	Event    *domain.Event
	Delivery *domain.EventDelivery
	Replayed bool
}

type Dispatcher struct {
	events     EventStore
	protocol   *Protocol
	cache      OutcomeCache
	routing    int
	replayWait time.Duration
	pollEvery  time.Duration
	locks      *keyedMutex
	log        *zap.Logger
}

// NewDispatcher wires the audit log to the protocol handlers. cache may be nil.
func NewDispatcher(events EventStore, protocol *Protocol, cache OutcomeCache, routingNumber int, replayWait time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		events:     events,
		protocol:   protocol,
		cache:      cache,
		routing:    routingNumber,
		replayWait: replayWait,
		pollEvery:  25 * time.Millisecond,
		locks:      newKeyedMutex(),
		log:        log,
	}
}

// Receive processes one inbound interbank request body. Each idempotence key is dispatched at most
// once; later arrivals get the outcome of the first.
func (d *Dispatcher) Receive(ctx context.Context, raw []byte, source string) (*Outcome, error) {
	start := time.Now()
	if len(bytes.TrimSpace(raw)) == 0 {
		return d.ping(ctx, source, start)
	}

	msg, err := domain.ParseInterbankMessage(raw)
	if err != nil {
		interbankEvents.WithLabelValues("malformed").Inc()
		return nil, err
	}

	event := &domain.Event{
		Key:         msg.IdempotenceKey,
		MessageType: msg.MessageType,
		Payload:     raw,
		URL:         source,
		Direction:   domain.DirectionIncoming,
	}
	created, err := d.events.ClaimEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !created {
		return d.replay(ctx, event, start)
	}
	interbankEvents.WithLabelValues("new").Inc()

	// Once the key is claimed the outcome must be recorded, even if the caller goes away.
	work := context.WithoutCancel(ctx)
	timer := prometheus.NewTimer(dispatchDuration.WithLabelValues(string(msg.MessageType)))
	status, resp := d.protocol.Handle(work, msg)
	timer.ObserveDuration()

	delivery := d.record(work, event, status, resp, start)
	d.log.Info("interbank message handled", zap.Stringer("key", event.Key),
		zap.String("messageType", string(event.MessageType)), zap.Int("status", status))
	return &Outcome{Event: event, Delivery: delivery}, nil
}

// ping answers a request without a body: it is logged as an event under a fresh key and accepted.
func (d *Dispatcher) ping(ctx context.Context, source string, start time.Time) (*Outcome, error) {
	event := &domain.Event{
		Key:       domain.NewIdempotenceKey(d.routing),
		URL:       source,
		Direction: domain.DirectionIncoming,
	}
	if err := d.events.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	interbankEvents.WithLabelValues("ping").Inc()
	delivery := d.record(ctx, event, http.StatusOK, domain.Response{Success: true}, start)
	return &Outcome{Event: event, Delivery: delivery}, nil
}

func (d *Dispatcher) record(ctx context.Context, event *domain.Event, status int, resp domain.Response, start time.Time) *domain.EventDelivery {
	delivery := &domain.EventDelivery{
		EventID:      event.ID,
		Status:       domain.StatusFor(status),
		HTTPStatus:   status,
		ResponseBody: resp.Encode(),
		DurationMs:   time.Since(start).Milliseconds(),
		SentAt:       time.Now(),
	}
	if err := d.events.AppendDelivery(ctx, delivery); err != nil {
		d.log.Error("delivery not recorded", zap.Stringer("key", event.Key), zap.Error(err))
		return delivery
	}
	if d.cache != nil {
		if err := d.cache.Put(ctx, event.Key, delivery); err != nil {
			d.log.Warn("outcome not cached", zap.Stringer("key", event.Key), zap.Error(err))
		}
	}
	return delivery
}

// replay waits for the first delivery of event, then records and returns a copy of it. An event
// already older than the replay wait with no delivery lost its outcome and is dispatched again.
func (d *Dispatcher) replay(ctx context.Context, event *domain.Event, start time.Time) (*Outcome, error) {
	deadline := start.Add(d.replayWait)
	orphaned := start.Sub(event.CreatedAt) > d.replayWait
	for {
		first, err := d.firstOutcome(ctx, event)
		if err == nil {
			return d.replayed(ctx, event, first, start), nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if orphaned {
			return d.redispatch(ctx, event, start)
		}
		if !time.Now().Before(deadline) {
			interbankEvents.WithLabelValues("in_progress").Inc()
			return nil, ErrInProgress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollEvery):
		}
	}
}

func (d *Dispatcher) replayed(ctx context.Context, event *domain.Event, first *domain.EventDelivery, start time.Time) *Outcome {
	delivery := &domain.EventDelivery{
		EventID:      event.ID,
		Status:       first.Status,
		HTTPStatus:   first.HTTPStatus,
		ResponseBody: first.ResponseBody,
		DurationMs:   time.Since(start).Milliseconds(),
		SentAt:       time.Now(),
	}
	if err := d.events.AppendDelivery(context.WithoutCancel(ctx), delivery); err != nil {
		d.log.Error("replay delivery not recorded", zap.Stringer("key", event.Key), zap.Error(err))
	}
	interbankEvents.WithLabelValues("replay").Inc()
	d.log.Info("interbank message replayed", zap.Stringer("key", event.Key),
		zap.String("messageType", string(event.MessageType)), zap.Int("status", first.HTTPStatus))
	return &Outcome{Event: event, Delivery: delivery, Replayed: true}
}

// redispatch runs an orphaned event again from its stored envelope. The protocol handlers answer
// repeated messages from saga state, so the result matches what the lost first delivery said.
func (d *Dispatcher) redispatch(ctx context.Context, event *domain.Event, start time.Time) (*Outcome, error) {
	unlock := d.locks.Lock(event.Key.String())
	defer unlock()

	// Another retry may have recovered it while we waited.
	if first, err := d.events.FirstDelivery(ctx, event.ID); err == nil {
		return d.replayed(ctx, event, first, start), nil
	}

	msg, err := domain.ParseInterbankMessage(event.Payload)
	if err != nil {
		return nil, err
	}
	d.log.Warn("interbank event has no recorded outcome, dispatching again", zap.Stringer("key", event.Key),
		zap.String("messageType", string(event.MessageType)), zap.Time("claimedAt", event.CreatedAt))
	interbankEvents.WithLabelValues("recovered").Inc()

	work := context.WithoutCancel(ctx)
	status, resp := d.protocol.Handle(work, msg)
	delivery := d.record(work, event, status, resp, start)
	return &Outcome{Event: event, Delivery: delivery}, nil
}

func (d *Dispatcher) firstOutcome(ctx context.Context, event *domain.Event) (*domain.EventDelivery, error) {
	if d.cache != nil {
		cached, err := d.cache.Get(ctx, event.Key)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			d.log.Warn("outcome cache unavailable", zap.Stringer("key", event.Key), zap.Error(err))
		}
	}
	return d.events.FirstDelivery(ctx, event.ID)
}

// EventTrail is an event together with every delivery recorded for it.
type EventTrail struct {
	Event      *domain.Event          `json:"event"`
	Deliveries []domain.EventDelivery `json:"deliveries"`
}

// Trail looks up the audit trail of one idempotence key.
func (d *Dispatcher) Trail(ctx context.Context, key domain.IdempotenceKey) (*EventTrail, error) {
	event, err := d.events.FindEvent(ctx, key)
	if err != nil {
		return nil, err
	}
	deliveries, err := d.events.ListDeliveries(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	return &EventTrail{Event: event, Deliveries: deliveries}, nil
}
