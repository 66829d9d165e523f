package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

// Handler processes one message body. Returning an error wrapping domain.ErrTransient asks for
// redelivery; any other error terminates the message.
type Handler func(ctx context.Context, data []byte) error

// Client wraps a NATS JetStream connection with worker-pool consumers.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *zap.Logger

	handlerTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

func Connect(url, name string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("broker disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js, log: log, handlerTimeout: 30 * time.Second, done: make(chan struct{})}, nil
}

// EnsureStream creates the stream if it is missing, or widens its subject list.
func (c *Client) EnsureStream(name string, subjects []string) error {
	info, err := c.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect stream: %w", err)
	}

	missing := false
	have := make(map[string]bool, len(info.Config.Subjects))
	for _, s := range info.Config.Subjects {
		have[s] = true
	}
	cfg := info.Config
	for _, s := range subjects {
		if !have[s] {
			cfg.Subjects = append(cfg.Subjects, s)
			missing = true
		}
	}
	if missing {
		if _, err := c.js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Publish sends v as JSON and waits for the stream to acknowledge it.
func (c *Client) Publish(ctx context.Context, subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if _, err := c.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrTransient, subject, err)
	}
	return nil
}

// Consume starts workers goroutines serving a durable queue consumer on subject.
func (c *Client) Consume(subject string, workers int, h Handler) error {
	if workers < 1 {
		workers = 1
	}
	queue := "bankops-" + strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(subject)
	ch := make(chan *nats.Msg, workers*4)

	sub, err := c.js.ChanQueueSubscribe(subject, queue, ch,
		nats.Durable(queue),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(workers*4),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.work(subject, ch, h)
	}
	c.log.Info("consuming", zap.String("subject", subject), zap.String("queue", queue), zap.Int("workers", workers))
	return nil
}

func (c *Client) work(subject string, ch <-chan *nats.Msg, h Handler) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-ch:
			c.handle(subject, msg, h)
		}
	}
}

func (c *Client) handle(subject string, msg *nats.Msg, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), c.handlerTimeout)
	defer cancel()

	err := h(ctx, msg.Data)
	switch {
	case err == nil:
		err = msg.Ack()
	case errors.Is(err, domain.ErrTransient):
		c.log.Warn("message will be redelivered", zap.String("subject", subject), zap.Error(err))
		err = msg.NakWithDelay(time.Second)
	default:
		c.log.Error("message dropped", zap.String("subject", subject), zap.Error(err))
		err = msg.Term()
	}
	if err != nil {
		c.log.Warn("ack failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close stops the consumers, waits for in-flight handlers and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	c.conn.Close()
}
