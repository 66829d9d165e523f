package broker

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// Notifier publishes saga acknowledgements back to the trading service.
type Notifier struct {
	pub      Publisher
	subject  string
	attempts int
	delay    time.Duration
	log      *zap.Logger
}

func NewNotifier(pub Publisher, subject string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, subject: subject, attempts: 3, delay: 200 * time.Millisecond, log: log}
}

func (n *Notifier) NotifySaga(ctx context.Context, ack domain.SagaAck) error {
	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = n.pub.Publish(ctx, n.subject, ack); err == nil || !errors.Is(err, domain.ErrTransient) {
			return err
		}
		n.log.Warn("ack publish failed", zap.String("uid", ack.UID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == n.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.delay):
		}
	}
	return err
}
