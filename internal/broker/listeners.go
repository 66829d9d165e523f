package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/service"
	"go.uber.org/zap"
)

// Subjects names the destinations the bank listens and publishes on.
type Subjects struct {
	AccountCreate     string
	OTCInit           string
	OTCAckIn          string
	OTCAckOut         string
	OTCPremium        string
	InterbankOutbound string
}

func (s Subjects) All() []string {
	return []string{s.AccountCreate, s.OTCInit, s.OTCAckIn, s.OTCAckOut, s.OTCPremium, s.InterbankOutbound}
}

// Listener turns broker messages into engine calls. Messages that fail to decode or validate are
// logged and dropped.
type Listener struct {
	engine   *service.Engine
	accounts *service.Accounts
	sender   *service.Sender
	notify   service.Notifier
	validate *validator.Validate
	log      *zap.Logger
}

func NewListener(engine *service.Engine, accounts *service.Accounts, sender *service.Sender, notify service.Notifier, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		engine:   engine,
		accounts: accounts,
		sender:   sender,
		notify:   notify,
		validate: validator.New(),
		log:      log,
	}
}

// Register subscribes every handler on c.
func (l *Listener) Register(c *Client, subjects Subjects, workers int) error {
	routes := []struct {
		subject string
		h       Handler
	}{
		{subjects.AccountCreate, l.OnAccountCreate},
		{subjects.OTCInit, l.OnOTCInit},
		{subjects.OTCAckIn, l.OnOTCAck},
		{subjects.OTCPremium, l.OnPremium},
		{subjects.InterbankOutbound, l.OnOutbound},
	}
	for _, r := range routes {
		if r.subject == "" {
			continue
		}
		if err := c.Consume(r.subject, workers, r.h); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) decode(kind string, data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		l.log.Warn("invalid message dropped", zap.String("messageType", kind), zap.Error(err))
		return false
	}
	if err := l.validate.Struct(v); err != nil {
		l.log.Warn("invalid message dropped", zap.String("messageType", kind), zap.Error(err))
		return false
	}
	return true
}

// transientOnly lets redeliverable failures through and swallows the rest after logging.
func (l *Listener) transientOnly(kind string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) {
		return err
	}
	l.log.Warn("message rejected", append(fields, zap.String("messageType", kind), zap.Error(err))...)
	return nil
}

func (l *Listener) OnOTCInit(ctx context.Context, data []byte) error {
	var in domain.SagaInitiation
	if !l.decode("OTC_INIT", data, &in) {
		return nil
	}
	_, err := l.engine.Initiate(ctx, in)
	if err == nil || errors.Is(err, domain.ErrTransient) {
		return err
	}
	if errors.Is(err, domain.ErrConflict) && l.engine.SameInitiation(ctx, in) {
		// Redelivery; the first delivery was acknowledged.
		l.log.Info("redelivered saga initiation ignored", zap.String("uid", in.UID))
		return nil
	}
	if l.notify != nil {
		ack := domain.SagaAck{UID: in.UID, Failure: true, Message: err.Error()}
		if nerr := l.notify.NotifySaga(ctx, ack); nerr != nil {
			l.log.Warn("saga notification failed", zap.String("uid", in.UID), zap.Error(nerr))
		}
	}
	return l.transientOnly("OTC_INIT", err, zap.String("uid", in.UID))
}

func (l *Listener) OnOTCAck(ctx context.Context, data []byte) error {
	var ack domain.SagaAck
	if !l.decode("OTC_ACK", data, &ack) {
		return nil
	}

	var err error
	if ack.Failure {
		reason := ack.Message
		if reason == "" {
			reason = "rejected by trading service"
		}
		_, err = l.engine.Rollback(ctx, ack.UID, reason)
	} else {
		_, err = l.engine.Settle(ctx, ack.UID)
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStageOutOfRange) {
		l.log.Info("ack for resolved saga ignored", zap.String("uid", ack.UID))
		return nil
	}
	return l.transientOnly("OTC_ACK", err, zap.String("uid", ack.UID))
}

func (l *Listener) OnPremium(ctx context.Context, data []byte) error {
	var req domain.PremiumRequest
	if !l.decode("OTC_PREMIUM", data, &req) {
		return nil
	}
	_, err := l.engine.PayPremium(ctx, req)
	return l.transientOnly("OTC_PREMIUM", err,
		zap.Int64("from", req.FromAccountID), zap.Int64("to", req.ToAccountID))
}

func (l *Listener) OnAccountCreate(ctx context.Context, data []byte) error {
	var req domain.CreateAccountRequest
	if !l.decode("ACCOUNT_CREATE", data, &req) {
		return nil
	}
	_, err := l.accounts.Open(ctx, req)
	return l.transientOnly("ACCOUNT_CREATE", err, zap.Int64("owner", req.OwnerID))
}

func (l *Listener) OnOutbound(ctx context.Context, data []byte) error {
	var req domain.OutboundRequest
	if !l.decode("INTERBANK_OUTBOUND", data, &req) {
		return nil
	}
	_, err := l.sender.Send(ctx, req)
	return l.transientOnly("INTERBANK_OUTBOUND", err, zap.String("url", req.URL))
}
