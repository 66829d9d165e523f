package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testRouting = 111

type recordingNotifier struct {
	mu   sync.Mutex
	acks []domain.SagaAck
}

func (n *recordingNotifier) NotifySaga(_ context.Context, ack domain.SagaAck) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acks = append(n.acks, ack)
	return nil
}

func (n *recordingNotifier) all() []domain.SagaAck {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.SagaAck(nil), n.acks...)
}

type fixture struct {
	store      *store.Memory
	notifier   *recordingNotifier
	engine     *Engine
	protocol   *Protocol
	dispatcher *Dispatcher

	seller domain.Account // 1110000000001, 1000 RSD
	buyer  domain.Account // 1110000000002, 0 RSD
	euro   domain.Account // 1110000000003, 50 EUR
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	f := &fixture{store: mem, notifier: &recordingNotifier{}}
	f.seller = mem.AddAccount(domain.Account{OwnerID: 10, Number: "1110000000001", Currency: "RSD", Balance: dec("1000")})
	f.buyer = mem.AddAccount(domain.Account{OwnerID: 20, Number: "1110000000002", Currency: "RSD"})
	f.euro = mem.AddAccount(domain.Account{OwnerID: 30, Number: "1110000000003", Currency: "EUR", Balance: dec("50")})

	f.engine = NewEngine(mem, f.notifier, time.Minute, nil)
	f.protocol = NewProtocol(f.engine, mem, testRouting, nil)
	f.dispatcher = NewDispatcher(mem, f.protocol, nil, testRouting, 2*time.Second, nil)
	return f
}

func (f *fixture) account(t *testing.T, id int64) *domain.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func monas(currency string) domain.Asset {
	return domain.Asset{Type: domain.AssetMonas, Asset: domain.MonetaryAsset{Currency: currency}}
}

func accountPosting(num, amount, currency string) domain.Posting {
	return domain.Posting{
		Account: domain.TxAccount{Type: domain.TxAccountAccount, Num: num},
		Amount:  dec(amount),
		Asset:   monas(currency),
	}
}

func personPosting(routing int, id, amount, currency string) domain.Posting {
	return domain.Posting{
		Account: domain.TxAccount{Type: domain.TxAccountPerson, ID: &domain.ForeignBankID{RoutingNumber: routing, ID: id}},
		Amount:  dec(amount),
		Asset:   monas(currency),
	}
}

func txID(local string) domain.IdempotenceKey {
	return domain.IdempotenceKey{RoutingNumber: 222, LocallyGeneratedKey: local}
}

func envelope(t *testing.T, key string, mt domain.MessageType, payload interface{}) []byte {
	t.Helper()
	msg, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(domain.InterbankMessage{
		IdempotenceKey: domain.IdempotenceKey{RoutingNumber: 222, LocallyGeneratedKey: key},
		MessageType:    mt,
		Message:        msg,
	})
	require.NoError(t, err)
	return raw
}

func newTx(id string, postings ...domain.Posting) domain.InterbankTransaction {
	return domain.InterbankTransaction{Postings: postings, Message: "test", TransactionID: txID(id)}
}

// decodeBody splits a recorded delivery body into its envelope and data.
func decodeBody(t *testing.T, raw json.RawMessage) (domain.Response, json.RawMessage) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	return domain.Response{Success: env.Success, Error: env.Error}, env.Data
}

func decodeVote(t *testing.T, raw json.RawMessage) domain.TransactionVote {
	t.Helper()
	resp, data := decodeBody(t, raw)
	require.True(t, resp.Success, "error: %s", resp.Error)
	var vote domain.TransactionVote
	require.NoError(t, json.Unmarshal(data, &vote))
	return vote
}
