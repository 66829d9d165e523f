package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/bankops/internal/auth"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/service"
	"github.com/punchamoorthee/bankops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "test-secret"
	testRouting = 111
	partnerKey  = "partner-key"
)

type testServer struct {
	mem      *store.Memory
	verifier *auth.Verifier
	server   *httptest.Server

	owned  domain.Account // owner 7
	other  domain.Account // owner 8
	card   domain.Card
	loan   domain.Loan
	rcv    domain.Receiver
	sender *service.Sender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	ts := &testServer{mem: mem, verifier: auth.NewVerifier(testSecret)}
	ts.owned = mem.AddAccount(domain.Account{OwnerID: 7, Number: "1110000000042", Currency: "RSD", Balance: decimal.NewFromInt(500)})
	ts.other = mem.AddAccount(domain.Account{OwnerID: 8, Number: "1110000000043", Currency: "RSD"})
	ts.card = mem.AddCard(domain.Card{AccountID: ts.owned.ID, Number: "4111111111111111"})
	ts.loan = mem.AddLoan(domain.Loan{AccountID: ts.other.ID, Amount: decimal.NewFromInt(1000)})
	ts.rcv = mem.AddReceiver(domain.Receiver{CustomerID: 7, AccountNumber: "2220000000001", Name: "Ana"})

	engine := service.NewEngine(mem, nil, time.Minute, nil)
	accounts := service.NewAccounts(mem, testRouting, nil)
	dispatcher := service.NewDispatcher(mem, service.NewProtocol(engine, mem, testRouting, nil), nil, testRouting, time.Second, nil)
	ts.sender = service.NewSender(mem, nil, service.SenderConfig{RoutingNumber: testRouting, MaxRetries: 1}, nil)

	h := NewHandler(Deps{
		Store:      mem,
		Engine:     engine,
		Accounts:   accounts,
		Dispatcher: dispatcher,
		Sender:     ts.sender,
		APIKey:     partnerKey,
	})
	guard := auth.NewGuard(auth.NewEngine(OwnerResolver(mem), nil), ts.verifier, h.Deny)
	ts.server = httptest.NewServer(NewRouter(h, guard))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) token(t *testing.T, c auth.Claims) string {
	t.Helper()
	tok, err := ts.verifier.Issue(c, time.Hour)
	require.NoError(t, err)
	return tok
}

func customer(id int64) auth.Claims { return auth.Claims{UserID: id, Position: auth.PositionNone} }

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, headers ...string) (*http.Response, domain.Response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out domain.Response
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestOwnedResourceAccess(t *testing.T) {
	ts := newTestServer(t)
	owner := ts.token(t, customer(7))
	stranger := ts.token(t, customer(8))
	worker := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})

	cases := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"owner reads own account", fmt.Sprintf("/accounts/%d", ts.owned.ID), owner, http.StatusOK},
		{"stranger is forbidden", fmt.Sprintf("/accounts/%d", ts.owned.ID), stranger, http.StatusForbidden},
		{"missing token", fmt.Sprintf("/accounts/%d", ts.owned.ID), "", http.StatusUnauthorized},
		{"garbled token", fmt.Sprintf("/accounts/%d", ts.owned.ID), "abc.def.ghi", http.StatusUnauthorized},
		{"employee reads any account", fmt.Sprintf("/accounts/%d", ts.other.ID), worker, http.StatusOK},
		{"card resolves through its account", fmt.Sprintf("/cards/%d", ts.card.ID), owner, http.StatusOK},
		{"loan of another customer", fmt.Sprintf("/loans/%d", ts.loan.ID), owner, http.StatusForbidden},
		{"own receiver", fmt.Sprintf("/receivers/%d", ts.rcv.ID), owner, http.StatusOK},
		{"own account list", "/users/7/accounts", owner, http.StatusOK},
		{"foreign account list", "/users/8/accounts", owner, http.StatusForbidden},
		{"entries", fmt.Sprintf("/accounts/%d/entries", ts.owned.ID), owner, http.StatusOK},
		{"unknown account for employee", "/accounts/999999", worker, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, tc.want == http.StatusOK, body.Success)
			if tc.want == http.StatusUnauthorized {
				assert.Equal(t, auth.MsgInvalidLogin, body.Error)
			}
		})
	}
}

func TestCustomerOnlyOperations(t *testing.T) {
	ts := newTestServer(t)
	premium := []byte(fmt.Sprintf(`{"sellerAccountId":%d,"amount":"25"}`, ts.other.ID))
	path := fmt.Sprintf("/accounts/%d/otc/premium", ts.owned.ID)

	t.Run("employee is refused for a customer's account", func(t *testing.T) {
		tok := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})
		resp, body := ts.do(t, http.MethodPost, path, tok, premium)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, auth.MsgForbidden, body.Error)
	})

	t.Run("admin fallback is disabled", func(t *testing.T) {
		tok := ts.token(t, auth.Claims{UserID: 99, Position: auth.PositionNone, IsAdmin: true})
		resp, _ := ts.do(t, http.MethodPost, path, tok, premium)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("owner pays the premium", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, path, ts.token(t, customer(7)), premium)
		require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)

		seller, err := ts.mem.GetAccount(context.Background(), ts.other.ID)
		require.NoError(t, err)
		assert.True(t, seller.Balance.Equal(decimal.NewFromInt(25)))
	})

	t.Run("owner blocks their card", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPatch, fmt.Sprintf("/cards/%d/block", ts.card.ID), ts.token(t, customer(7)), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		card, err := ts.mem.GetCard(context.Background(), ts.card.ID)
		require.NoError(t, err)
		assert.True(t, card.Blocked)
	})
}

func TestCreateAccountIsEmployeeOnly(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"ownerId":7,"currency":"EUR","initialBalance":"10"}`)

	resp, _ := ts.do(t, http.MethodPost, "/accounts", ts.token(t, customer(7)), body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	worker := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})
	resp, out := ts.do(t, http.MethodPost, "/accounts", worker, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, out.Error)

	resp, out = ts.do(t, http.MethodPost, "/accounts", worker, []byte(`{"ownerId":7}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, out.Success)
}

func interbankBody(t *testing.T, key string, mt domain.MessageType, payload interface{}) []byte {
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

func TestInterbankEndpoint(t *testing.T) {
	ts := newTestServer(t)
	post := func(body []byte, key string) (*http.Response, domain.Response) {
		return ts.do(t, http.MethodPost, "/interbank", "", body, "X-Api-Key", key)
	}

	t.Run("wrong api key", func(t *testing.T) {
		resp, _ := post([]byte(`{}`), "nope")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		before := len(ts.mem.ListEvents())
		resp, body := post([]byte(`{"messageType":`), partnerKey)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.False(t, body.Success)
		assert.Len(t, ts.mem.ListEvents(), before)
	})

	t.Run("empty body is accepted", func(t *testing.T) {
		resp, body := post(nil, partnerKey)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, body.Success)
	})

	t.Run("retries replay the first outcome", func(t *testing.T) {
		tx := domain.InterbankTransaction{
			Postings: []domain.Posting{
				{
					Account: domain.TxAccount{Type: domain.TxAccountAccount, Num: ts.owned.Number},
					Amount:  decimal.NewFromInt(-40),
					Asset:   domain.Asset{Type: domain.AssetMonas, Asset: domain.MonetaryAsset{Currency: "RSD"}},
				},
				{
					Account: domain.TxAccount{Type: domain.TxAccountAccount, Num: "2220000000009"},
					Amount:  decimal.NewFromInt(40),
					Asset:   domain.Asset{Type: domain.AssetMonas, Asset: domain.MonetaryAsset{Currency: "RSD"}},
				},
			},
			Message:       "rent",
			TransactionID: domain.IdempotenceKey{RoutingNumber: 222, LocallyGeneratedKey: "tx-http"},
		}
		raw := interbankBody(t, "msg-1", domain.MessageNewTx, tx)

		first, firstBody := post(raw, partnerKey)
		require.Equal(t, http.StatusOK, first.StatusCode, firstBody.Error)
		assert.Empty(t, first.Header.Get("Idempotent-Replay"))

		again, againBody := post(raw, partnerKey)
		assert.Equal(t, first.StatusCode, again.StatusCode)
		assert.Equal(t, "true", again.Header.Get("Idempotent-Replay"))
		assert.Equal(t, firstBody, againBody)

		worker := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})
		resp, trail := ts.do(t, http.MethodGet, "/interbank/events/222/msg-1", worker, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := json.Marshal(trail.Data)
		require.NoError(t, err)
		var decoded service.EventTrail
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Len(t, decoded.Deliveries, 2)

		resp, _ = ts.do(t, http.MethodGet, "/interbank/events/222/msg-1", ts.token(t, customer(7)), nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestSagaLookup(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})

	resp, body := ts.do(t, http.MethodGet, "/sagas/missing", worker, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, body.Success)

	resp, _ = ts.do(t, http.MethodGet, "/sagas/missing", ts.token(t, customer(7)), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendOutbound(t *testing.T) {
	ts := newTestServer(t)
	received := make(chan string, 1)
	partner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer partner.Close()

	body := []byte(fmt.Sprintf(`{"url":%q,"messageType":"COMMIT_TX","message":{"routingNumber":111,"locallyGeneratedKey":"tx-9"}}`, partner.URL+"/interbank"))

	resp, _ := ts.do(t, http.MethodPost, "/interbank/outbound", ts.token(t, customer(7)), body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	worker := ts.token(t, auth.Claims{UserID: 100, Position: auth.PositionWorker})
	resp, out := ts.do(t, http.MethodPost, "/interbank/outbound", worker, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, out.Error)

	select {
	case path := <-received:
		assert.Equal(t, "/interbank", path)
	case <-time.After(2 * time.Second):
		t.Fatal("partner never called")
	}
	require.NoError(t, ts.sender.Close(context.Background()))
}
