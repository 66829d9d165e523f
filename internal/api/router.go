package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/bankops/internal/auth"
)

// OwnerStore resolves resources to the users owning them.
type OwnerStore interface {
	AccountOwner(ctx context.Context, id int64) (int64, error)
	CardAccount(ctx context.Context, id int64) (int64, error)
	LoanAccount(ctx context.Context, id int64) (int64, error)
	ReceiverCustomer(ctx context.Context, id int64) (int64, error)
}

func OwnerResolver(s OwnerStore) auth.Resolver {
	return auth.Resolver{
		auth.KindAccount:  s.AccountOwner,
		auth.KindCard:     auth.ViaAccount(s.CardAccount, s.AccountOwner),
		auth.KindLoan:     auth.ViaAccount(s.LoanAccount, s.AccountOwner),
		auth.KindReceiver: s.ReceiverCustomer,
	}
}

var (
	byDefault    = auth.Policy{}
	customerOnly = auth.Policy{CustomerOnlyOperation: true}
	employeeOnly = auth.Policy{EmployeeOnlyOperation: true}
)

func NewRouter(h *Handler, guard *auth.Guard) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	// Partner banks authenticate with the API key, not a user token.
	r.HandleFunc("/interbank", h.InterbankHandler).Methods(http.MethodPost)
	r.Handle("/interbank/events/{routingNumber:[0-9]+}/{key}",
		guard.Wrap(employeeOnly, auth.NoRef, h.EventTrailHandler)).Methods(http.MethodGet)
	r.Handle("/interbank/outbound",
		guard.Wrap(auth.Policy{EmployeeOnlyOperation: true, DisallowAdminFallback: true}, auth.NoRef, h.SendOutboundHandler)).Methods(http.MethodPost)

	account := auth.PathRef(auth.KindAccount, "accountId")
	r.Handle("/accounts", guard.Wrap(employeeOnly, auth.NoRef, h.CreateAccountHandler)).Methods(http.MethodPost)
	r.Handle("/accounts/{accountId:[0-9]+}", guard.Wrap(byDefault, account, h.GetAccountHandler)).Methods(http.MethodGet)
	r.Handle("/accounts/{accountId:[0-9]+}/entries", guard.Wrap(byDefault, account, h.GetAccountEntriesHandler)).Methods(http.MethodGet)
	r.Handle("/accounts/{accountId:[0-9]+}/otc/premium",
		guard.Wrap(auth.Policy{CustomerOnlyOperation: true, DisallowAdminFallback: true}, account, h.PayPremiumHandler)).Methods(http.MethodPost)
	r.Handle("/users/{userId:[0-9]+}/accounts",
		guard.Wrap(byDefault, auth.PathRef(auth.KindUser, "userId"), h.ListUserAccountsHandler)).Methods(http.MethodGet)

	card := auth.PathRef(auth.KindCard, "cardId")
	r.Handle("/cards/{cardId:[0-9]+}", guard.Wrap(byDefault, card, h.GetCardHandler)).Methods(http.MethodGet)
	r.Handle("/cards/{cardId:[0-9]+}/block", guard.Wrap(customerOnly, card, h.BlockCardHandler)).Methods(http.MethodPatch)

	r.Handle("/loans/{loanId:[0-9]+}",
		guard.Wrap(byDefault, auth.PathRef(auth.KindLoan, "loanId"), h.GetLoanHandler)).Methods(http.MethodGet)
	r.Handle("/receivers/{receiverId:[0-9]+}",
		guard.Wrap(byDefault, auth.PathRef(auth.KindReceiver, "receiverId"), h.GetReceiverHandler)).Methods(http.MethodGet)

	r.Handle("/sagas/{uid}", guard.Wrap(employeeOnly, auth.NoRef, h.GetSagaHandler)).Methods(http.MethodGet)
	return r
}
