package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bankops/internal/auth"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "accountId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, account)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "accountId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	entries, err := h.store.Entries(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, entries)
}

func (h *Handler) ListUserAccountsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	accounts, err := h.store.AccountsByOwner(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.respondOK(w, r, http.StatusOK, accounts)
}

// CreateAccountHandler is used by employees; the acting employee is taken from the token.
func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		req.EmployeeID = claims.UserID
	}

	account, err := h.accounts.Open(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusCreated, account)
}

type premiumBody struct {
	SellerAccountID int64           `json:"sellerAccountId" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
}

// PayPremiumHandler pays an OTC option premium from the account in the path.
func (h *Handler) PayPremiumHandler(w http.ResponseWriter, r *http.Request) {
	from, err := pathID(r, "accountId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var body premiumBody
	if err := h.decode(r, &body); err != nil {
		h.respondError(w, r, err)
		return
	}

	ref, err := h.engine.PayPremium(r.Context(), domain.PremiumRequest{
		FromAccountID: from,
		ToAccountID:   body.SellerAccountID,
		Amount:        body.Amount,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusCreated, map[string]string{"reference": ref})
}

func (h *Handler) GetCardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cardId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	card, err := h.store.GetCard(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, card)
}

func (h *Handler) BlockCardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cardId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	card, err := h.store.BlockCard(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, card)
}

func (h *Handler) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "loanId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	loan, err := h.store.GetLoan(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, loan)
}

func (h *Handler) GetReceiverHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "receiverId")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	receiver, err := h.store.GetReceiver(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, receiver)
}

// GetSagaHandler returns an active saga; ?archived=true also finds settled ones.
func (h *Handler) GetSagaHandler(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	lookup := h.engine.Lookup
	if r.URL.Query().Get("archived") == "true" {
		lookup = h.engine.History
	}
	saga, err := lookup(r.Context(), uid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, saga)
}
