package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/service"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bankops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBody = 1 << 20

// Store is the read side the resource endpoints need.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	AccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error)
	Entries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)
	GetCard(ctx context.Context, id int64) (*domain.Card, error)
	BlockCard(ctx context.Context, id int64) (*domain.Card, error)
	GetLoan(ctx context.Context, id int64) (*domain.Loan, error)
	GetReceiver(ctx context.Context, id int64) (*domain.Receiver, error)
}

type Deps struct {
	Store      Store
	Engine     *service.Engine
	Accounts   *service.Accounts
	Dispatcher *service.Dispatcher
	Sender     *service.Sender
	// APIKey, when set, must match the X-Api-Key header of every /interbank call.
	APIKey string
	Log    *zap.Logger
}

type Handler struct {
	store      Store
	engine     *service.Engine
	accounts   *service.Accounts
	dispatcher *service.Dispatcher
	sender     *service.Sender
	apiKey     string
	validate   *validator.Validate
	log        *zap.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:      d.Store,
		engine:     d.Engine,
		accounts:   d.Accounts,
		dispatcher: d.Dispatcher,
		sender:     d.Sender,
		apiKey:     d.APIKey,
		validate:   validator.New(),
		log:        log,
	}
}

// endpoint is the route template, so metrics stay low-cardinality.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint(r)))
		defer timer.ObserveDuration()
		next.ServeHTTP(w, r)
	})
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondRaw writes an already encoded body, as recorded in the audit log.
func (h *Handler) respondRaw(w http.ResponseWriter, r *http.Request, code int, body []byte) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *Handler) respondOK(w http.ResponseWriter, r *http.Request, code int, data interface{}) {
	h.respondJSON(w, r, code, domain.Ok(data))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("endpoint", endpoint(r)), zap.Error(err))
	}
	h.respondJSON(w, r, code, domain.Fail(domain.PublicMessage(err)))
}

// Deny is the auth.DenyFunc for the router's guard.
func (h *Handler) Deny(w http.ResponseWriter, r *http.Request, code int, msg string) {
	h.respondJSON(w, r, code, domain.Fail(msg))
}

func (h *Handler) decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrMalformed, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrMalformed)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", domain.ErrMalformed, name)
	}
	return id, nil
}
