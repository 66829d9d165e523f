package api

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

// InterbankHandler is the single endpoint partner banks post envelopes to. The reply is the
// recorded outcome of the first delivery of the key, so retries see exactly what the first call saw.
func (h *Handler) InterbankHandler(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), []byte(h.apiKey)) != 1 {
		h.respondError(w, r, fmt.Errorf("%w: invalid api key", domain.ErrUnauthenticated))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrMalformed, err))
		return
	}

	outcome, err := h.dispatcher.Receive(r.Context(), body, r.RemoteAddr)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if outcome.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	d := outcome.Delivery
	if len(d.ResponseBody) == 0 {
		h.respondJSON(w, r, d.HTTPStatus, nil)
		return
	}
	h.respondRaw(w, r, d.HTTPStatus, d.ResponseBody)
}

// EventTrailHandler shows the audit trail of one idempotence key.
func (h *Handler) EventTrailHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	routing, err := strconv.Atoi(vars["routingNumber"])
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: invalid routing number", domain.ErrMalformed))
		return
	}
	key := domain.IdempotenceKey{RoutingNumber: routing, LocallyGeneratedKey: vars["key"]}

	trail, err := h.dispatcher.Trail(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondOK(w, r, http.StatusOK, trail)
}

// SendOutboundHandler queues a message for a partner bank and answers with its OUTGOING event.
func (h *Handler) SendOutboundHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OutboundRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	event, err := h.sender.Send(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.log.Info("outbound message queued", zap.Stringer("key", event.Key), zap.String("url", event.URL))
	h.respondOK(w, r, http.StatusAccepted, event)
}
