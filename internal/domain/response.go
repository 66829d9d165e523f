package domain

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Response is the uniform body every endpoint answers with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func Ok(data interface{}) Response { return Response{Success: true, Data: data} }

func Fail(msg string) Response { return Response{Success: false, Error: msg} }

func (r Response) Encode() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Fail("Internal Server Error"))
	}
	return b
}

// HTTPStatus maps a service error to the status code it surfaces as.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text safe to send to a caller. Internal failures are not described.
func PublicMessage(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "Internal Server Error"
	}
	return err.Error()
}
