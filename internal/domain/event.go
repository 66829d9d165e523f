package domain

import (
	"encoding/json"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "SUCCESS"
	DeliveryFailure DeliveryStatus = "FAILURE"
	DeliveryPending DeliveryStatus = "PENDING"
)

// Event is the audit record of one interbank message, inbound or outbound.
// At most one Event exists per IdempotenceKey.
type Event struct {
	ID          int64           `json:"id"`
	Key         IdempotenceKey  `json:"idempotenceKey"`
	MessageType MessageType     `json:"messageType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	URL         string          `json:"url"`
	Direction   Direction       `json:"direction"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// EventDelivery records one observed HTTP exchange for an Event. Rows are append-only.
type EventDelivery struct {
	ID           int64           `json:"id"`
	EventID      int64           `json:"eventId"`
	Status       DeliveryStatus  `json:"status"`
	HTTPStatus   int             `json:"httpStatus"`
	ResponseBody json.RawMessage `json:"responseBody,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	SentAt       time.Time       `json:"sentAt"`
}

// StatusFor classifies an HTTP status code the way deliveries are recorded.
func StatusFor(httpStatus int) DeliveryStatus {
	if httpStatus >= 200 && httpStatus < 300 {
		return DeliverySuccess
	}
	return DeliveryFailure
}
