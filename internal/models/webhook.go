package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published by the coordination core.
const (
	EventJobDispatched           = "job.dispatched"
	EventJobCompleted            = "job.completed"
	EventJobFailed               = "job.failed"
	EventJobPartiallyFailed      = "job.partially_failed"
	EventJobCancelled            = "job.cancelled"
	EventCaseReadyForExtraction  = "case.ready_for_extraction"
	EventCaseExtractionSucceeded = "case.extraction_succeeded"
	EventCaseExtractionFailed    = "case.extraction_failed"
	EventLeaseExpired            = "lease.expired"
)

// Event is the envelope POSTed to webhook listeners.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent encodes data into an event envelope.
func NewEvent(id, eventType string, data any, now time.Time) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return &Event{ID: id, Type: eventType, Timestamp: now, Data: raw}, nil
}

// Listener is a registered webhook endpoint. An empty EventTypes list
// subscribes to every event.
type Listener struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	CreatedAt  time.Time `json:"created_at"`
}

func (l *Listener) Wants(eventType string) bool {
	if len(l.EventTypes) == 0 {
		return true
	}
	for _, t := range l.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) Valid() bool {
	return s == DeliveryPending || s == DeliveryDelivered || s == DeliveryFailed
}

// Delivery tracks one event sent to one listener.
type Delivery struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	ListenerID  string          `json:"listener_id"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	Status      DeliveryStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}
