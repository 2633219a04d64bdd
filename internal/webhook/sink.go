package webhook

import (
	"encoding/json"
	"sync"
	"time"
)

// Received is one payload captured by a Sink.
type Received struct {
	ReceivedAt time.Time       `json:"received_at"`
	EventType  string          `json:"event_type,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Sink keeps the most recent payloads POSTed to the test endpoint so that
// listener wiring can be checked end to end.
type Sink struct {
	mu      sync.Mutex
	max     int
	entries []Received
}

func NewSink(max int) *Sink {
	if max <= 0 {
		max = 100
	}
	return &Sink{max: max}
}

// Record stores a payload, dropping the oldest once the sink is full.
// Non-JSON bodies are kept as a JSON string.
func (s *Sink) Record(body []byte, now time.Time) Received {
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload, _ = json.Marshal(string(body))
	}

	var envelope struct {
		Type string `json:"event_type"`
	}
	_ = json.Unmarshal(payload, &envelope)

	r := Received{ReceivedAt: now.UTC(), EventType: envelope.Type, Payload: payload}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, r)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return r
}

// History returns up to limit payloads, newest first.
func (s *Sink) History(limit int) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Received, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out
}
