// Package audit builds and records the broker's audit trail, per
// spec.md §3 (the AuditEvent envelope) and §4.2 (the Emitter operation).
//
// It is grounded on the teacher's internal/ruriko/store audit log: a
// sequential, append-only record of what happened, identified by a trace
// ID, with a JSON payload column. The broker keeps that shape but drops
// the relational actor/target/result columns in favor of the envelope
// spec.md defines, and makes the redaction step mandatory rather than an
// opt-in caller responsibility.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/redact"
)

// Event is the AuditEvent envelope from spec.md §3.
type Event struct {
	SchemaVersion string           `json:"schema_version"`
	EventType     string           `json:"event_type"`
	EventID       string           `json:"event_id"`
	OccurredAt    string           `json:"occurred_at"`
	RequestID     string           `json:"request_id"`
	TraceID       string           `json:"trace_id"`
	RequesterID   string           `json:"requester_id"`
	Service       string           `json:"service"`
	Environment   string           `json:"environment"`
	Redactions    []redact.Record  `json:"redactions"`
	Payload       any              `json:"payload"`
}

const schemaVersion = "v1"

// RequestLike is the minimal shape Emit needs from a request to populate
// request_id and requester_id; model.Request satisfies it without audit
// importing model's full surface.
type RequestLike interface {
	GetRequestID() string
	GetRequesterID() string
}

// EnvelopeConfig is the subset of BrokerConfig an Emitter needs; keeping it
// narrow avoids an import of the config package here.
type EnvelopeConfig struct {
	ServiceName string
	Environment string
}

// Sink receives each Event as it is emitted. Implementations must not
// retain the Event's Payload beyond the call if they mutate it.
type Sink interface {
	Write(Event) error
}

// Emitter builds AuditEvents and appends them to an in-memory ordered
// sequence, optionally forwarding each one to a Sink. Per spec.md §4.2 it
// is reentrant from a single calling thread only; a Sink that needs
// cross-thread safety must provide its own locking (MemorySink and
// SQLiteSink below do).
type Emitter struct {
	cfg    EnvelopeConfig
	sink   Sink
	events []Event
}

// New returns an Emitter. sink may be nil, in which case events are only
// kept in the in-memory sequence.
func New(cfg EnvelopeConfig, sink Sink) *Emitter {
	return &Emitter{cfg: cfg, sink: sink}
}

// Emit builds the envelope for eventType, applies the Redactor to payload
// unless redactions is non-nil (in which case the caller has already
// redacted and supplies the record list verbatim), appends it to the
// in-memory sequence, and forwards it to the sink if one is configured.
//
// Deviation from the Python reference (documented in SPEC_FULL.md §9,
// Open Question c): redaction is applied unconditionally to every payload,
// including success-path events, not only where the caller already knows
// sensitive data may be present.
func (e *Emitter) Emit(req RequestLike, traceID, eventType string, payload any, redactions []redact.Record) Event {
	requesterID := ""
	requestID := ""
	if req != nil {
		requesterID = req.GetRequesterID()
		requestID = req.GetRequestID()
	}

	finalPayload := payload
	finalRedactions := redactions
	if redactions == nil {
		asAny := toAny(payload)
		finalPayload, finalRedactions = redact.Walk(asAny)
	}
	if finalRedactions == nil {
		finalRedactions = []redact.Record{}
	}

	event := Event{
		SchemaVersion: schemaVersion,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC().Format(time.RFC3339),
		RequestID:     requestID,
		TraceID:       traceID,
		RequesterID:   requesterID,
		Service:       e.cfg.ServiceName,
		Environment:   e.cfg.Environment,
		Redactions:    finalRedactions,
		Payload:       finalPayload,
	}

	e.events = append(e.events, event)
	if e.sink != nil {
		_ = e.sink.Write(event)
	}
	return event
}

// Events returns the in-memory ordered sequence of events emitted so far.
func (e *Emitter) Events() []Event {
	return e.events
}

// toAny round-trips payload through JSON so map/struct/slice inputs all
// present to redact.Walk as the same plain map[string]any/[]any/scalar
// shape it expects, regardless of whether the caller passed a struct.
func toAny(payload any) any {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}

// MemorySink is a cross-thread-safe Sink that keeps events in memory, for
// tests. The smoke-e2e harness does not use it; it reads the Emitter's own
// in-memory sequence.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
