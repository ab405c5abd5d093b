// Package events turns committed graph mutations into change events and hands
// them to an external publisher.
//
// Every committed entity produces exactly one ChangeEvent. Events from the
// same commit share a transaction ID and timestamp. The Pipeline wraps each
// event in an Envelope and publishes it with bounded retries behind a circuit
// breaker.
//
// Delivery is best effort. A publish failure never unwinds the storage commit
// that produced the event; it surfaces as a PublishError (matching
// ErrEventPublishFailed) next to a successful commit result.
//
// Example:
//
//	pub := events.NewWriterPublisher(os.Stdout)
//	pipeline := events.NewPipeline(pub, events.PipelineOptions{})
//	if err := pipeline.Emit(ctx, txID, evs); err != nil {
//		log.Printf("events not delivered: %v", err) // data is still committed
//	}
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orneryd/champ/pkg/model"
)

// Operation is the kind of mutation an event reports.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEvent records one committed mutation. It is built once, right after
// the storage write it describes, and never modified.
//
// The snapshot is the entity after the mutation, or before it for DELETE.
// Exactly one of Object and Relationship is set, matching EntityKind.
type ChangeEvent struct {
	Operation     Operation
	EntityKind    model.EntityKind
	Object        *model.Object
	Relationship  *model.Relationship
	TransactionID string
	Timestamp     time.Time
}

// Key returns the key of the entity the event is about.
func (e ChangeEvent) Key() model.Key {
	if e.Object != nil {
		return e.Object.Key()
	}
	if e.Relationship != nil {
		return e.Relationship.Key()
	}
	return ""
}

// EntityType returns the type of the entity the event is about.
func (e ChangeEvent) EntityType() string {
	if e.Object != nil {
		return e.Object.Type()
	}
	if e.Relationship != nil {
		return e.Relationship.Type()
	}
	return ""
}

// Snapshot returns the entity snapshot as a JSON-marshalable value.
func (e ChangeEvent) Snapshot() any {
	if e.Object != nil {
		return e.Object
	}
	if e.Relationship != nil {
		return e.Relationship
	}
	return nil
}

// SchemaVersion is the envelope layout version.
const SchemaVersion = 1

// Header identifies an envelope.
type Header struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`
	SchemaVersion int       `json:"schema_version"`
}

// Body carries the event payload.
type Body struct {
	Operation     Operation        `json:"operation"`
	EntityKind    model.EntityKind `json:"entity_kind"`
	EntityType    string           `json:"entity_type"`
	EntityKey     model.Key        `json:"entity_key"`
	Entity        any              `json:"entity"`
	TransactionID string           `json:"transaction_id"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Envelope is what publishers receive.
type Envelope struct {
	Header Header `json:"header"`
	Body   Body   `json:"body"`
}

// NewEnvelope wraps ev. It is a pure transformation with no I/O.
func NewEnvelope(ev ChangeEvent, requestID, source string) Envelope {
	return Envelope{
		Header: Header{
			RequestID:     requestID,
			Timestamp:     ev.Timestamp,
			Source:        source,
			SchemaVersion: SchemaVersion,
		},
		Body: Body{
			Operation:     ev.Operation,
			EntityKind:    ev.EntityKind,
			EntityType:    ev.EntityType(),
			EntityKey:     ev.Key(),
			Entity:        ev.Snapshot(),
			TransactionID: ev.TransactionID,
			Timestamp:     ev.Timestamp,
		},
	}
}

// Encode serializes an envelope to JSON.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

type requestIDKey struct{}

// WithRequestID attaches a caller request ID that envelopes emitted under ctx
// carry in their header. Without one, the transaction ID is used.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored by WithRequestID.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
