// Package message defines the immutable value published and delivered by the broker.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable record ingested by a topic and fanned out to subscribers.
// Fields are unexported with accessors so construction is the only way to produce one.
type Message struct {
	id         string
	key        string
	payload    []byte
	requireAck bool
	timestamp  time.Time
}

// New constructs a Message, assigning a fresh id when none is supplied and stamping
// the ingest timestamp to the current wall clock. The payload is copied so later
// mutation by the caller cannot violate immutability.
func New(id, key string, payload []byte, requireAck bool) Message {
	if id == "" {
		id = uuid.NewString()
	}
	var body []byte
	if len(payload) > 0 {
		body = make([]byte, len(payload))
		copy(body, payload)
	}
	return Message{
		id:         id,
		key:        key,
		payload:    body,
		requireAck: requireAck,
		timestamp:  time.Now(),
	}
}

// ID returns the message's unique identifier.
func (m Message) ID() string { return m.id }

// Key returns the compaction key, or "" if the message carries none.
func (m Message) Key() string { return m.key }

// HasKey reports whether the message was published with a non-empty key.
func (m Message) HasKey() bool { return m.key != "" }

// Payload returns the opaque message body. Callers must not mutate the returned slice.
func (m Message) Payload() []byte { return m.payload }

// RequireAck reports whether subscribers must explicitly acknowledge this message.
func (m Message) RequireAck() bool { return m.requireAck }

// Timestamp returns the broker-assigned ingest time.
func (m Message) Timestamp() time.Time { return m.timestamp }

// WithTimestamp returns a copy of m stamped with the given ingest time. Used by the
// topic mailbox to assign the authoritative timestamp at publish-processing time.
func (m Message) WithTimestamp(t time.Time) Message {
	m.timestamp = t
	return m
}

// Age reports how long ago the message was stamped, relative to now.
func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(m.timestamp)
}
