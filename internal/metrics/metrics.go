// Package metrics tracks broker-wide counters exported by the /metrics endpoint.
package metrics

import "sync/atomic"

// Counters holds the cumulative, broker-wide counters. Zero value is ready to use.
type Counters struct {
	topics              int64
	subscribers         int64
	messagesPublished   int64
	messagesDelivered   int64
	messagesRedelivered int64
	acksOutstanding     int64
	sinksDropped        int64
}

// New constructs an empty Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) TopicCreated()   { atomic.AddInt64(&c.topics, 1) }
func (c *Counters) TopicDeleted()   { atomic.AddInt64(&c.topics, -1) }
func (c *Counters) SubscriberJoined()  { atomic.AddInt64(&c.subscribers, 1) }
func (c *Counters) SubscriberLeft()    { atomic.AddInt64(&c.subscribers, -1) }
func (c *Counters) MessagePublished()  { atomic.AddInt64(&c.messagesPublished, 1) }
func (c *Counters) MessageDelivered()  { atomic.AddInt64(&c.messagesDelivered, 1) }
func (c *Counters) MessageRedelivered() { atomic.AddInt64(&c.messagesRedelivered, 1) }
func (c *Counters) SinkDropped()       { atomic.AddInt64(&c.sinksDropped, 1) }

// SetAcksOutstanding records the current total number of messages with an
// outstanding ack entry, across all topics.
func (c *Counters) SetAcksOutstanding(n int64) { atomic.StoreInt64(&c.acksOutstanding, n) }

// Snapshot is a point-in-time, read-only view suitable for export.
type Snapshot struct {
	Topics              int64
	Subscribers         int64
	MessagesPublished   int64
	MessagesDelivered   int64
	MessagesRedelivered int64
	AcksOutstanding     int64
	SinksDropped        int64
}

// Snapshot reports the current counter values.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Topics:              atomic.LoadInt64(&c.topics),
		Subscribers:         atomic.LoadInt64(&c.subscribers),
		MessagesPublished:   atomic.LoadInt64(&c.messagesPublished),
		MessagesDelivered:   atomic.LoadInt64(&c.messagesDelivered),
		MessagesRedelivered: atomic.LoadInt64(&c.messagesRedelivered),
		AcksOutstanding:     atomic.LoadInt64(&c.acksOutstanding),
		SinksDropped:        atomic.LoadInt64(&c.sinksDropped),
	}
}
