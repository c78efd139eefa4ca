// Package topic implements the single-writer topic state machine: the per-topic
// mailbox that ingests publishes, fans them to subscribers, enforces retention and
// compaction, tracks per-subscriber acknowledgements, and reacts to missed
// deadlines with bounded redelivery.
//
// A Topic is a goroutine plus a channel: exactly one logical thread of control
// processes Publish/Subscribe/Unsubscribe/Acknowledge/Tick/AckDeadline events in
// arrival order, the Go analogue of the actor mailbox this system's design was
// distilled from.
package topic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventbroker/internal/ack"
	"eventbroker/internal/logging"
	"eventbroker/internal/message"
	"eventbroker/internal/metrics"
	"eventbroker/internal/store"
	"eventbroker/internal/throttle"
)

// Default timing for a topic created without explicit overrides.
const (
	DefaultRetentionSweepPeriod = 60 * time.Second
	DefaultAckTimeout           = 30 * time.Second
	DefaultMaxAckRetries        = 3
	DefaultMailboxTimeout       = 2 * time.Second
)

// ErrStopped is returned by any operation on a topic that has already been deleted.
var ErrStopped = errors.New("topic: stopped")

// Config controls a topic's mode and timing. Mode (Compaction) is fixed at
// creation and never mutates, per the store's documented invariant.
type Config struct {
	Retention     time.Duration
	Compaction    bool
	SweepPeriod   time.Duration
	AckTimeout    time.Duration
	MaxAckRetries int
	// ByteRateLimit bounds sustained per-subscriber delivery throughput; zero
	// uses throttle.DefaultSubscriberByteRate.
	ByteRateLimit float64
}

func (c Config) withDefaults() Config {
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = DefaultRetentionSweepPeriod
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxAckRetries <= 0 {
		c.MaxAckRetries = DefaultMaxAckRetries
	}
	return c
}

// Topic is the per-topic single-writer state machine.
type Topic struct {
	Name string
	cfg  Config
	log  *logging.Logger

	events chan event
	done   chan struct{}
	closed sync.Once

	store    store.Store
	acks     *ack.Tracker
	retries  map[string]int
	timers   map[string]*time.Timer
	subs     map[string]*Subscriber
	throttle *throttle.Delivery
	metrics  *metrics.Counters

	// onCrash is invoked, with the topic name, if a handler panics. The
	// registry uses it to drop the topic instead of leaving it stuck.
	onCrash func(name string)
}

// New constructs and starts a topic's mailbox goroutine.
func New(name string, cfg Config, logger *logging.Logger, counters *metrics.Counters, onCrash func(string)) *Topic {
	cfg = cfg.withDefaults()
	var backing store.Store
	if cfg.Compaction {
		backing = store.NewCompact()
	} else {
		backing = store.NewLog()
	}
	if logger == nil {
		logger = logging.L()
	}
	t := &Topic{
		Name:     name,
		cfg:      cfg,
		log:      logger.With(logging.String("topic", name)),
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
		store:    backing,
		acks:     ack.New(),
		retries:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
		subs:     make(map[string]*Subscriber),
		throttle: throttle.NewDelivery(cfg.ByteRateLimit, nil),
		metrics:  counters,
		onCrash:  onCrash,
	}
	go t.run()
	return t
}

// --- public API -----------------------------------------------------------

// Publish enqueues a message for processing and waits for the mailbox to apply
// it, returning the message's final id. The caller-supplied message must
// already carry an id (message.New assigns one); Publish re-stamps the ingest
// timestamp at the moment the mailbox actually processes it.
func (t *Topic) Publish(ctx context.Context, msg message.Message) (string, error) {
	reply := make(chan string, 1)
	if err := t.enqueue(ctx, publishEvent{msg: msg, reply: reply}); err != nil {
		return "", err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		return "", ErrStopped
	}
}

// Subscribe attaches a subscriber sink, overwriting (and closing) any prior sink
// registered under the same client id.
func (t *Topic) Subscribe(ctx context.Context, clientID string, sub *Subscriber) error {
	reply := make(chan error, 1)
	if err := t.enqueue(ctx, subscribeEvent{clientID: clientID, sub: sub, reply: reply}); err != nil {
		return err
	}
	return t.await(ctx, reply)
}

// Unsubscribe removes a subscriber from the table. Outstanding ack entries for
// messages already delivered to this client are left untouched: a late ack
// arriving after unsubscribe still completes cleanly against the tracker.
func (t *Topic) Unsubscribe(ctx context.Context, clientID string) error {
	reply := make(chan error, 1)
	if err := t.enqueue(ctx, unsubscribeEvent{clientID: clientID, reply: reply}); err != nil {
		return err
	}
	return t.await(ctx, reply)
}

// Acknowledge records a best-effort acknowledgement. The outcome is never
// surfaced to the HTTP caller: acking an unknown message or client is a no-op.
func (t *Topic) Acknowledge(ctx context.Context, clientID, messageID string) error {
	return t.enqueue(ctx, ackEvent{clientID: clientID, messageID: messageID})
}

// Stop cancels all timers, closes every subscriber sink, and terminates the
// mailbox goroutine. Safe to call more than once.
func (t *Topic) Stop() {
	t.closed.Do(func() {
		close(t.done)
	})
}

func (t *Topic) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrStopped
	}
}

func (t *Topic) enqueue(ctx context.Context, ev event) error {
	select {
	case <-t.done:
		return ErrStopped
	default:
	}
	select {
	case t.events <- ev:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- mailbox loop -----------------------------------------------------------

type event interface {
	apply(t *Topic)
}

type publishEvent struct {
	msg   message.Message
	reply chan<- string
}

type subscribeEvent struct {
	clientID string
	sub      *Subscriber
	reply    chan<- error
}

type unsubscribeEvent struct {
	clientID string
	reply    chan<- error
}

type ackEvent struct {
	clientID  string
	messageID string
}

type tickEvent struct{}

type ackDeadlineEvent struct {
	messageID string
}

func (t *Topic) run() {
	ticker := time.NewTicker(t.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-t.events:
			if t.safeApply(ev) {
				t.terminate()
				if t.onCrash != nil {
					t.onCrash(t.Name)
				}
				return
			}
		case <-ticker.C:
			if t.safeApply(tickEvent{}) {
				t.terminate()
				if t.onCrash != nil {
					t.onCrash(t.Name)
				}
				return
			}
		case <-t.done:
			t.terminate()
			return
		}
	}
}

// safeApply runs ev.apply recovering from panics so a single bad event cannot
// deadlock the process; it reports whether the handler crashed.
func (t *Topic) safeApply(ev event) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("topic handler panicked, stopping topic",
				logging.String("panic", fmt.Sprint(r)))
			crashed = true
		}
	}()
	ev.apply(t)
	return false
}

func (t *Topic) terminate() {
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	for _, sub := range t.subs {
		sub.Close()
		if t.metrics != nil {
			t.metrics.SubscriberLeft()
		}
	}
	t.subs = make(map[string]*Subscriber)
	t.acks = ack.New()
	t.retries = make(map[string]int)
}

// --- event handlers -----------------------------------------------------------

func (e publishEvent) apply(t *Topic) {
	now := time.Now()
	msg := e.msg
	if msg.ID() == "" {
		msg = message.New("", msg.Key(), msg.Payload(), msg.RequireAck())
	}
	msg = msg.WithTimestamp(now)

	// A Compact topic replacing an existing keyed message drops the old
	// message's ack tracker entry: once superseded it can never be delivered
	// or acked again, so holding its pending-ack bookkeeping would wedge.
	if t.cfg.Compaction && msg.HasKey() {
		if prev, ok := t.store.GetByKey(msg.Key()); ok && prev.ID() != msg.ID() {
			if t.acks.Has(prev.ID()) {
				t.log.Debug("dropping ack entry for compacted message",
					logging.String("key", msg.Key()), logging.String("old_message_id", prev.ID()))
				t.acks.Drop(prev.ID())
				t.cancelTimer(prev.ID())
				delete(t.retries, prev.ID())
			}
		}
	}

	t.store.Insert(msg)
	if t.metrics != nil {
		t.metrics.MessagePublished()
	}

	snapshot := make([]string, 0, len(t.subs))
	for clientID := range t.subs {
		snapshot = append(snapshot, clientID)
	}
	sort.Strings(snapshot)

	t.deliverTo(snapshot, msg)

	if msg.RequireAck() && len(snapshot) > 0 {
		t.acks.Register(msg.ID(), snapshot)
		t.armDeadline(msg.ID())
	}

	if t.metrics != nil {
		t.metrics.SetAcksOutstanding(int64(t.acks.Len()))
	}

	if e.reply != nil {
		e.reply <- msg.ID()
	}
}

func (t *Topic) deliverTo(clientIDs []string, msg message.Message) {
	for _, clientID := range clientIDs {
		sub, ok := t.subs[clientID]
		if !ok {
			continue
		}
		if !t.throttle.Allow(clientID, len(msg.Payload())) {
			t.log.Debug("delivery throttled", logging.String("client_id", clientID), logging.String("message_id", msg.ID()))
			if t.metrics != nil {
				t.metrics.SinkDropped()
			}
			continue
		}
		switch err := sub.TrySend(msg); err {
		case nil:
			if t.metrics != nil {
				t.metrics.MessageDelivered()
			}
		case ErrSinkFull:
			t.log.Warn("subscriber sink full, dropping delivery",
				logging.String("client_id", clientID), logging.String("message_id", msg.ID()))
			if t.metrics != nil {
				t.metrics.SinkDropped()
			}
		case ErrSinkClosed:
			t.log.Debug("subscriber sink closed, removing subscriber", logging.String("client_id", clientID))
			delete(t.subs, clientID)
			if t.metrics != nil {
				t.metrics.SubscriberLeft()
			}
		}
	}
}

func (t *Topic) armDeadline(messageID string) {
	t.cancelTimer(messageID)
	timer := time.AfterFunc(t.cfg.AckTimeout, func() {
		select {
		case t.events <- ackDeadlineEvent{messageID: messageID}:
		case <-t.done:
		}
	})
	t.timers[messageID] = timer
}

func (t *Topic) cancelTimer(messageID string) {
	if timer, ok := t.timers[messageID]; ok {
		timer.Stop()
		delete(t.timers, messageID)
	}
}

func (e subscribeEvent) apply(t *Topic) {
	if prior, ok := t.subs[e.clientID]; ok {
		prior.Close()
	} else if t.metrics != nil {
		t.metrics.SubscriberJoined()
	}
	t.subs[e.clientID] = e.sub
	if e.reply != nil {
		e.reply <- nil
	}
}

func (e unsubscribeEvent) apply(t *Topic) {
	if sub, ok := t.subs[e.clientID]; ok {
		delete(t.subs, e.clientID)
		sub.Close()
		t.throttle.Forget(e.clientID)
		if t.metrics != nil {
			t.metrics.SubscriberLeft()
		}
	}
	if e.reply != nil {
		e.reply <- nil
	}
}

func (e ackEvent) apply(t *Topic) {
	status := t.acks.Acknowledge(e.messageID, e.clientID)
	if status == ack.Completed {
		t.cancelTimer(e.messageID)
		delete(t.retries, e.messageID)
	}
	if t.metrics != nil {
		t.metrics.SetAcksOutstanding(int64(t.acks.Len()))
	}
}

func (e tickEvent) apply(t *Topic) {
	now := time.Now()
	evicted := t.store.Sweep(now, t.cfg.Retention)
	for _, id := range evicted {
		t.acks.Drop(id)
		t.cancelTimer(id)
		delete(t.retries, id)
	}
	if t.metrics != nil {
		t.metrics.SetAcksOutstanding(int64(t.acks.Len()))
	}
}

func (e ackDeadlineEvent) apply(t *Topic) {
	pending := t.acks.Expire(e.messageID)
	if len(pending) == 0 {
		t.acks.Drop(e.messageID)
		delete(t.retries, e.messageID)
		return
	}
	msg, ok := t.store.Get(e.messageID)
	if !ok {
		t.acks.Drop(e.messageID)
		delete(t.retries, e.messageID)
		return
	}

	t.retries[e.messageID]++
	if t.retries[e.messageID] > t.cfg.MaxAckRetries {
		t.log.Warn("ack retries exhausted, giving up",
			logging.String("message_id", e.messageID), logging.Int("retries", t.retries[e.messageID]))
		t.acks.Drop(e.messageID)
		delete(t.retries, e.messageID)
		return
	}

	for range pending {
		if t.metrics != nil {
			t.metrics.MessageRedelivered()
		}
	}
	t.deliverTo(pending, msg)
	t.armDeadline(e.messageID)
}
