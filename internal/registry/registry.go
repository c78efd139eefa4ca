// Package registry owns the name→topic mapping: topic creation, deletion,
// lookup, and event dispatch. Creation and deletion are serialised by a single
// mutex; dispatch only needs a read lookup plus an enqueue to the target
// topic's own mailbox (bounded by the caller's context), so the registry lock
// is never held across a delivery.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"eventbroker/internal/logging"
	"eventbroker/internal/message"
	"eventbroker/internal/metrics"
	"eventbroker/internal/topic"
)

// ErrTopicNotFound is returned when dispatching to, or deleting, an unknown topic.
var ErrTopicNotFound = errors.New("registry: topic not found")

// ErrTopicAlreadyExists is returned by CreateTopic on a name collision.
var ErrTopicAlreadyExists = errors.New("registry: topic already exists")

// CreateOptions configures a newly created topic.
type CreateOptions struct {
	Retention     time.Duration
	Compaction    bool
	SweepPeriod   time.Duration
	AckTimeout    time.Duration
	MaxAckRetries int
}

// Registry maps topic names to running Topic actors.
type Registry struct {
	mu      sync.RWMutex
	topics  map[string]*topic.Topic
	log     *logging.Logger
	metrics *metrics.Counters
}

// New constructs an empty Registry.
func New(logger *logging.Logger, counters *metrics.Counters) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	if counters == nil {
		counters = metrics.New()
	}
	return &Registry{
		topics:  make(map[string]*topic.Topic),
		log:     logger.With(logging.String("component", "registry")),
		metrics: counters,
	}
}

// CreateTopic allocates and starts a topic under name, or ErrTopicAlreadyExists
// if the name is already taken.
func (r *Registry) CreateTopic(name string, opts CreateOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[name]; exists {
		return ErrTopicAlreadyExists
	}
	cfg := topic.Config{
		Retention:     opts.Retention,
		Compaction:    opts.Compaction,
		SweepPeriod:   opts.SweepPeriod,
		AckTimeout:    opts.AckTimeout,
		MaxAckRetries: opts.MaxAckRetries,
	}
	t := topic.New(name, cfg, r.log, r.metrics, r.dropCrashed)
	r.topics[name] = t
	r.metrics.TopicCreated()
	r.log.Info("topic created", logging.String("topic", name), logging.Bool("compaction", opts.Compaction))
	return nil
}

// DeleteTopic stops and removes a topic. ErrTopicNotFound if absent.
func (r *Registry) DeleteTopic(name string) error {
	r.mu.Lock()
	t, exists := r.topics[name]
	if !exists {
		r.mu.Unlock()
		return ErrTopicNotFound
	}
	delete(r.topics, name)
	r.mu.Unlock()

	t.Stop()
	r.metrics.TopicDeleted()
	r.log.Info("topic deleted", logging.String("topic", name))
	return nil
}

// List returns a snapshot of current topic names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	return names
}

// lookup resolves a topic name without holding the lock across any later
// delivery: callers capture the pointer and release the read lock immediately.
func (r *Registry) lookup(name string) (*topic.Topic, error) {
	r.mu.RLock()
	t, ok := r.topics[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrTopicNotFound
	}
	return t, nil
}

// Publish dispatches a Publish event to the named topic, returning the final
// message id.
func (r *Registry) Publish(ctx context.Context, name string, msg message.Message) (string, error) {
	t, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, msg)
}

// Subscribe dispatches a Subscribe event to the named topic.
func (r *Registry) Subscribe(ctx context.Context, name, clientID string, sub *topic.Subscriber) error {
	t, err := r.lookup(name)
	if err != nil {
		return err
	}
	return t.Subscribe(ctx, clientID, sub)
}

// Unsubscribe dispatches an Unsubscribe event to the named topic.
func (r *Registry) Unsubscribe(ctx context.Context, name, clientID string) error {
	t, err := r.lookup(name)
	if err != nil {
		return err
	}
	return t.Unsubscribe(ctx, clientID)
}

// Acknowledge dispatches an Acknowledge event to the named topic. Acks are
// best-effort: an unknown topic is reported so callers can distinguish it from
// an unknown message, but the HTTP façade still answers 200 either way.
func (r *Registry) Acknowledge(ctx context.Context, name, clientID, messageID string) error {
	t, err := r.lookup(name)
	if err != nil {
		return err
	}
	return t.Acknowledge(ctx, clientID, messageID)
}

// dropCrashed removes a topic that panicked and terminated itself, so the name
// becomes available for re-creation instead of staying wedged forever.
func (r *Registry) dropCrashed(name string) {
	r.mu.Lock()
	delete(r.topics, name)
	r.mu.Unlock()
	r.metrics.TopicDeleted()
	r.log.Error("topic crashed and was removed from the registry", logging.String("topic", name))
}
