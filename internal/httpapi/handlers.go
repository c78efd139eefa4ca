// Package httpapi is the broker's HTTP control/data plane: it parses requests,
// dispatches them to the registry, and frames delivered messages as a
// Server-Sent Events stream. It owns no broker state itself.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventbroker/internal/logging"
	"eventbroker/internal/message"
	"eventbroker/internal/metrics"
	"eventbroker/internal/registry"
	"eventbroker/internal/topic"
)

// DefaultDispatchTimeout bounds how long a request waits for its event to be
// applied by a topic's mailbox before the HTTP call gives up.
const DefaultDispatchTimeout = 2 * time.Second

// Options configures a Server.
type Options struct {
	Logger           *logging.Logger
	Metrics          *metrics.Counters
	DispatchTimeout  time.Duration
	SubscribeLimiter RateLimiter
	SubscriberBuffer int
	MaxPayloadBytes  int64
	DefaultTopic     registry.CreateOptions
	StartedAt        time.Time
}

// Server exposes the broker's HTTP surface over a Registry.
type Server struct {
	registry         *registry.Registry
	log              *logging.Logger
	metrics          *metrics.Counters
	dispatchTimeout  time.Duration
	subscribeLimiter RateLimiter
	subscriberBuffer int
	maxPayloadBytes  int64
	defaultTopic     registry.CreateOptions
	startedAt        time.Time
}

// NewServer constructs a Server bound to reg.
func NewServer(reg *registry.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = topic.DefaultDeliveryBuffer
	}
	started := opts.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &Server{
		registry:         reg,
		log:              logger.With(logging.String("component", "httpapi")),
		metrics:          opts.Metrics,
		dispatchTimeout:  timeout,
		subscribeLimiter: opts.SubscribeLimiter,
		subscriberBuffer: buffer,
		maxPayloadBytes:  opts.MaxPayloadBytes,
		defaultTopic:     opts.DefaultTopic,
		startedAt:        started,
	}
}

// Handler builds the broker's HTTP handler, wrapped in trace-id middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/create_topic", s.createTopicHandler)
	mux.HandleFunc("/delete_topic", s.deleteTopicHandler)
	mux.HandleFunc("/publish", s.publishHandler)
	mux.HandleFunc("/subscribe", s.subscribeHandler)
	mux.HandleFunc("/unsubscribe", s.unsubscribeHandler)
	mux.HandleFunc("/ack", s.ackHandler)
	mux.HandleFunc("/topics", s.listTopicsHandler)
	mux.HandleFunc("DELETE /topics/{name}", s.deleteTopicByNameHandler)
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	return logging.HTTPTraceMiddleware(s.log)(mux)
}

// --- request/response payloads -----------------------------------------------

type createTopicRequest struct {
	Name       string `json:"name"`
	Retention  *int64 `json:"retention"`
	Compaction bool   `json:"compaction"`
}

type deleteTopicRequest struct {
	Name string `json:"name"`
}

type publishRequest struct {
	Topic      string  `json:"topic"`
	Key        *string `json:"key"`
	Payload    string  `json:"payload"`
	RequireAck bool    `json:"require_ack"`
}

type publishResponse struct {
	MessageID string `json:"message_id"`
}

type unsubscribeRequest struct {
	Topic string `json:"topic"`
}

type ackRequest struct {
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	MessageID string `json:"message_id"`
}

// --- handlers -----------------------------------------------------------

// mergeCreateTopicOptions derives the registry.CreateOptions for a new topic
// from the server's non-retention defaults (SweepPeriod, AckTimeout,
// MaxAckRetries) and the request body. Retention is never inherited from
// defaults: a topic's retention is either the value the caller explicitly
// supplies, or unset (sweep is a no-op), matching create_topic's wire
// contract where an omitted or null retention means the topic never expires
// messages on its own.
func mergeCreateTopicOptions(defaults registry.CreateOptions, req createTopicRequest) (registry.CreateOptions, error) {
	opts := defaults
	opts.Compaction = req.Compaction
	opts.Retention = 0
	if req.Retention != nil {
		if *req.Retention < 0 {
			return registry.CreateOptions{}, errors.New("retention must be non-negative")
		}
		opts.Retention = time.Duration(*req.Retention) * time.Second
	}
	return opts, nil
}

func (s *Server) createTopicHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req createTopicRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	opts, err := mergeCreateTopicOptions(s.defaultTopic, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.registry.CreateTopic(req.Name, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "created", "name": req.Name})
	case errors.Is(err, registry.ErrTopicAlreadyExists):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("topic %q already exists", req.Name))
	default:
		s.log.Error("create_topic failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) deleteTopicHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req deleteTopicRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.doDeleteTopic(w, req.Name)
}

// deleteTopicByNameHandler is the REST-ish alias for deleteTopicHandler: the
// name travels in the path instead of a JSON body.
func (s *Server) deleteTopicByNameHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.doDeleteTopic(w, name)
}

func (s *Server) doDeleteTopic(w http.ResponseWriter, name string) {
	err := s.registry.DeleteTopic(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
	case errors.Is(err, registry.ErrTopicNotFound):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("topic %q not found", name))
	default:
		s.log.Error("delete_topic failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) publishHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if s.maxPayloadBytes > 0 && int64(len(req.Payload)) > s.maxPayloadBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("payload exceeds maximum of %d bytes", s.maxPayloadBytes))
		return
	}
	var key string
	if req.Key != nil {
		key = *req.Key
	}
	msg := message.New("", key, []byte(req.Payload), req.RequireAck)

	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	defer cancel()
	id, err := s.registry.Publish(ctx, req.Topic, msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, publishResponse{MessageID: id})
	case errors.Is(err, registry.ErrTopicNotFound):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("topic %q not found", req.Topic))
	default:
		s.log.Error("publish failed", logging.Error(err), logging.String("topic", req.Topic))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topicName := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topicName == "" {
		writeError(w, http.StatusBadRequest, "topic query parameter is required")
		return
	}
	if s.subscribeLimiter != nil && !s.subscribeLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many subscribe attempts")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	clientID := uuid.NewString()
	sub := topic.NewSubscriber(clientID, s.subscriberBuffer)

	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	err := s.registry.Subscribe(ctx, topicName, clientID, sub)
	cancel()
	if err != nil {
		if errors.Is(err, registry.ErrTopicNotFound) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("topic %q not found", topicName))
			return
		}
		s.log.Error("subscribe failed", logging.Error(err), logging.String("topic", topicName))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Client-Id", clientID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reqCtx := r.Context()
	for {
		select {
		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			writeSSEMessage(w, msg)
			flusher.Flush()
		case <-reqCtx.Done():
			unsubCtx, unsubCancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
			if err := s.registry.Unsubscribe(unsubCtx, topicName, clientID); err != nil && !errors.Is(err, registry.ErrTopicNotFound) {
				s.log.Warn("cleanup unsubscribe failed", logging.Error(err), logging.String("topic", topicName))
			}
			unsubCancel()
			return
		}
	}
}

// writeSSEMessage frames a delivered message as one SSE event, base64-encoding
// the opaque payload so it survives the newline-delimited data: line.
func writeSSEMessage(w http.ResponseWriter, msg message.Message) {
	fmt.Fprintf(w, "event: message\n")
	fmt.Fprintf(w, "id: %s\n", msg.ID())
	fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(msg.Payload()))
}

func (s *Server) unsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	clientID := strings.TrimSpace(r.Header.Get("X-Client-Id"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "X-Client-Id header is required")
		return
	}
	var req unsubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	defer cancel()
	err := s.registry.Unsubscribe(ctx, req.Topic, clientID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
	case errors.Is(err, registry.ErrTopicNotFound):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("topic %q not found", req.Topic))
	default:
		s.log.Error("unsubscribe failed", logging.Error(err), logging.String("topic", req.Topic))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) ackHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Acks are best-effort and idempotent: 200 unconditionally, regardless of
	// whether the topic, client, or message is still known.
	ctx, cancel := context.WithTimeout(r.Context(), s.dispatchTimeout)
	defer cancel()
	if err := s.registry.Acknowledge(ctx, req.Topic, req.ClientID, req.MessageID); err != nil {
		s.log.Debug("ack dispatch ignored", logging.Error(err), logging.String("topic", req.Topic))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTopicsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"topics": s.registry.List()})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"topics":         len(s.registry.List()),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	writeGauge(w, "broker_topics", "Current number of topics in the registry.", float64(snap.Topics))
	writeGauge(w, "broker_subscribers", "Current number of active subscribers across all topics.", float64(snap.Subscribers))
	writeCounter(w, "broker_messages_published_total", "Total messages published.", float64(snap.MessagesPublished))
	writeCounter(w, "broker_messages_delivered_total", "Total messages delivered to subscribers.", float64(snap.MessagesDelivered))
	writeCounter(w, "broker_messages_redelivered_total", "Total messages redelivered after a missed ack deadline.", float64(snap.MessagesRedelivered))
	writeGauge(w, "broker_acks_outstanding", "Current number of messages with an outstanding acknowledgement.", float64(snap.AcksOutstanding))
	writeCounter(w, "broker_sink_dropped_total", "Total deliveries dropped due to a full, closed, or throttled subscriber sink.", float64(snap.SinksDropped))
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// --- helpers -----------------------------------------------------------

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reason))
}
