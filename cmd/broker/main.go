// Command broker runs the in-memory publish/subscribe message broker: it
// loads configuration, wires the topic registry to the HTTP façade, and
// serves until the process is terminated.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"eventbroker/internal/config"
	"eventbroker/internal/httpapi"
	"eventbroker/internal/logging"
	"eventbroker/internal/metrics"
	"eventbroker/internal/registry"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	counters := metrics.New()
	reg := registry.New(logger, counters)

	var subscribeLimiter httpapi.RateLimiter
	if cfg.SubscribeRateWindow > 0 && cfg.SubscribeRateBurst > 0 {
		subscribeLimiter = httpapi.NewSlidingWindowLimiter(cfg.SubscribeRateWindow, cfg.SubscribeRateBurst, nil)
	}

	server := httpapi.NewServer(reg, httpapi.Options{
		Logger:           logger,
		Metrics:          counters,
		SubscribeLimiter: subscribeLimiter,
		SubscriberBuffer: cfg.SubscriberBuffer,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		// Retention is deliberately absent here: a topic only gets a retention
		// window when a create_topic request explicitly supplies one. Baking
		// cfg.DefaultRetention in here would silently expire messages on every
		// topic created without a retention field, contradicting the documented
		// "unset retention means sweep is a no-op" contract.
		DefaultTopic: registry.CreateOptions{
			SweepPeriod:   cfg.DefaultSweepPeriod,
			AckTimeout:    cfg.DefaultAckTimeout,
			MaxAckRetries: cfg.DefaultMaxAckRetries,
		},
		StartedAt: startedAt,
	})

	certProvided := cfg.TLSCertPath != ""
	httpServer := &http.Server{Addr: cfg.Address, Handler: server.Handler()}

	logger.Info("broker listening",
		logging.String("address", listenerURL(cfg.Address, certProvided)),
		logging.Bool("tls", certProvided))

	if certProvided {
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
			logger.Fatal("broker server terminated", logging.Error(err))
		}
		return
	}

	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal("broker server terminated", logging.Error(err))
	}
}
