// Package metrics exposes runner counters through prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all rdprun metrics. A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	TestsTotal          *prometheus.CounterVec
	TestDuration        prometheus.Histogram
	SendRetries         prometheus.Counter
	Reconnects          prometheus.Counter
	UnroutableResponses prometheus.Counter
	Notifications       prometheus.Counter
}

// New creates a registry with every rdprun collector registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.TestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdprun_tests_total",
		Help: "Completed test cases by outcome",
	}, []string{"outcome"})
	r.TestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdprun_test_duration_seconds",
		Help:    "Wall time of a single test case run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	r.SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdprun_send_retries_total",
		Help: "Wire sends retried after a socket failure",
	})
	r.Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdprun_reconnects_total",
		Help: "Physical sockets opened after the first one",
	})
	r.UnroutableResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdprun_unroutable_responses_total",
		Help: "Responses dropped because no pending request matched their id",
	})
	r.Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdprun_notifications_total",
		Help: "Notifications broadcast to forks",
	})

	r.reg.MustRegister(r.TestsTotal, r.TestDuration, r.SendRetries, r.Reconnects,
		r.UnroutableResponses, r.Notifications)
	return r
}

// Gatherer returns the underlying prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveTest records a finished test.
func (r *Registry) ObserveTest(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.TestsTotal.WithLabelValues(outcome).Inc()
	r.TestDuration.Observe(d.Seconds())
}

// SendRetried records one resend attempt.
func (r *Registry) SendRetried() {
	if r != nil {
		r.SendRetries.Inc()
	}
}

// Reconnected records a socket opened to replace a previous one.
func (r *Registry) Reconnected() {
	if r != nil {
		r.Reconnects.Inc()
	}
}

// ResponseDropped records an unroutable response.
func (r *Registry) ResponseDropped() {
	if r != nil {
		r.UnroutableResponses.Inc()
	}
}

// NotificationBroadcast records one broadcast notification.
func (r *Registry) NotificationBroadcast() {
	if r != nil {
		r.Notifications.Inc()
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
