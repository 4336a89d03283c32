package authkit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth event names recorded by the backend.
const (
	MetricSignUp            = "auth.signup.success"
	MetricPasswordSignIn    = "auth.signin.password.success"
	MetricPasswordFailure   = "auth.signin.password.failure"
	MetricOTPSent           = "auth.otp.sent"
	MetricOTPSignIn         = "auth.signin.otp.success"
	MetricOTPFailure        = "auth.signin.otp.failure"
	MetricIDTokenSignIn     = "auth.signin.id_token.success"
	MetricIDTokenFailure    = "auth.signin.id_token.failure"
	MetricRefresh           = "auth.refresh.success"
	MetricRefreshFailure    = "auth.refresh.failure"
	MetricSignOut           = "auth.signout"
	MetricGlobalSignOut     = "auth.signout.global"
	MetricEventPublishError = "auth.events.publish_error"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers tradehub_auth_events_total on registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradehub_auth_events_total", Help: "Auth backend events by name"},
		[]string{"event"},
	)
	if err := registerer.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if ok {
				return &PrometheusMetrics{events: existing}, nil
			}
		}
		return nil, fmt.Errorf("metrics.register: %w", err)
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
