package sweeper

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer using Prometheus metrics.
// This is useful if you're already using Prometheus for monitoring.
//
// Example:
//
//	observer := sweeper.NewPrometheusObserver("my_service", prometheus.DefaultRegisterer)
//	manager := sweeper.NewManager(store, locker, provider, sweeper.WithObserver(observer))
type PrometheusObserver struct {
	finalizeDuration *prometheus.HistogramVec
	destroyDuration  *prometheus.HistogramVec
	destroysTotal    *prometheus.CounterVec
	retries          *prometheus.CounterVec
	lockWait         *prometheus.HistogramVec
	lockTimeouts     *prometheus.CounterVec
}

// NewPrometheusObserver creates a Prometheus observer with the given
// namespace. All metrics are prefixed with "{namespace}_sweeper_".
//
// Example:
//
//	observer := NewPrometheusObserver("myapp", prometheus.DefaultRegisterer)
//	// Creates metrics like: myapp_sweeper_finalize_duration_seconds
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "sweeper"
	}

	finalizeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "finalize_duration_seconds",
			Help:      "Duration of scope finalize in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scope", "status"},
	)

	destroyDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "destroy_duration_seconds",
			Help:      "Duration of provider destroy attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	destroysTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "destroys_total",
			Help:      "Number of completed destroy attempts",
		},
		[]string{"kind", "status"},
	)

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "destroy_retries_total",
			Help:      "Number of destroy retries",
		},
		[]string{"resource_id"},
	)

	lockWait := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for scope locks in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	lockTimeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "lock_timeouts_total",
			Help:      "Number of lock acquisition timeouts",
		},
		[]string{"scope"},
	)

	registerer.MustRegister(finalizeDuration, destroyDuration, destroysTotal, retries, lockWait, lockTimeouts)

	return &PrometheusObserver{
		finalizeDuration: finalizeDuration,
		destroyDuration:  destroyDuration,
		destroysTotal:    destroysTotal,
		retries:          retries,
		lockWait:         lockWait,
		lockTimeouts:     lockTimeouts,
	}
}

func (o *PrometheusObserver) OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent) {}

func (o *PrometheusObserver) OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent) {
	status := "success"
	switch {
	case event.Error != nil:
		status = "error"
	case event.DryRun:
		status = "dry_run"
	case event.Failed > 0:
		status = "partial"
	}
	o.finalizeDuration.WithLabelValues(event.ScopePath.String(), status).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnDestroyStart(ctx context.Context, event *DestroyStartEvent) {}

func (o *PrometheusObserver) OnDestroyEnd(ctx context.Context, event *DestroyEndEvent) {
	status := "success"
	switch {
	case event.Error != nil:
		status = "error"
	case event.NotFound:
		status = "not_found"
	}
	o.destroyDuration.WithLabelValues(event.Kind, status).Observe(event.Duration.Seconds())
	o.destroysTotal.WithLabelValues(event.Kind, status).Inc()
}

func (o *PrometheusObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	o.retries.WithLabelValues(event.ResourceID).Inc()
}

func (o *PrometheusObserver) OnLockAcquired(ctx context.Context, event *LockEvent) {
	o.lockWait.WithLabelValues(event.ScopePath.String()).Observe(event.Wait.Seconds())
	if !event.Acquired {
		o.lockTimeouts.WithLabelValues(event.ScopePath.String()).Inc()
	}
}
