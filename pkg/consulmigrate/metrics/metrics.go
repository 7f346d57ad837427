// Package metrics counts key writes and migration runs. A CLI run is short
// lived, so the numbers are pushed to a Pushgateway when one is configured.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

const (
	namespace = "migrate_consul"

	LabelSuccess = "success"
)

// Metrics satisfies engine.Recorder and consulmigrate.Observer.
type Metrics struct {
	Writes     *prometheus.CounterVec
	Migrations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec

	reg *prometheus.Registry
	log *zap.Logger
}

// New registers the collectors on a fresh registry.
func New(log *zap.Logger) *Metrics {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Metrics{
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "writes_total",
			Help:      "Number of key writes and deletes by result",
		}, []string{"op", "result"}),

		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "migrations_total",
			Help:      "Number of migrations run by direction and outcome",
		}, []string{"direction", "outcome"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "migration_duration_seconds",
			Help:      "Histogram of times spent running one migration script",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 7),
		}, []string{"direction"}),

		reg: prometheus.NewRegistry(),
		log: log,
	}
	m.reg.MustRegister(m.PrometheusCollectors()...)
	return m
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Writes, m.Migrations, m.Duration}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveWrite counts one write; failures are labelled by error code.
func (m *Metrics) ObserveWrite(op string, err error) {
	result := LabelSuccess
	if err != nil {
		result = merrors.ErrorCode(err)
	}
	m.Writes.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveMigration(direction, outcome string, d time.Duration) {
	m.Migrations.WithLabelValues(direction, outcome).Inc()
	m.Duration.WithLabelValues(direction).Observe(d.Seconds())
}

// Push sends the registry to the Pushgateway at url. An empty url does
// nothing.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if job == "" {
		job = "migrate-consul"
	}
	err := push.New(url, job).Gatherer(m.reg).PushContext(ctx)
	if err != nil {
		m.log.Warn("Pushing metrics failed", zap.String("url", url), zap.Error(err))
		return merrors.Wrap(merrors.EInternal, "metrics.Push", err)
	}
	m.log.Debug("Pushed metrics", zap.String("url", url), zap.String("job", job))
	return nil
}
