package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the subset of pgxpool statistics exported as metrics.
type PoolStats struct {
	Acquired         int32
	Idle             int32
	Total            int32
	Max              int32
	AcquireCount     int64
	CanceledAcquires int64
	EmptyAcquires    int64
	NewConns         int64
	AcquireSeconds   float64
}

type poolMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(PoolStats) float64
}

// PoolStatsCollector implements prometheus.Collector for connection pool stats.
type PoolStatsCollector struct {
	stats   func() PoolStats
	service string
	metrics []poolMetric
}

// NewPoolStatsCollector exports the statistics of pool under the given
// service label.
func NewPoolStatsCollector(pool *pgxpool.Pool, service string) *PoolStatsCollector {
	return newPoolStatsCollector(func() PoolStats {
		s := pool.Stat()
		return PoolStats{
			Acquired:         s.AcquiredConns(),
			Idle:             s.IdleConns(),
			Total:            s.TotalConns(),
			Max:              s.MaxConns(),
			AcquireCount:     s.AcquireCount(),
			CanceledAcquires: s.CanceledAcquireCount(),
			EmptyAcquires:    s.EmptyAcquireCount(),
			NewConns:         s.NewConnsCount(),
			AcquireSeconds:   s.AcquireDuration().Seconds(),
		}
	}, service)
}

func newPoolStatsCollector(stats func() PoolStats, service string) *PoolStatsCollector {
	labels := []string{"service"}
	gauge := func(name, help string, v func(PoolStats) float64) poolMetric {
		return poolMetric{prometheus.NewDesc(name, help, labels, nil), prometheus.GaugeValue, v}
	}
	counter := func(name, help string, v func(PoolStats) float64) poolMetric {
		return poolMetric{prometheus.NewDesc(name, help, labels, nil), prometheus.CounterValue, v}
	}

	return &PoolStatsCollector{
		stats:   stats,
		service: service,
		metrics: []poolMetric{
			gauge("db_pool_acquired_connections", "Number of currently acquired connections",
				func(s PoolStats) float64 { return float64(s.Acquired) }),
			gauge("db_pool_idle_connections", "Number of currently idle connections",
				func(s PoolStats) float64 { return float64(s.Idle) }),
			gauge("db_pool_total_connections", "Total number of connections in the pool",
				func(s PoolStats) float64 { return float64(s.Total) }),
			gauge("db_pool_max_connections", "Maximum number of connections allowed",
				func(s PoolStats) float64 { return float64(s.Max) }),
			counter("db_pool_acquire_count_total", "Total number of connection acquires",
				func(s PoolStats) float64 { return float64(s.AcquireCount) }),
			counter("db_pool_acquire_duration_seconds_total", "Total time spent acquiring connections",
				func(s PoolStats) float64 { return s.AcquireSeconds }),
			counter("db_pool_canceled_acquire_count_total", "Total number of canceled acquires",
				func(s PoolStats) float64 { return float64(s.CanceledAcquires) }),
			counter("db_pool_empty_acquire_count_total", "Total number of acquires that waited for a connection",
				func(s PoolStats) float64 { return float64(s.EmptyAcquires) }),
			counter("db_pool_new_connections_total", "Total number of new connections created",
				func(s PoolStats) float64 { return float64(s.NewConns) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s), c.service)
	}
}

// RegisterPoolMetrics registers a collector for pool with reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, service string) error {
	return reg.Register(NewPoolStatsCollector(pool, service))
}
