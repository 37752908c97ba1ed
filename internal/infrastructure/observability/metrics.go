package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ScanJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_total",
			Help: "Scan jobs by scanner and final status",
		},
		[]string{"scanner", "status"},
	)

	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Credit ledger operations by transaction type and outcome",
		},
		[]string{"type", "status"},
	)

	ActiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_streams",
			Help: "Open streaming connections",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RepositoryCalls, RepositoryDuration, ScanJobs, LedgerOperations, ActiveStreams)
	})
}

// ObserveRepository records one repository call.
func ObserveRepository(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RepositoryCalls.WithLabelValues(method, status).Inc()
	RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
