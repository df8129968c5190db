// Package metrics collects and exposes Prometheus metrics for the job
// core: job lifecycle counters, a job-duration histogram, and gauges for
// the run-queue depth and the unit population by active state.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the manager reports.
type Collector struct {
	jobsInstalled prometheus.Counter
	jobsMerged    prometheus.Counter
	jobsFinished  *prometheus.CounterVec

	jobDuration  prometheus.Histogram
	recoveryTime prometheus.Gauge

	runQueueDepth prometheus.Gauge
	unitsByState  *prometheus.GaugeVec
}

// NewCollector creates and registers the collector on the default
// Prometheus registry. A process creates exactly one.
func NewCollector() *Collector {
	c := &Collector{
		jobsInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unitman_jobs_installed_total",
			Help: "Total number of jobs installed onto units",
		}),
		jobsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unitman_jobs_merged_total",
			Help: "Total number of jobs merged into an already-installed job",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unitman_jobs_finished_total",
			Help: "Total number of finished jobs, by result",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unitman_job_duration_seconds",
			Help:    "Time from a job starting to run until it finished",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unitman_recovery_time_seconds",
			Help: "Time taken to restore state from snapshot and journal at startup",
		}),
		runQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unitman_run_queue_depth",
			Help: "Current number of jobs waiting in the run queue",
		}),
		unitsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unitman_units",
			Help: "Current number of units, by active state",
		}, []string{"active_state"}),
	}

	prometheus.MustRegister(c.jobsInstalled)
	prometheus.MustRegister(c.jobsMerged)
	prometheus.MustRegister(c.jobsFinished)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.recoveryTime)
	prometheus.MustRegister(c.runQueueDepth)
	prometheus.MustRegister(c.unitsByState)

	return c
}

// RecordInstalled records one job installed by a transaction commit.
func (c *Collector) RecordInstalled() {
	c.jobsInstalled.Inc()
}

// RecordMerged records one job merged into an installed job.
func (c *Collector) RecordMerged() {
	c.jobsMerged.Inc()
}

// RecordFinished records a finished job's result and, when the job
// actually ran, its duration.
func (c *Collector) RecordFinished(result string, durationSeconds float64) {
	c.jobsFinished.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		c.jobDuration.Observe(durationSeconds)
	}
}

// SetRecoveryTime records the startup recovery duration.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetRunQueueDepth updates the run-queue depth gauge.
func (c *Collector) SetRunQueueDepth(depth int) {
	c.runQueueDepth.Set(float64(depth))
}

// SetUnitCount updates the unit-population gauge for one active state.
func (c *Collector) SetUnitCount(activeState string, count int) {
	c.unitsByState.WithLabelValues(activeState).Set(float64(count))
}

// StartServer starts the Prometheus scrape endpoint on /metrics.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
