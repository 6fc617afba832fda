// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from normalization runs.
//
// The package exposes a narrow interface (Backend) focused on counters and
// timing data, and a global pluggable backend that defaults to a no-op, so
// instrumentation is always safe to call even when nothing is configured.
// Concrete systems live in subpackages (prompush, datadog).
//
// Metric names:
//
//	normalize_step_total              counter   job, step, status
//	normalize_step_duration_seconds   histogram job, step, status
//	normalize_rows_total              counter   job, kind
//	normalize_actions_total           counter   job, op, status
//	normalize_merges_total            counter   job, kind
//	normalize_sink_batches_total      counter   job
package metrics

import (
	"sync"
	"time"
)

// Metric names shared with the backends.
const (
	StepTotal        = "normalize_step_total"
	StepDuration     = "normalize_step_duration_seconds"
	RowsTotal        = "normalize_rows_total"
	ActionsTotal     = "normalize_actions_total"
	MergesTotal      = "normalize_merges_total"
	SinkBatchesTotal = "normalize_sink_batches_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep measures latency and success/failure of one run phase
// (load_rules, build_engine, read_input, process, write_sink).
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow increments a row-level counter for the given job and kind
// (processed, matched, unmatched, faulted, written).
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordAction counts step outcomes per operation; status is one of the
// chain trace statuses (matched, unmatched, skipped, fault).
func RecordAction(job, op, status string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(ActionsTotal, float64(delta), Labels{
		"job":    job,
		"op":     op,
		"status": status,
	})
}

// RecordMerge counts conflict-policy decisions (set, overwrite, reject).
func RecordMerge(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(MergesTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments the sink batch counter for the given job.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(SinkBatchesTotal, float64(delta), Labels{
		"job": job,
	})
}
