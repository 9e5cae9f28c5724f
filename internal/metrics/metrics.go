// Package metrics holds the Prometheus collectors for the ledger, the job
// pipeline and billing reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credits"

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerOperations counts ledger mutations by kind and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by transaction kind and outcome.",
}, []string{"kind", "outcome"})

// LedgerCredits sums credits moved per transaction kind.
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Credits moved by transaction kind.",
}, []string{"kind"})

// LedgerInvariantViolations counts audit failures. Any non-zero value is a bug.
var LedgerInvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "invariant_violations_total",
	Help:      "Detected balance/log mismatches or negative balances.",
})

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsStarted counts accepted jobs per type.
var JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "started_total",
	Help:      "Jobs accepted by the dispatcher.",
}, []string{"type"})

// JobsRejected counts start requests refused before a job was created.
var JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "rejected_total",
	Help:      "Start requests rejected by reason.",
}, []string{"reason"})

// JobsFinished counts terminal transitions per status and path.
var JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "finished_total",
	Help:      "Jobs reaching a terminal status.",
}, []string{"status", "path"})

// ItemOutcomes counts terminal item results.
var ItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "items",
	Name:      "outcomes_total",
	Help:      "Item results by job type and status.",
}, []string{"type", "status"})

// ItemAttempts observes how many attempts an item needed.
var ItemAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "items",
	Name:      "attempts",
	Help:      "Attempts per finished item.",
	Buckets:   []float64{1, 2, 3, 4, 5, 8},
}, []string{"type"})

// ItemDuration observes wall time per item including retries.
var ItemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "items",
	Name:      "duration_seconds",
	Help:      "Item execution time including retries.",
	Buckets:   prometheus.DefBuckets,
}, []string{"type"})

// WorkersBusy reports executors currently running an item.
var WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "workers",
	Name:      "busy",
	Help:      "Workers currently executing an item.",
})

// ─── Billing ────────────────────────────────────────────────────────────────

// BillingEvents counts reconciled payment events by type and result.
var BillingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "billing",
	Name:      "events_total",
	Help:      "Billing events by type and result (applied, duplicate, ignored, error).",
}, []string{"type", "result"})
