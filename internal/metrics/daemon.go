// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the daemon's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pkgd_sessions_open",
		Help: "Number of currently open sessions",
	})

	sessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_sessions_opened_total",
		Help: "Session open attempts by result",
	}, []string{"result"}) // result=success|limit|shutdown|denied

	workersInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pkgd_workers_inflight",
		Help: "Workers currently running a request",
	})

	workersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_workers_total",
		Help: "Total number of workers started",
	})

	workerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_worker_panics_total",
		Help: "Total number of recovered worker panics",
	})

	workersReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_workers_reclaimed_total",
		Help: "Finished workers reclaimed by the collector",
	})

	rpcCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_rpc_calls_total",
		Help: "Bus method calls by interface, method and result",
	}, []string{"interface", "method", "result"})

	configReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_config_reload_total",
		Help: "Configuration reloads by result",
	}, []string{"result"})

	childSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_child_signals_total",
		Help: "Signals sent to helper process groups by signal and result",
	}, []string{"signal", "result"})
)

// SetSessionsOpen records the current number of open sessions.
func SetSessionsOpen(n int) {
	sessionsOpen.Set(float64(n))
}

// IncSessionOpen records a session open attempt.
func IncSessionOpen(result string) {
	sessionsOpened.WithLabelValues(result).Inc()
}

// WorkerStarted records a new worker.
func WorkerStarted() {
	workersTotal.Inc()
	workersInflight.Inc()
}

// WorkerFinished records a worker returning.
func WorkerFinished() {
	workersInflight.Dec()
}

// IncWorkerPanic records a recovered panic.
func IncWorkerPanic() {
	workerPanics.Inc()
}

// AddWorkersReclaimed records workers reclaimed by one collector pass.
func AddWorkersReclaimed(n int) {
	if n > 0 {
		workersReclaimed.Add(float64(n))
	}
}

// IncRPCCall records one handled bus method call.
func IncRPCCall(iface, method, result string) {
	rpcCalls.WithLabelValues(iface, method, result).Inc()
}

// RecordConfigReload records a configuration reload outcome.
func RecordConfigReload(result string) {
	configReloads.WithLabelValues(result).Inc()
}

// IncChildSignal records a signal sent to a helper process group.
func IncChildSignal(signal, result string) {
	childSignals.WithLabelValues(signal, result).Inc()
}
